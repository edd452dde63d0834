package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/statistics"
)

func init() {
	statistics.Register("otel", func(statistics.Options) (statistics.Sink, error) {
		m, err := NewMetrics()
		if err != nil {
			return nil, err
		}
		return NewSink(m), nil
	})
}

// Sink records statistics events on otel instruments.
type Sink struct {
	m *Metrics
}

var _ statistics.Sink = (*Sink)(nil)

// NewSink creates a sink recording on m.
func NewSink(m *Metrics) *Sink {
	return &Sink{m: m}
}

// Record adds one settled attempt.
func (s *Sink) Record(ctx context.Context, ev statistics.Event) error {
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(ev.Outcome.Kind)),
		attribute.String("agent.id", ev.AgentID),
	)
	s.m.Downloads.Add(ctx, 1, attrs)
	if ev.Outcome.Kind == download.OutcomeSuccess {
		s.m.DownloadBytes.Add(ctx, ev.Outcome.Bytes, attrs)
		s.m.DownloadDuration.Record(ctx, ev.Outcome.Duration.Seconds(), attrs)
	}
	return nil
}
