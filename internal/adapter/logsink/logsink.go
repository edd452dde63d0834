// Package logsink writes statistics events to the structured log.
package logsink

import (
	"context"
	"log/slog"

	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/statistics"
)

func init() {
	statistics.Register("log", func(opts statistics.Options) (statistics.Sink, error) {
		return New(opts.Logger), nil
	})
}

// Sink logs one line per settled attempt.
type Sink struct {
	log *slog.Logger
}

var _ statistics.Sink = (*Sink)(nil)

// New creates a sink. A nil logger falls back to slog.Default.
func New(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{log: log.With("component", "statistics")}
}

// Record logs ev. Non-success outcomes log at warn level.
func (s *Sink) Record(ctx context.Context, ev statistics.Event) error {
	level := slog.LevelInfo
	if ev.Outcome.Kind != download.OutcomeSuccess {
		level = slog.LevelWarn
	}
	s.log.LogAttrs(ctx, level, "download settled",
		slog.String("agent_id", ev.AgentID),
		slog.String("request_id", ev.RequestID),
		slog.String("assignment_id", ev.AssignmentID),
		slog.Int("attempt", ev.Attempt),
		slog.String("outcome", string(ev.Outcome.Kind)),
		slog.String("reason", ev.Outcome.Reason),
		slog.Int("status_code", ev.Outcome.StatusCode),
		slog.Int64("bytes", ev.Outcome.Bytes),
		slog.Duration("duration", ev.Outcome.Duration),
	)
	return nil
}
