package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/CrawlFleet/internal/config"
	"github.com/Strob0t/CrawlFleet/internal/port/statistics"
	"github.com/Strob0t/CrawlFleet/internal/resilience"
)

// StatisticsService fans statistics events out to the configured sinks.
// Each sink sits behind its own circuit breaker; failures are logged and
// never retried.
type StatisticsService struct {
	sinks []guardedSink
	log   *slog.Logger
}

type guardedSink struct {
	name    string
	sink    statistics.Sink
	breaker *resilience.Breaker
}

var _ statistics.Sink = (*StatisticsService)(nil)

// NewStatisticsService creates an empty fan-out.
func NewStatisticsService(log *slog.Logger) *StatisticsService {
	if log == nil {
		log = slog.Default()
	}
	return &StatisticsService{log: log.With("component", "statistics")}
}

// Add appends a sink guarded by breaker.
func (s *StatisticsService) Add(name string, sink statistics.Sink, breaker *resilience.Breaker) {
	s.sinks = append(s.sinks, guardedSink{name: name, sink: sink, breaker: breaker})
}

// BuildStatistics creates the fan-out from registered sink names, each
// guarded by a breaker configured from cfg.
func BuildStatistics(names []string, cfg config.Breaker, log *slog.Logger) (*StatisticsService, error) {
	svc := NewStatisticsService(log)
	for _, name := range names {
		sink, err := statistics.New(name, statistics.Options{Logger: log})
		if err != nil {
			return nil, fmt.Errorf("build statistics (available: %v): %w", statistics.Available(), err)
		}
		svc.Add(name, sink, resilience.NewBreaker(cfg.MaxFailures, cfg.Timeout))
	}
	return svc, nil
}

// Sinks returns the names of the configured sinks.
func (s *StatisticsService) Sinks() []string {
	names := make([]string, len(s.sinks))
	for i, g := range s.sinks {
		names[i] = g.name
	}
	return names
}

// Record delivers ev to every sink. The returned error joins the failures
// for callers that want to log them; delivery to healthy sinks is not
// affected by a failing one.
func (s *StatisticsService) Record(ctx context.Context, ev statistics.Event) error {
	var errs []error
	for _, g := range s.sinks {
		err := g.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
			return g.sink.Record(ctx, ev)
		})
		if err != nil {
			s.log.WarnContext(ctx, "statistics sink failed", "sink", g.name, "request_id", ev.RequestID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", g.name, err))
		}
	}
	return errors.Join(errs...)
}
