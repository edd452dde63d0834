// Package statistics defines the statistics sink port (interface).
package statistics

import (
	"context"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain/download"
)

// Event is one settled dispatch attempt.
type Event struct {
	AgentID      string           `json:"agent_id"`
	RequestID    string           `json:"request_id"`
	AssignmentID string           `json:"assignment_id"`
	Attempt      int              `json:"attempt"`
	Outcome      download.Outcome `json:"outcome"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Sink receives statistics events. Callers treat it as fire-and-forget:
// errors are logged and never retried.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, ev Event) error { return f(ctx, ev) }
