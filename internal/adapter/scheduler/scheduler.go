// Package scheduler implements the upstream notifier by publishing
// scheduler.completed and scheduler.failed messages.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
	"github.com/Strob0t/CrawlFleet/internal/port/upstream"
)

// Notifier publishes settled requests on the message channel.
type Notifier struct {
	queue messagequeue.Queue
}

var _ upstream.Notifier = (*Notifier)(nil)

// New creates a notifier publishing on queue.
func New(queue messagequeue.Queue) *Notifier {
	return &Notifier{queue: queue}
}

// Completed publishes scheduler.completed.
func (n *Notifier) Completed(ctx context.Context, a *download.Assignment, outcome download.Outcome) error {
	return n.publish(ctx, messagequeue.SubjectCompleted, messagequeue.CompletedPayload{
		RequestID:    a.Request.ID,
		AgentID:      a.AgentID,
		AssignmentID: a.ID,
		Outcome:      outcome,
	})
}

// Failed publishes scheduler.failed.
func (n *Notifier) Failed(ctx context.Context, req download.Request, reason string, attempts int) error {
	return n.publish(ctx, messagequeue.SubjectFailed, messagequeue.FailedPayload{
		RequestID: req.ID,
		Reason:    reason,
		Attempts:  attempts,
	})
}

func (n *Notifier) publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	return n.queue.Publish(ctx, subject, data)
}
