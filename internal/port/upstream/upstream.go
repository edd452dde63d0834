// Package upstream defines the port through which the center reports settled
// requests back to the scheduler that submitted them.
package upstream

import (
	"context"

	"github.com/Strob0t/CrawlFleet/internal/domain/download"
)

// Notifier informs the scheduler about requests the center is done with.
type Notifier interface {
	// Completed reports a request finished successfully by the given assignment.
	Completed(ctx context.Context, a *download.Assignment, outcome download.Outcome) error
	// Failed reports a request the center gave up on.
	Failed(ctx context.Context, req download.Request, reason string, attempts int) error
}
