package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	cfotel "github.com/Strob0t/CrawlFleet/internal/adapter/otel"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/logger"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
	"github.com/Strob0t/CrawlFleet/internal/resilience"
)

// reportAttempts bounds result publishing; the center's assignment deadline
// covers a result that is lost anyway.
const reportAttempts = 3

// handleDispatch accepts one assignment and executes it in the background
// so the subscription never blocks on downloads.
func (a *Agent) handleDispatch(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.DispatchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal dispatch: %w", err)
	}

	a.inFlight.Add(1)
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		defer a.inFlight.Add(-1)
		a.execute(logger.WithCorrelationID(a.workCtx, logger.CorrelationID(ctx)), p, 0)
	}()
	return nil
}

// execute runs one assignment: claim a slot and a lease on the request's
// contention key, download, release, report. A denied lease requeues the
// assignment after requeue_delay without holding a slot. Past its deadline
// the center has already rerouted the assignment, so it is abandoned.
func (a *Agent) execute(ctx context.Context, p messagequeue.DispatchPayload, requeues int) {
	holder := leaseHolder(a.id.ID, p.AssignmentID)
	for {
		switch a.State() {
		case AgentDraining, AgentStopped:
			a.report(ctx, p, download.Abandoned("draining"))
			return
		case AgentDisconnected:
			a.report(ctx, p, download.Abandoned("disconnected"))
			return
		}
		if a.pastDeadline(p) {
			a.report(ctx, p, download.Abandoned(reasonDeadline))
			return
		}

		if err := a.acquireSlot(ctx, p); err != nil {
			reason := "draining"
			if a.pastDeadline(p) {
				reason = reasonDeadline
			}
			a.report(ctx, p, download.Abandoned(reason))
			return
		}
		key := p.Request.ContentionKey()
		granted, err := a.locker.Acquire(ctx, key, holder, a.cfg.LeaseTTL)
		if err != nil {
			a.log.WarnContext(ctx, "lease acquire failed", "key", key, "error", err)
		}
		if err == nil && granted {
			var outcome download.Outcome
			if a.pastDeadline(p) {
				outcome = download.Abandoned(reasonDeadline)
			} else {
				outcome = a.download(ctx, p)
			}
			if err := a.locker.Release(context.WithoutCancel(ctx), key, holder); err != nil {
				a.log.WarnContext(ctx, "lease release failed", "key", key, "error", err)
			}
			a.sem.Release(1)
			a.report(ctx, p, outcome)
			return
		}
		a.sem.Release(1)

		if requeues >= a.cfg.MaxRequeues {
			a.report(ctx, p, download.Failure("lock contention"))
			return
		}
		requeues++
		a.log.DebugContext(ctx, "lease held elsewhere, requeued",
			"key", key,
			"assignment_id", p.AssignmentID,
			"requeues", requeues,
		)
		if err := resilience.Sleep(ctx, a.cfg.RequeueDelay); err != nil {
			a.report(ctx, p, download.Abandoned("draining"))
			return
		}
	}
}

const reasonDeadline = "deadline exceeded"

// leaseHolder names one execution, so two assignments on the same agent
// contend for a key like assignments on different agents do.
func leaseHolder(agentID, assignmentID string) string {
	return agentID + "/" + assignmentID
}

func (a *Agent) pastDeadline(p messagequeue.DispatchPayload) bool {
	return !p.Deadline.IsZero() && !a.now().Before(p.Deadline)
}

// acquireSlot waits for a download slot, no longer than the assignment
// deadline.
func (a *Agent) acquireSlot(ctx context.Context, p messagequeue.DispatchPayload) error {
	if !p.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, p.Deadline)
		defer cancel()
	}
	return a.sem.Acquire(ctx, 1)
}

// download performs the fetch and maps the response to an outcome: 2xx is
// Success, any other status is Failure with the status code kept.
func (a *Agent) download(ctx context.Context, p messagequeue.DispatchPayload) download.Outcome {
	ctx, span := cfotel.StartDownloadSpan(ctx, p.AssignmentID, p.Request.URL)
	defer span.End()

	if a.cfg.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.DownloadTimeout)
		defer cancel()
	}

	resp, err := a.downloader.Download(ctx, p.Request)
	if err != nil {
		span.RecordError(err)
		if a.workCtx.Err() != nil {
			return download.Abandoned("drain timeout")
		}
		span.SetStatus(codes.Error, err.Error())
		return download.Failure(err.Error())
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.StatusCode),
		attribute.Int64("http.response.body.size", resp.Bytes),
	)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		o := download.Failure(fmt.Sprintf("status %d", resp.StatusCode))
		o.StatusCode = resp.StatusCode
		o.Bytes = resp.Bytes
		o.Duration = resp.Duration
		span.SetStatus(codes.Error, o.Reason)
		return o
	}
	return download.Success(resp.StatusCode, resp.Bytes, resp.Duration)
}

// report publishes the outcome of an assignment to the center.
func (a *Agent) report(ctx context.Context, p messagequeue.DispatchPayload, outcome download.Outcome) {
	payload := messagequeue.ResultPayload{
		AssignmentID: p.AssignmentID,
		RequestID:    p.Request.ID,
		AgentID:      a.id.ID,
		Outcome:      outcome,
	}
	// Reporting must survive the drain timeout cancelling in-flight work.
	pctx := context.WithoutCancel(ctx)
	b := resilience.Backoff{Base: a.cfg.RequeueDelay / 4, Max: a.cfg.RequeueDelay}
	err := resilience.Retry(pctx, reportAttempts, b, func(ctx context.Context, _ int) error {
		return a.publishJSON(ctx, messagequeue.SubjectResult, payload)
	})
	if err != nil {
		a.log.WarnContext(ctx, "result publish failed",
			"assignment_id", p.AssignmentID,
			"request_id", p.Request.ID,
			"error", err,
		)
		return
	}
	a.log.InfoContext(ctx, "assignment reported",
		"assignment_id", p.AssignmentID,
		"request_id", p.Request.ID,
		"outcome", outcome.Kind,
		"reason", outcome.Reason,
	)
}
