package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
)

const (
	retiredPrefix = "retired:"
	donePrefix    = "done:"
)

// retiredAssignment is what the completion cache remembers about an
// assignment that is no longer live.
type retiredAssignment struct {
	AgentID string           `json:"agent_id"`
	Request download.Request `json:"request"`
}

// ReportResult settles an assignment. Success completes the request; Failure
// and Abandoned reroute it to another agent while retries remain. Results
// for unknown assignments return domain.ErrUnknownAssignment and duplicates
// or late results for retired assignments return domain.ErrStaleResult. A
// late Success still completes the request when it is open, cancelling the
// reroute in flight.
func (c *Center) ReportResult(ctx context.Context, assignmentID string, outcome download.Outcome) error {
	if !outcome.Valid() {
		return fmt.Errorf("report result %s: %w: outcome %q", assignmentID, domain.ErrInvalidInput, outcome.Kind)
	}
	now := c.now()
	var fx effects

	c.reqMu.Lock()
	a, live := c.assignments[assignmentID]
	if !live {
		err := c.lateResultLocked(ctx, assignmentID, outcome, now, &fx)
		c.reqMu.Unlock()
		if err != nil {
			return err
		}
		c.apply(ctx, &fx)
		return nil
	}

	c.retireLocked(ctx, a, outcome, now, &fx)
	if outcome.Kind == download.OutcomeSuccess {
		c.markDone(ctx, a.Request.ID)
		fx.completed = append(fx.completed, settlement{assignment: a, outcome: outcome, at: now})
	} else {
		reason := string(outcome.Kind)
		if outcome.Reason != "" {
			reason += ": " + outcome.Reason
		}
		c.rerouteLocked(ctx, a.Request, a.AgentID, reason, now, &fx)
	}
	c.reqMu.Unlock()

	c.apply(ctx, &fx)
	return nil
}

// lateResultLocked handles a result whose assignment is no longer live.
// Caller must hold reqMu.
func (c *Center) lateResultLocked(ctx context.Context, assignmentID string, outcome download.Outcome, now time.Time, fx *effects) error {
	info, ok := c.retired(ctx, assignmentID)
	if !ok {
		return fmt.Errorf("result for %s: %w", assignmentID, domain.ErrUnknownAssignment)
	}
	requestID := info.Request.ID
	if outcome.Kind != download.OutcomeSuccess || c.isDone(ctx, requestID) {
		return fmt.Errorf("result for %s (request %s): %w", assignmentID, requestID, domain.ErrStaleResult)
	}

	// The request is still open: the late success wins over its reroute.
	if liveID, ok := c.byRequest[requestID]; ok {
		c.retireLocked(ctx, c.assignments[liveID], download.Abandoned("superseded by late result"), now, fx)
	}

	late := &download.Assignment{
		ID:      assignmentID,
		Request: info.Request,
		AgentID: info.AgentID,
	}
	c.markDone(ctx, requestID)
	fx.completed = append(fx.completed, settlement{assignment: late, outcome: outcome, at: now})
	fx.settled = append(fx.settled, settlement{assignment: late, outcome: outcome, at: now})
	c.log.InfoContext(ctx, "late result completed request",
		"assignment_id", assignmentID,
		"request_id", requestID,
		"agent_id", info.AgentID,
	)
	return nil
}

// retireLocked removes a live assignment, remembers it for stale detection
// and queues its settlement. Caller must hold reqMu.
func (c *Center) retireLocked(ctx context.Context, a *download.Assignment, outcome download.Outcome, now time.Time, fx *effects) {
	delete(c.assignments, a.ID)
	if c.byRequest[a.Request.ID] == a.ID {
		delete(c.byRequest, a.Request.ID)
	}
	c.adjustInFlight(a.AgentID, -1)

	info := retiredAssignment{AgentID: a.AgentID, Request: a.Request}
	if data, err := json.Marshal(info); err == nil {
		if err := c.cache.Set(ctx, retiredPrefix+a.ID, data, c.ttl); err != nil {
			c.log.WarnContext(ctx, "completion cache write failed", "assignment_id", a.ID, "error", err)
		}
	}
	fx.settled = append(fx.settled, settlement{assignment: a, outcome: outcome, at: now})
}

func (c *Center) retired(ctx context.Context, assignmentID string) (retiredAssignment, bool) {
	var info retiredAssignment
	data, ok, err := c.cache.Get(ctx, retiredPrefix+assignmentID)
	if err != nil || !ok {
		return info, false
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, false
	}
	return info, true
}

func (c *Center) markDone(ctx context.Context, requestID string) {
	if err := c.cache.Set(ctx, donePrefix+requestID, []byte{1}, c.ttl); err != nil {
		c.log.WarnContext(ctx, "completion cache write failed", "request_id", requestID, "error", err)
	}
}

func (c *Center) isDone(ctx context.Context, requestID string) bool {
	_, ok, err := c.cache.Get(ctx, donePrefix+requestID)
	return err == nil && ok
}

func (c *Center) forgetDone(ctx context.Context, requestID string) {
	if err := c.cache.Delete(ctx, donePrefix+requestID); err != nil {
		c.log.DebugContext(ctx, "completion cache delete failed", "request_id", requestID, "error", err)
	}
}
