package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain"
	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
)

// SubmitRequest routes a request to a Healthy agent and publishes the
// assignment. Returns domain.ErrNoHealthyAgent when no agent can take it and
// domain.ErrRequestInFlight when the request id already has a live
// assignment.
func (c *Center) SubmitRequest(ctx context.Context, req download.Request) (*download.Assignment, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("submit request: %w", err)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = c.now()
	}
	now := c.now()

	c.reqMu.Lock()
	if id, live := c.byRequest[req.ID]; live {
		c.reqMu.Unlock()
		return nil, fmt.Errorf("submit request %s (assignment %s): %w", req.ID, id, domain.ErrRequestInFlight)
	}
	// A resubmitted id is new work; forget an earlier completion.
	c.forgetDone(ctx, req.ID)
	a, err := c.assignLocked(req, "", now)
	c.reqMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("submit request %s: %w", req.ID, err)
	}

	c.apply(ctx, &effects{dispatches: []*download.Assignment{a}})
	cp := *a
	return &cp, nil
}

// assignLocked selects an agent and records a live assignment. exclude names
// an agent to avoid when any other Healthy agent exists. Caller must hold
// reqMu.
func (c *Center) assignLocked(req download.Request, exclude string, now time.Time) (*download.Assignment, error) {
	c.regMu.RLock()
	defer c.regMu.RUnlock()

	candidates := make([]agent.Record, 0, len(c.agents))
	for _, e := range c.agents {
		e.mu.Lock()
		if e.rec.Routable() {
			candidates = append(candidates, e.rec)
		}
		e.mu.Unlock()
	}
	if exclude != "" && len(candidates) > 1 {
		filtered := candidates[:0]
		for _, r := range candidates {
			if r.Identity.ID != exclude {
				filtered = append(filtered, r)
			}
		}
		candidates = filtered
	}

	for len(candidates) > 0 {
		chosen, ok := c.selector.Select(candidates)
		if !ok {
			break
		}
		e := c.agents[chosen.Identity.ID]
		e.mu.Lock()
		if !e.rec.Routable() {
			// Lost a race with a heartbeat; try the others.
			e.mu.Unlock()
			candidates = without(candidates, chosen.Identity.ID)
			continue
		}
		e.rec.InFlight++
		e.rec.LastAssigned = now
		topic := e.rec.Topic
		e.mu.Unlock()

		a := &download.Assignment{
			ID:         c.newID(),
			Request:    req,
			AgentID:    chosen.Identity.ID,
			Topic:      topic,
			AssignedAt: now,
			Deadline:   now.Add(c.cfg.AssignmentTimeout),
		}
		c.assignments[a.ID] = a
		c.byRequest[req.ID] = a.ID
		return a, nil
	}
	return nil, domain.ErrNoHealthyAgent
}

// rerouteLocked dispatches the next attempt of req to another agent, or
// fails it upstream when retries are exhausted or no agent is available.
// Caller must hold reqMu and must have retired the previous assignment.
func (c *Center) rerouteLocked(ctx context.Context, req download.Request, exclude, reason string, now time.Time, fx *effects) {
	next := req.Retry()
	if next.RetryCount > c.cfg.MaxRetries {
		c.failLocked(ctx, req, fmt.Sprintf("retries exhausted: %s", reason), next.RetryCount, fx)
		return
	}
	a, err := c.assignLocked(next, exclude, now)
	if err != nil {
		c.failLocked(ctx, req, fmt.Sprintf("%s: %v", reason, err), next.RetryCount, fx)
		return
	}
	fx.dispatches = append(fx.dispatches, a)
	fx.rerouted = append(fx.rerouted, a)
}

// failLocked gives up on a request. Caller must hold reqMu.
func (c *Center) failLocked(ctx context.Context, req download.Request, reason string, attempts int, fx *effects) {
	c.markDone(ctx, req.ID)
	fx.failed = append(fx.failed, failure{request: req, reason: reason, attempts: attempts})
}

// assignmentsOfLocked returns the live assignments of one agent, oldest
// first. Caller must hold reqMu.
func (c *Center) assignmentsOfLocked(agentID string) []*download.Assignment {
	var out []*download.Assignment
	for _, a := range c.assignments {
		if a.AgentID == agentID {
			out = append(out, a)
		}
	}
	sortAssignments(out)
	return out
}

// Assignments returns copies of every live assignment, oldest first.
func (c *Center) Assignments() []download.Assignment {
	c.reqMu.Lock()
	live := make([]*download.Assignment, 0, len(c.assignments))
	for _, a := range c.assignments {
		live = append(live, a)
	}
	c.reqMu.Unlock()

	sortAssignments(live)
	out := make([]download.Assignment, len(live))
	for i, a := range live {
		out[i] = *a
	}
	return out
}

func sortAssignments(as []*download.Assignment) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].AssignedAt.Equal(as[j].AssignedAt) {
			return as[i].AssignedAt.Before(as[j].AssignedAt)
		}
		return as[i].ID < as[j].ID
	})
}

func without(records []agent.Record, id string) []agent.Record {
	out := make([]agent.Record, 0, len(records))
	for _, r := range records {
		if r.Identity.ID != id {
			out = append(out, r)
		}
	}
	return out
}
