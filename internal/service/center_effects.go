package service

import (
	"context"
	"time"

	cfotel "github.com/Strob0t/CrawlFleet/internal/adapter/otel"
	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/broadcast"
	"github.com/Strob0t/CrawlFleet/internal/port/database"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
	"github.com/Strob0t/CrawlFleet/internal/port/statistics"
)

// effects collects the side effects of a state change made under the
// center's locks. They are applied after the locks are released.
type effects struct {
	dispatches []*download.Assignment
	rerouted   []*download.Assignment
	settled    []settlement
	completed  []settlement
	failed     []failure
	statuses   []database.AgentEvent
}

type settlement struct {
	assignment *download.Assignment
	outcome    download.Outcome
	at         time.Time
}

type failure struct {
	request  download.Request
	reason   string
	attempts int
}

func (fx *effects) status(rec *agent.Record, detail string, at time.Time) {
	fx.statuses = append(fx.statuses, database.AgentEvent{
		AgentID:  rec.Identity.ID,
		Hostname: rec.Identity.Hostname,
		Status:   rec.Status,
		Detail:   detail,
		At:       at,
	})
}

// apply performs the collected effects. Failures are logged; the in-memory
// state is already consistent.
func (c *Center) apply(ctx context.Context, fx *effects) {
	for i := range fx.statuses {
		ev := fx.statuses[i]
		if c.store != nil {
			if err := c.store.RecordAgentEvent(ctx, ev); err != nil {
				c.log.WarnContext(ctx, "audit agent event failed", "agent_id", ev.AgentID, "error", err)
			}
		}
		c.broadcast(ctx, broadcast.EventAgentStatus, broadcast.AgentStatusEvent{
			AgentID:  ev.AgentID,
			Hostname: ev.Hostname,
			Status:   string(ev.Status),
			Detail:   ev.Detail,
		})
	}

	for _, s := range fx.settled {
		c.settle(ctx, s)
	}

	for _, s := range fx.completed {
		if err := c.upstream.Completed(ctx, s.assignment, s.outcome); err != nil {
			c.log.WarnContext(ctx, "notify scheduler failed", "request_id", s.assignment.Request.ID, "error", err)
		}
		c.broadcast(ctx, broadcast.EventRequestCompleted, requestEvent(s.assignment, s.outcome))
	}

	for _, f := range fx.failed {
		c.log.WarnContext(ctx, "request failed", "request_id", f.request.ID, "attempts", f.attempts, "reason", f.reason)
		if err := c.upstream.Failed(ctx, f.request, f.reason, f.attempts); err != nil {
			c.log.WarnContext(ctx, "notify scheduler failed", "request_id", f.request.ID, "error", err)
		}
		c.broadcast(ctx, broadcast.EventRequestFailed, broadcast.RequestEvent{
			RequestID: f.request.ID,
			Attempt:   f.attempts,
			Reason:    f.reason,
		})
	}

	for _, a := range fx.dispatches {
		c.dispatch(ctx, a)
	}

	for _, a := range fx.rerouted {
		c.log.InfoContext(ctx, "request rerouted",
			"request_id", a.Request.ID,
			"assignment_id", a.ID,
			"agent_id", a.AgentID,
			"attempt", a.Request.RetryCount,
		)
		c.broadcast(ctx, broadcast.EventRequestRerouted, requestEvent(a, download.Outcome{}))
	}
}

// settle records one finished dispatch attempt in the statistics sink and
// the audit store.
func (c *Center) settle(ctx context.Context, s settlement) {
	ev := statistics.Event{
		AgentID:      s.assignment.AgentID,
		RequestID:    s.assignment.Request.ID,
		AssignmentID: s.assignment.ID,
		Attempt:      s.assignment.Request.RetryCount,
		Outcome:      s.outcome,
		Timestamp:    s.at,
	}
	if err := c.sink.Record(ctx, ev); err != nil {
		c.log.DebugContext(ctx, "statistics record failed", "assignment_id", s.assignment.ID, "error", err)
	}
	if c.store != nil {
		if err := c.store.SettleAssignment(ctx, s.assignment.ID, s.outcome, s.at); err != nil {
			c.log.DebugContext(ctx, "audit settle failed", "assignment_id", s.assignment.ID, "error", err)
		}
	}
}

// dispatch publishes an assignment to its agent. A lost publish is
// recovered by the assignment deadline.
func (c *Center) dispatch(ctx context.Context, a *download.Assignment) {
	ctx, span := cfotel.StartDispatchSpan(ctx, a.Request.ID, a.Request.RetryCount)
	defer span.End()

	if c.store != nil {
		if err := c.store.RecordAssignment(ctx, a); err != nil {
			c.log.DebugContext(ctx, "audit assignment failed", "assignment_id", a.ID, "error", err)
		}
	}
	p := messagequeue.DispatchPayload{
		AssignmentID: a.ID,
		Request:      a.Request,
		Deadline:     a.Deadline,
	}
	if err := c.publishJSON(ctx, a.Topic, p); err != nil {
		span.RecordError(err)
		c.log.WarnContext(ctx, "dispatch publish failed",
			"assignment_id", a.ID,
			"agent_id", a.AgentID,
			"error", err,
		)
		return
	}
	c.log.DebugContext(ctx, "request dispatched",
		"request_id", a.Request.ID,
		"assignment_id", a.ID,
		"agent_id", a.AgentID,
	)
}

func (c *Center) broadcast(ctx context.Context, eventType string, payload any) {
	if c.hub == nil {
		return
	}
	c.hub.BroadcastEvent(ctx, eventType, payload)
}

func requestEvent(a *download.Assignment, o download.Outcome) broadcast.RequestEvent {
	return broadcast.RequestEvent{
		RequestID:    a.Request.ID,
		AgentID:      a.AgentID,
		AssignmentID: a.ID,
		Attempt:      a.Request.RetryCount,
		Outcome:      string(o.Kind),
		Reason:       o.Reason,
	}
}
