package service

import (
	"context"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
)

// Sweep applies heartbeat ages and assignment deadlines as of now: agents
// silent for longer than suspect_after become Suspect, agents silent for
// longer than heartbeat_timeout are evicted and their assignments rerouted,
// and assignments past their deadline are abandoned and rerouted.
func (c *Center) Sweep(ctx context.Context, now time.Time) {
	var fx effects

	c.reqMu.Lock()
	var evict []string
	c.regMu.RLock()
	for id, e := range c.agents {
		e.mu.Lock()
		age := now.Sub(e.rec.LastHeartbeat)
		switch {
		case age > c.cfg.HeartbeatTimeout:
			evict = append(evict, id)
		case age > c.cfg.SuspectAfter && e.rec.Status == agent.StatusHealthy:
			if err := e.rec.Transition(agent.StatusSuspect); err == nil {
				fx.status(&e.rec, "heartbeat overdue", now)
			}
		}
		e.mu.Unlock()
	}
	c.regMu.RUnlock()

	for _, id := range evict {
		c.evictLocked(ctx, id, "heartbeat timeout", now, &fx)
	}

	var expired []*download.Assignment
	for _, a := range c.assignments {
		if a.Expired(now) {
			expired = append(expired, a)
		}
	}
	sortAssignments(expired)
	for _, a := range expired {
		// A reroute earlier in this sweep may already have replaced it.
		if _, live := c.assignments[a.ID]; !live {
			continue
		}
		c.retireLocked(ctx, a, download.Abandoned("deadline exceeded"), now, &fx)
		c.rerouteLocked(ctx, a.Request, a.AgentID, "deadline exceeded", now, &fx)
	}
	c.reqMu.Unlock()

	for _, id := range evict {
		c.log.WarnContext(ctx, "agent evicted", "agent_id", id, "reason", "heartbeat timeout")
	}
	c.apply(ctx, &fx)
}
