package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain"
	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
	"github.com/Strob0t/CrawlFleet/internal/domain/connectivity"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
)

// HeartbeatReport is what an agent states about itself in a heartbeat.
type HeartbeatReport struct {
	AgentID      string
	InFlight     int
	Connectivity connectivity.Report
	Load         agent.Load
}

// RegisterAgent creates the record for identity or refreshes the existing
// one, and returns the agent's dispatch topic. Registering the same identity
// again never creates a second record. When the same id registers from a
// restarted process, the outstanding assignments of the previous process are
// abandoned and rerouted.
func (c *Center) RegisterAgent(ctx context.Context, id agent.Identity) (string, error) {
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("register agent: %w", err)
	}
	now := c.now()
	var fx effects

	c.reqMu.Lock()
	c.regMu.Lock()
	e, exists := c.agents[id.ID]
	restarted := false
	if !exists {
		e = &entry{rec: agent.Record{
			Identity:     id,
			Status:       agent.StatusRegistering,
			Topic:        messagequeue.DispatchSubject(id.ID),
			RegisteredAt: now,
		}}
		c.agents[id.ID] = e
	}
	e.mu.Lock()
	if exists && !e.rec.Identity.SameProcess(id) {
		restarted = true
		e.rec.Identity = id
		e.rec.InFlight = 0
		e.rec.RegisteredAt = now
	}
	before := e.rec.Status
	if err := e.rec.Transition(agent.StatusHealthy); err != nil {
		e.mu.Unlock()
		c.regMu.Unlock()
		c.reqMu.Unlock()
		return "", fmt.Errorf("register agent %s: %w", id.ID, err)
	}
	e.rec.LastHeartbeat = now
	e.rec.Connectivity = connectivity.ReportUp
	topic := e.rec.Topic
	if before != e.rec.Status || restarted {
		detail := "registered"
		if restarted {
			detail = "re-registered after restart"
		} else if exists {
			detail = "re-registered"
		}
		fx.status(&e.rec, detail, now)
	}
	e.mu.Unlock()
	c.regMu.Unlock()

	if restarted {
		for _, a := range c.assignmentsOfLocked(id.ID) {
			c.retireLocked(ctx, a, download.Abandoned("agent restarted"), now, &fx)
			c.rerouteLocked(ctx, a.Request, a.AgentID, "agent restarted", now, &fx)
		}
	}
	c.reqMu.Unlock()

	c.apply(ctx, &fx)
	c.log.InfoContext(ctx, "agent registered",
		"agent_id", id.ID,
		"hostname", id.Hostname,
		"address", id.Address,
		"topic", topic,
		"refresh", exists,
		"restarted", restarted,
	)
	return topic, nil
}

// Heartbeat refreshes an agent's liveness, load and connectivity. Returns
// domain.ErrUnknownAgent when no record exists; the agent must register.
// A connectivity report other than up makes the record Suspect.
func (c *Center) Heartbeat(ctx context.Context, hb HeartbeatReport) error {
	now := c.now()
	var fx effects

	c.regMu.RLock()
	e, ok := c.agents[hb.AgentID]
	if !ok {
		c.regMu.RUnlock()
		return fmt.Errorf("heartbeat %s: %w", hb.AgentID, domain.ErrUnknownAgent)
	}
	e.mu.Lock()
	e.rec.LastHeartbeat = now
	e.rec.InFlight = max(hb.InFlight, 0)
	e.rec.Connectivity = hb.Connectivity
	e.rec.Load = hb.Load

	target := agent.StatusHealthy
	detail := "heartbeat resumed"
	if !hb.Connectivity.Reachable() {
		target = agent.StatusSuspect
		detail = "connectivity " + string(hb.Connectivity)
	}
	if e.rec.Status != target {
		if err := e.rec.Transition(target); err == nil {
			fx.status(&e.rec, detail, now)
		}
	}
	e.mu.Unlock()
	c.regMu.RUnlock()

	c.apply(ctx, &fx)
	return nil
}

// Deregister evicts an agent immediately and reroutes its outstanding
// assignments. Used by draining agents.
func (c *Center) Deregister(ctx context.Context, agentID string) error {
	now := c.now()
	var fx effects

	c.reqMu.Lock()
	ok := c.evictLocked(ctx, agentID, "deregistered", now, &fx)
	c.reqMu.Unlock()
	if !ok {
		return fmt.Errorf("deregister %s: %w", agentID, domain.ErrUnknownAgent)
	}

	c.apply(ctx, &fx)
	c.log.InfoContext(ctx, "agent deregistered", "agent_id", agentID)
	return nil
}

// evictLocked removes the agent record and reroutes its assignments exactly
// once. Caller must hold reqMu.
func (c *Center) evictLocked(ctx context.Context, agentID, reason string, now time.Time, fx *effects) bool {
	c.regMu.Lock()
	e, ok := c.agents[agentID]
	if ok {
		delete(c.agents, agentID)
		e.mu.Lock()
		if err := e.rec.Transition(agent.StatusEvicted); err != nil {
			// Only a record that never became Healthy fails here; purge it anyway.
			e.rec.Status = agent.StatusEvicted
		}
		fx.status(&e.rec, reason, now)
		e.mu.Unlock()
	}
	c.regMu.Unlock()
	if !ok {
		return false
	}

	for _, a := range c.assignmentsOfLocked(agentID) {
		c.retireLocked(ctx, a, download.Abandoned(reason), now, fx)
		c.rerouteLocked(ctx, a.Request, agentID, reason, now, fx)
	}
	return true
}

// adjustInFlight changes the center-side in-flight count of an agent.
func (c *Center) adjustInFlight(agentID string, delta int) {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	e, ok := c.agents[agentID]
	if !ok {
		return
	}
	e.mu.Lock()
	e.rec.InFlight = max(e.rec.InFlight+delta, 0)
	e.mu.Unlock()
}

// Agents returns a copy of every registered record, ordered by id.
func (c *Center) Agents() []agent.Record {
	c.regMu.RLock()
	out := make([]agent.Record, 0, len(c.agents))
	for _, e := range c.agents {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	c.regMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity.ID < out[j].Identity.ID })
	return out
}

// Agent returns a copy of one record.
func (c *Center) Agent(agentID string) (agent.Record, error) {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	e, ok := c.agents[agentID]
	if !ok {
		return agent.Record{}, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

// Snapshot counts registered agents per status.
func (c *Center) Snapshot() map[string]int {
	counts := map[string]int{
		string(agent.StatusHealthy): 0,
		string(agent.StatusSuspect): 0,
	}
	c.regMu.RLock()
	for _, e := range c.agents {
		e.mu.Lock()
		counts[string(e.rec.Status)]++
		e.mu.Unlock()
	}
	c.regMu.RUnlock()
	return counts
}
