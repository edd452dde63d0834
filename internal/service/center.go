package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/CrawlFleet/internal/config"
	"github.com/Strob0t/CrawlFleet/internal/domain"
	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/broadcast"
	"github.com/Strob0t/CrawlFleet/internal/port/cache"
	"github.com/Strob0t/CrawlFleet/internal/port/database"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
	"github.com/Strob0t/CrawlFleet/internal/port/statistics"
	"github.com/Strob0t/CrawlFleet/internal/port/upstream"
)

// CenterDeps are the collaborators of the register center. Store and Hub
// are optional.
type CenterDeps struct {
	Queue    messagequeue.Queue
	Sink     statistics.Sink
	Upstream upstream.Notifier
	Cache    cache.Cache
	Store    database.Store
	Hub      broadcast.Broadcaster
	Logger   *slog.Logger

	// CompletionTTL bounds how long retired assignments and completed
	// requests are remembered for stale-result detection.
	CompletionTTL time.Duration
}

// Center is the agent register center. It owns the agent registry and the
// table of live dispatch assignments.
//
// Lock order: reqMu, then regMu, then a record's mutex.
type Center struct {
	cfg      config.Center
	selector Selector
	queue    messagequeue.Queue
	sink     statistics.Sink
	upstream upstream.Notifier
	cache    cache.Cache
	store    database.Store
	hub      broadcast.Broadcaster
	log      *slog.Logger
	ttl      time.Duration

	now   func() time.Time
	newID func() string

	regMu  sync.RWMutex
	agents map[string]*entry

	reqMu       sync.Mutex
	assignments map[string]*download.Assignment // live, by assignment id
	byRequest   map[string]string               // request id -> live assignment id
}

// entry guards one agent record.
type entry struct {
	mu  sync.Mutex
	rec agent.Record
}

// NewCenter creates a register center.
func NewCenter(cfg config.Center, deps CenterDeps) (*Center, error) {
	if deps.Queue == nil || deps.Sink == nil || deps.Upstream == nil || deps.Cache == nil {
		return nil, errors.New("center: queue, sink, upstream and cache are required")
	}
	sel, err := NewSelector(cfg.Selector)
	if err != nil {
		return nil, fmt.Errorf("center: %w", err)
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := deps.CompletionTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Center{
		cfg:         cfg,
		selector:    sel,
		queue:       deps.Queue,
		sink:        deps.Sink,
		upstream:    deps.Upstream,
		cache:       deps.Cache,
		store:       deps.Store,
		hub:         deps.Hub,
		log:         log.With("component", "center"),
		ttl:         ttl,
		now:         time.Now,
		newID:       uuid.NewString,
		agents:      make(map[string]*entry),
		assignments: make(map[string]*download.Assignment),
		byRequest:   make(map[string]string),
	}, nil
}

// Selector returns the routing policy in use.
func (c *Center) Selector() string {
	return c.selector.Name()
}

// Run subscribes to the center subjects and runs the eviction sweep until
// ctx is done.
func (c *Center) Run(ctx context.Context) error {
	cancels, err := c.StartSubscribers(ctx)
	if err != nil {
		return err
	}
	defer cancelAll(cancels)

	c.log.Info("register center started",
		"selector", c.selector.Name(),
		"heartbeat_timeout", c.cfg.HeartbeatTimeout,
		"sweep_interval", c.cfg.SweepInterval,
	)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("register center stopped")
			return nil
		case <-ticker.C:
			c.Sweep(ctx, c.now())
		}
	}
}

// StartSubscribers subscribes to all agent and scheduler subjects.
// Returns cancel functions for each subscription.
func (c *Center) StartSubscribers(ctx context.Context) ([]func(), error) {
	handlers := []struct {
		subject string
		handler messagequeue.Handler
	}{
		{messagequeue.SubjectRegister, c.handleRegister},
		{messagequeue.SubjectHeartbeat, c.handleHeartbeat},
		{messagequeue.SubjectResult, c.handleResult},
		{messagequeue.SubjectDeregister, c.handleDeregister},
		{messagequeue.SubjectSubmit, c.handleSubmit},
	}

	var cancels []func()
	for _, h := range handlers {
		cancel, err := c.queue.Subscribe(ctx, h.subject, h.handler)
		if err != nil {
			cancelAll(cancels)
			return nil, fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		cancels = append(cancels, cancel)
	}
	return cancels, nil
}

func (c *Center) handleRegister(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.RegisterPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal register: %w", err)
	}
	topic, err := c.RegisterAgent(ctx, p.Identity)
	if err != nil {
		c.log.WarnContext(ctx, "registration rejected", "agent_id", p.Identity.ID, "error", err)
		return nil
	}
	ack := messagequeue.RegisteredPayload{AgentID: p.Identity.ID, Topic: topic}
	if err := c.publishJSON(ctx, messagequeue.RegisteredSubject(p.Identity.ID), ack); err != nil {
		// The agent retries registration; redelivery would do the same.
		return fmt.Errorf("publish registration ack: %w", err)
	}
	return nil
}

func (c *Center) handleHeartbeat(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.HeartbeatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal heartbeat: %w", err)
	}
	err := c.Heartbeat(ctx, HeartbeatReport{
		AgentID:      p.AgentID,
		InFlight:     p.InFlight,
		Connectivity: p.Connectivity,
		Load:         agent.Load{CPUPercent: p.CPUPercent, MemoryPercent: p.MemoryPercent},
	})
	if errors.Is(err, domain.ErrUnknownAgent) {
		c.log.InfoContext(ctx, "heartbeat from unknown agent, requesting re-registration", "agent_id", p.AgentID)
		ctrl := messagequeue.ControlPayload{AgentID: p.AgentID, Command: messagequeue.CommandReregister}
		if err := c.publishJSON(ctx, messagequeue.ControlSubject(p.AgentID), ctrl); err != nil {
			c.log.WarnContext(ctx, "publish reregister failed", "agent_id", p.AgentID, "error", err)
		}
		return nil
	}
	if err != nil {
		c.log.WarnContext(ctx, "heartbeat rejected", "agent_id", p.AgentID, "error", err)
	}
	return nil
}

func (c *Center) handleResult(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.ResultPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	if err := c.ReportResult(ctx, p.AssignmentID, p.Outcome); err != nil {
		c.log.InfoContext(ctx, "result discarded",
			"assignment_id", p.AssignmentID,
			"request_id", p.RequestID,
			"agent_id", p.AgentID,
			"error", err,
		)
	}
	return nil
}

func (c *Center) handleDeregister(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.DeregisterPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal deregister: %w", err)
	}
	if err := c.Deregister(ctx, p.AgentID); err != nil {
		c.log.InfoContext(ctx, "deregister ignored", "agent_id", p.AgentID, "error", err)
	}
	return nil
}

func (c *Center) handleSubmit(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.SubmitPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal submit: %w", err)
	}
	_, err := c.SubmitRequest(ctx, p.Request)
	switch {
	case err == nil, errors.Is(err, domain.ErrRequestInFlight):
		// Redelivered submissions are already routed.
		return nil
	case errors.Is(err, domain.ErrNoHealthyAgent):
		c.log.WarnContext(ctx, "request rejected", "request_id", p.Request.ID, "error", err)
		if nerr := c.upstream.Failed(ctx, p.Request, err.Error(), 0); nerr != nil {
			c.log.WarnContext(ctx, "notify scheduler failed", "request_id", p.Request.ID, "error", nerr)
		}
		return nil
	default:
		c.log.WarnContext(ctx, "request rejected", "request_id", p.Request.ID, "error", err)
		return nil
	}
}

func (c *Center) publishJSON(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.queue.Publish(ctx, subject, data)
}

// cancelAll calls every cancel function.
func cancelAll(cancels []func()) {
	for _, cancel := range cancels {
		cancel()
	}
}
