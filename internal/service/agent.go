package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/CrawlFleet/internal/config"
	"github.com/Strob0t/CrawlFleet/internal/domain"
	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
	"github.com/Strob0t/CrawlFleet/internal/domain/connectivity"
	"github.com/Strob0t/CrawlFleet/internal/hostinfo"
	"github.com/Strob0t/CrawlFleet/internal/logger"
	"github.com/Strob0t/CrawlFleet/internal/port/downloader"
	"github.com/Strob0t/CrawlFleet/internal/port/locker"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
	"github.com/Strob0t/CrawlFleet/internal/resilience"
)

// AgentState is the lifecycle state of a downloader agent process.
type AgentState string

const (
	AgentStarting     AgentState = "starting"
	AgentRegistering  AgentState = "registering"
	AgentRunning      AgentState = "running"
	AgentDisconnected AgentState = "disconnected"
	AgentDraining     AgentState = "draining"
	AgentStopped      AgentState = "stopped"
)

var agentTransitions = map[AgentState][]AgentState{
	AgentStarting:     {AgentRegistering, AgentDraining},
	AgentRegistering:  {AgentRunning, AgentDisconnected, AgentDraining},
	AgentRunning:      {AgentDisconnected, AgentRegistering, AgentDraining},
	AgentDisconnected: {AgentRunning, AgentRegistering, AgentDraining},
	AgentDraining:     {AgentStopped},
}

// canTransitionAgent reports whether the agent lifecycle allows from -> to.
func canTransitionAgent(from, to AgentState) bool {
	for _, s := range agentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var errRegisterTimeout = errors.New("registration not acknowledged")

// AgentDeps are the collaborators of a downloader agent. Sampler, Monitor
// and Redial are optional: without a monitor the agent never disconnects,
// without a redialer a Down state is reported as persistent.
type AgentDeps struct {
	Queue      messagequeue.Queue
	Locker     locker.Locker
	Downloader downloader.Downloader
	Sampler    hostinfo.Sampler
	Monitor    *ConnectivityMonitor
	Redial     *Redial
	Logger     *slog.Logger
}

// Agent is the downloader agent runtime.
type Agent struct {
	cfg        config.Agent
	id         agent.Identity
	queue      messagequeue.Queue
	locker     locker.Locker
	downloader downloader.Downloader
	sampler    hostinfo.Sampler
	monitor    *ConnectivityMonitor
	redial     *Redial
	log        *slog.Logger

	sem        *semaphore.Weighted
	acks       *syncWaiter[messagequeue.RegisteredPayload]
	reregister chan struct{}
	now        func() time.Time

	mu     sync.Mutex
	state  AgentState
	topic  string
	conn   connectivity.Report

	inFlight atomic.Int64
	tasks    sync.WaitGroup

	// workCtx outlives the Run context so in-flight work can finish while
	// draining; it is cancelled when the drain timeout expires.
	workCtx    context.Context
	cancelWork context.CancelFunc
}

// NewAgent creates an agent for the given identity.
func NewAgent(cfg config.Agent, id agent.Identity, deps AgentDeps) (*Agent, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	if deps.Queue == nil || deps.Locker == nil || deps.Downloader == nil {
		return nil, fmt.Errorf("agent: queue, locker and downloader are required: %w", domain.ErrInvalidInput)
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	workCtx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:        cfg,
		id:         id,
		queue:      deps.Queue,
		locker:     deps.Locker,
		downloader: deps.Downloader,
		sampler:    deps.Sampler,
		monitor:    deps.Monitor,
		redial:     deps.Redial,
		log:        log.With("component", "agent", "agent_id", id.ID),
		sem:        semaphore.NewWeighted(int64(max(cfg.MaxConcurrency, 1))),
		acks:       newSyncWaiter[messagequeue.RegisteredPayload]("registration ack"),
		reregister: make(chan struct{}, 1),
		now:        time.Now,
		state:      AgentStarting,
		conn:       connectivity.ReportUp,
		workCtx:    workCtx,
		cancelWork: cancel,
	}, nil
}

// Identity returns the agent's identity.
func (a *Agent) Identity() agent.Identity { return a.id }

// State returns the current lifecycle state.
func (a *Agent) State() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Topic returns the dispatch topic assigned by the center, once registered.
func (a *Agent) Topic() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.topic
}

// Connectivity returns the report carried in heartbeats.
func (a *Agent) Connectivity() connectivity.Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

// InFlight returns the number of accepted dispatches not yet reported.
func (a *Agent) InFlight() int {
	return int(a.inFlight.Load())
}

func (a *Agent) setState(to AgentState) bool {
	return a.transition("", to)
}

// setStateFrom transitions only when the agent is currently in from.
func (a *Agent) setStateFrom(from, to AgentState) bool {
	return a.transition(from, to)
}

func (a *Agent) transition(from, to AgentState) bool {
	a.mu.Lock()
	cur := a.state
	if (from != "" && cur != from) || cur == to || !canTransitionAgent(cur, to) {
		a.mu.Unlock()
		return false
	}
	a.state = to
	a.mu.Unlock()
	a.log.Info("agent state changed", "from", cur, "to", to)
	return true
}

func (a *Agent) setReport(r connectivity.Report) {
	a.mu.Lock()
	a.conn = r
	a.mu.Unlock()
}

// Run executes the agent lifecycle until ctx is done, then drains and
// deregisters. It returns an error only when the agent cannot start.
func (a *Agent) Run(ctx context.Context) error {
	ctx = logger.WithAgentID(ctx, a.id.ID)
	defer a.cancelWork()

	cancels, err := a.subscribeControl(ctx)
	if err != nil {
		return err
	}
	defer func() { cancelAll(cancels) }()

	a.setState(AgentRegistering)
	topic, err := a.register(ctx)
	if err != nil {
		// Only cancellation ends the registration loop.
		a.setState(AgentDraining)
		a.setState(AgentStopped)
		return nil
	}

	// A reregister request raced with the first registration; it is answered.
	select {
	case <-a.reregister:
	default:
	}

	if topic != messagequeue.DispatchSubject(a.id.ID) {
		cancel, err := a.queue.Subscribe(ctx, topic, a.handleDispatch)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		cancels = append(cancels, cancel)
	}
	a.resume()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		a.reregisterLoop(gctx)
		return nil
	})
	if a.monitor != nil {
		g.Go(func() error {
			a.monitor.Run(gctx, a.onConnectivity)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.log.ErrorContext(ctx, "agent loop failed", "error", err)
	}

	a.drain(ctx)
	return nil
}

// subscribeControl opens the dispatch, registration ack and control
// subscriptions. The dispatch topic is consumed before the first register
// so no assignment routed right after the ack is missed.
func (a *Agent) subscribeControl(ctx context.Context) ([]func(), error) {
	var cancels []func()
	topic := messagequeue.DispatchSubject(a.id.ID)
	cancel, err := a.queue.Subscribe(ctx, topic, a.handleDispatch)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	cancels = append(cancels, cancel)

	cancel, err = a.queue.Subscribe(ctx, messagequeue.RegisteredSubject(a.id.ID), func(_ context.Context, _ string, data []byte) error {
		var p messagequeue.RegisteredPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal registration ack: %w", err)
		}
		if p.AgentID == a.id.ID {
			a.acks.deliver(p.AgentID, &p)
		}
		return nil
	})
	if err != nil {
		cancelAll(cancels)
		return nil, fmt.Errorf("subscribe registration ack: %w", err)
	}
	cancels = append(cancels, cancel)

	cancel, err = a.queue.Subscribe(ctx, messagequeue.ControlSubject(a.id.ID), func(msgCtx context.Context, _ string, data []byte) error {
		var p messagequeue.ControlPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal control: %w", err)
		}
		switch p.Command {
		case messagequeue.CommandReregister:
			select {
			case a.reregister <- struct{}{}:
			default:
			}
		default:
			a.log.WarnContext(msgCtx, "unknown control command", "command", p.Command)
		}
		return nil
	})
	if err != nil {
		cancelAll(cancels)
		return nil, fmt.Errorf("subscribe control: %w", err)
	}
	return append(cancels, cancel), nil
}

// register announces the agent until the center acknowledges it, backing
// off between attempts. It gives up only when ctx is done.
func (a *Agent) register(ctx context.Context) (string, error) {
	b := resilience.Backoff{Base: a.cfg.RegisterBackoffBase, Max: a.cfg.RegisterBackoffMax, Jitter: 0.2}
	var topic string
	err := resilience.Retry(ctx, 0, b, func(ctx context.Context, attempt int) error {
		ch := a.acks.register(a.id.ID)
		defer a.acks.unregister(a.id.ID)

		p := messagequeue.RegisterPayload{Identity: a.id, Timestamp: a.now()}
		if err := a.publishJSON(ctx, messagequeue.SubjectRegister, p); err != nil {
			a.log.WarnContext(ctx, "register publish failed", "attempt", attempt+1, "error", err)
			return err
		}

		t := time.NewTimer(a.cfg.RegisterTimeout)
		defer t.Stop()
		select {
		case ack := <-ch:
			topic = ack.Topic
			return nil
		case <-t.C:
			a.log.WarnContext(ctx, "registration not acknowledged", "attempt", attempt+1, "timeout", a.cfg.RegisterTimeout)
			return errRegisterTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.topic = topic
	a.mu.Unlock()
	a.log.InfoContext(ctx, "registered with center", "topic", topic)
	return topic, nil
}

// reregisterLoop re-enters Registering whenever the center asks for it.
func (a *Agent) reregisterLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.reregister:
			if !a.setState(AgentRegistering) {
				continue
			}
			if _, err := a.register(ctx); err != nil {
				return
			}
			a.resume()
		}
	}
}

// resume leaves Registering for Running, or for Disconnected when the
// detector currently reports the network as down.
func (a *Agent) resume() {
	if a.monitor != nil && a.monitor.State() != connectivity.StateUp {
		a.setState(AgentDisconnected)
		return
	}
	a.setState(AgentRunning)
}

// heartbeatLoop publishes liveness on a fixed interval, independent of
// downloads. Publish failures are expected while disconnected.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				a.log.DebugContext(ctx, "heartbeat publish failed", "error", err)
			}
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	p := messagequeue.HeartbeatPayload{
		AgentID:      a.id.ID,
		InFlight:     a.InFlight(),
		Connectivity: a.Connectivity(),
		Timestamp:    a.now(),
	}
	if a.sampler != nil {
		load := a.sampler.Sample(ctx)
		p.CPUPercent = load.CPUPercent
		p.MemoryPercent = load.MemoryPercent
	}
	return a.publishJSON(ctx, messagequeue.SubjectHeartbeat, p)
}

func (a *Agent) publishJSON(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return a.queue.Publish(ctx, subject, data)
}
