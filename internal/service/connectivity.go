package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cfotel "github.com/Strob0t/CrawlFleet/internal/adapter/otel"
	"github.com/Strob0t/CrawlFleet/internal/config"
	"github.com/Strob0t/CrawlFleet/internal/domain/connectivity"
	"github.com/Strob0t/CrawlFleet/internal/port/network"
	"github.com/Strob0t/CrawlFleet/internal/resilience"
)

// errStillDown is returned by a redial attempt whose follow-up probe failed.
var errStillDown = errors.New("network still unreachable after redial")

// ConnectivityMonitor is the internet detector. It polls the probers on a
// fixed interval and debounces the results: Down after down_after
// consecutive failed rounds, Up after up_after consecutive successful ones.
// A round succeeds when any prober answers.
type ConnectivityMonitor struct {
	probers   []network.Prober
	interval  time.Duration
	timeout   time.Duration
	downAfter int
	upAfter   int
	log       *slog.Logger

	mu        sync.Mutex
	state     connectivity.State
	failures  int
	successes int
}

// NewConnectivityMonitor creates a monitor that starts in the Up state.
func NewConnectivityMonitor(cfg config.Detector, probers []network.Prober, log *slog.Logger) *ConnectivityMonitor {
	if log == nil {
		log = slog.Default()
	}
	return &ConnectivityMonitor{
		probers:   probers,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		downAfter: max(cfg.DownAfter, 1),
		upAfter:   max(cfg.UpAfter, 1),
		log:       log.With("component", "detector"),
		state:     connectivity.StateUp,
	}
}

// State returns the current debounced state.
func (m *ConnectivityMonitor) State() connectivity.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Check runs one probe round.
func (m *ConnectivityMonitor) Check(ctx context.Context) bool {
	for _, p := range m.probers {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := p.Probe(pctx)
		cancel()
		if err == nil {
			return true
		}
		m.log.DebugContext(ctx, "probe failed", "target", p.Target(), "error", err)
	}
	return false
}

// Observe feeds one probe round result into the debounce counters and
// reports the resulting state transition, if any.
func (m *ConnectivityMonitor) Observe(ok bool) (connectivity.Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if ok {
		m.failures = 0
		m.successes++
		if from != connectivity.StateUp && m.successes >= m.upAfter {
			m.state = connectivity.StateUp
			m.successes = 0
			return connectivity.Transition{From: from, To: connectivity.StateUp}, true
		}
		return connectivity.Transition{}, false
	}

	m.successes = 0
	m.failures++
	if from == connectivity.StateUp && m.failures >= m.downAfter {
		m.state = connectivity.StateDown
		m.failures = 0
		return connectivity.Transition{From: from, To: connectivity.StateDown}, true
	}
	return connectivity.Transition{}, false
}

// set forces a state and clears the counters. Used by the redial cycle.
func (m *ConnectivityMonitor) set(s connectivity.State) connectivity.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	m.state = s
	m.failures = 0
	m.successes = 0
	return from
}

// Run polls until ctx is done, calling onChange for every transition.
// onChange runs on the polling goroutine; polling pauses while it runs.
func (m *ConnectivityMonitor) Run(ctx context.Context, onChange func(context.Context, connectivity.Transition)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if tr, changed := m.Observe(m.Check(ctx)); changed {
				m.log.InfoContext(ctx, "connectivity changed", "from", tr.From, "to", tr.To)
				onChange(ctx, tr)
			}
		}
	}
}

// Redial drives a redialer to recover from a Down state: up to max_attempts
// redial attempts with backoff, each confirmed by a probe round.
type Redial struct {
	redialer network.Redialer
	monitor  *ConnectivityMonitor
	attempts int
	backoff  resilience.Backoff
	log      *slog.Logger
}

// NewRedial creates a redial cycle for the monitor's host.
func NewRedial(cfg config.Redialer, r network.Redialer, monitor *ConnectivityMonitor, log *slog.Logger) *Redial {
	if log == nil {
		log = slog.Default()
	}
	return &Redial{
		redialer: r,
		monitor:  monitor,
		attempts: max(cfg.MaxAttempts, 1),
		backoff:  resilience.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Jitter: 0.2},
		log:      log.With("component", "redialer"),
	}
}

// Run performs one recovery cycle. It returns an Up transition on success
// and a persistent Down transition once the attempt budget is spent or the
// host cannot redial.
func (r *Redial) Run(ctx context.Context) connectivity.Transition {
	ctx, span := cfotel.StartRedialSpan(ctx)
	defer span.End()

	r.monitor.set(connectivity.StateRecovering)
	err := resilience.Retry(ctx, r.attempts, r.backoff, func(ctx context.Context, attempt int) error {
		if err := r.redialer.Redial(ctx); err != nil {
			if errors.Is(err, network.ErrRedialUnsupported) {
				return resilience.Permanent(err)
			}
			r.log.WarnContext(ctx, "redial attempt failed", "attempt", attempt+1, "error", err)
			return err
		}
		if !r.monitor.Check(ctx) {
			r.log.WarnContext(ctx, "redial attempt did not restore connectivity", "attempt", attempt+1)
			return errStillDown
		}
		return nil
	})
	if err == nil {
		r.monitor.set(connectivity.StateUp)
		r.log.InfoContext(ctx, "connectivity restored by redial")
		return connectivity.Transition{From: connectivity.StateRecovering, To: connectivity.StateUp}
	}

	span.RecordError(err)
	r.monitor.set(connectivity.StateDown)
	r.log.ErrorContext(ctx, "redial exhausted", "attempts", r.attempts, "error", err)
	return connectivity.Transition{From: connectivity.StateRecovering, To: connectivity.StateDown, Persistent: true}
}
