package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/config"
	"github.com/Strob0t/CrawlFleet/internal/domain"
	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
	"github.com/Strob0t/CrawlFleet/internal/domain/connectivity"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/broadcast"
	"github.com/Strob0t/CrawlFleet/internal/port/cache"
	"github.com/Strob0t/CrawlFleet/internal/port/database"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
	"github.com/Strob0t/CrawlFleet/internal/port/statistics"
	"github.com/Strob0t/CrawlFleet/internal/port/upstream"
)

// Ensure mock types implement their interfaces at compile time.
var (
	_ messagequeue.Queue    = (*recordingQueue)(nil)
	_ upstream.Notifier     = (*fakeUpstream)(nil)
	_ statistics.Sink       = (*fakeSink)(nil)
	_ cache.Cache           = (*mapCache)(nil)
	_ database.Store        = (*fakeStore)(nil)
	_ broadcast.Broadcaster = (*fakeHub)(nil)
)

type published struct {
	subject string
	data    []byte
}

// recordingQueue keeps every published message and calls subscribed
// handlers synchronously.
type recordingQueue struct {
	mu         sync.Mutex
	msgs       []published
	handlers   map[string][]messagequeue.Handler
	publishErr error
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{handlers: make(map[string][]messagequeue.Handler)}
}

func (q *recordingQueue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}
	q.mu.Lock()
	if q.publishErr != nil {
		err := q.publishErr
		q.mu.Unlock()
		return err
	}
	q.msgs = append(q.msgs, published{subject: subject, data: append([]byte(nil), data...)})
	var hs []messagequeue.Handler
	for pattern, list := range q.handlers {
		if messagequeue.Match(pattern, subject) {
			hs = append(hs, list...)
		}
	}
	q.mu.Unlock()

	for _, h := range hs {
		_ = h(ctx, subject, data)
	}
	return nil
}

func (q *recordingQueue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	q.handlers[subject] = append(q.handlers[subject], handler)
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.handlers, subject)
		q.mu.Unlock()
	}, nil
}

func (q *recordingQueue) Drain() error      { return nil }
func (q *recordingQueue) Close() error      { return nil }
func (q *recordingQueue) IsConnected() bool { return true }

func (q *recordingQueue) on(subject string) []published {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []published
	for _, m := range q.msgs {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func (q *recordingQueue) dispatches(agentID string) []messagequeue.DispatchPayload {
	var out []messagequeue.DispatchPayload
	for _, m := range q.on(messagequeue.DispatchSubject(agentID)) {
		var p messagequeue.DispatchPayload
		if err := json.Unmarshal(m.data, &p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

type failedCall struct {
	requestID string
	reason    string
	attempts  int
}

type fakeUpstream struct {
	mu        sync.Mutex
	completed []download.Assignment
	failed    []failedCall
}

func (u *fakeUpstream) Completed(_ context.Context, a *download.Assignment, _ download.Outcome) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.completed = append(u.completed, *a)
	return nil
}

func (u *fakeUpstream) Failed(_ context.Context, req download.Request, reason string, attempts int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failed = append(u.failed, failedCall{requestID: req.ID, reason: reason, attempts: attempts})
	return nil
}

func (u *fakeUpstream) counts() (completed, failed int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.completed), len(u.failed)
}

type fakeSink struct {
	mu     sync.Mutex
	events []statistics.Event
	err    error
}

func (s *fakeSink) Record(_ context.Context, ev statistics.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) kinds() []download.OutcomeKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]download.OutcomeKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Outcome.Kind
	}
	return out
}

// mapCache ignores TTLs; tests never outlive them.
type mapCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{m: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

type fakeStore struct {
	mu          sync.Mutex
	events      []database.AgentEvent
	assignments []string
	settled     map[string]download.OutcomeKind
}

func (s *fakeStore) RecordAgentEvent(_ context.Context, ev database.AgentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) ListAgentEvents(_ context.Context, agentID string, _ int) ([]database.AgentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.AgentEvent
	for _, ev := range s.events {
		if ev.AgentID == agentID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *fakeStore) RecordAssignment(_ context.Context, a *download.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments = append(s.assignments, a.ID)
	return nil
}

func (s *fakeStore) SettleAssignment(_ context.Context, id string, o download.Outcome, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled == nil {
		s.settled = make(map[string]download.OutcomeKind)
	}
	s.settled[id] = o.Kind
	return nil
}

func (s *fakeStore) ListAssignments(_ context.Context, _ string) ([]database.AssignmentRecord, error) {
	return nil, nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []string
}

func (h *fakeHub) BroadcastEvent(_ context.Context, eventType string, _ any) {
	h.mu.Lock()
	h.events = append(h.events, eventType)
	h.mu.Unlock()
}

func (h *fakeHub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type centerEnv struct {
	center   *Center
	queue    *recordingQueue
	upstream *fakeUpstream
	sink     *fakeSink
	store    *fakeStore
	hub      *fakeHub
	clock    *fakeClock
}

func testCenterConfig(selector string) config.Center {
	return config.Center{
		HeartbeatTimeout:  30 * time.Second,
		SuspectAfter:      15 * time.Second,
		SweepInterval:     5 * time.Second,
		AssignmentTimeout: 2 * time.Minute,
		MaxRetries:        3,
		Selector:          selector,
	}
}

func newCenterEnv(t *testing.T, cfg config.Center) *centerEnv {
	t.Helper()
	env := &centerEnv{
		queue:    newRecordingQueue(),
		upstream: &fakeUpstream{},
		sink:     &fakeSink{},
		store:    &fakeStore{},
		hub:      &fakeHub{},
		clock:    &fakeClock{t: t0},
	}
	c, err := NewCenter(cfg, CenterDeps{
		Queue:    env.queue,
		Sink:     env.sink,
		Upstream: env.upstream,
		Cache:    newMapCache(),
		Store:    env.store,
		Hub:      env.hub,
	})
	if err != nil {
		t.Fatalf("NewCenter: %v", err)
	}
	c.now = env.clock.now
	var seq int
	var seqMu sync.Mutex
	c.newID = func() string {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return fmt.Sprintf("as-%d", seq)
	}
	env.center = c
	return env
}

func (e *centerEnv) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := e.center.RegisterAgent(context.Background(), identity(id, t0)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
}

func (e *centerEnv) beat(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		err := e.center.Heartbeat(context.Background(), HeartbeatReport{AgentID: id, Connectivity: connectivity.ReportUp})
		if err != nil {
			t.Fatalf("heartbeat %s: %v", id, err)
		}
	}
}

func identity(id string, started time.Time) agent.Identity {
	return agent.Identity{ID: id, Hostname: id + ".local", Address: "10.0.0.1", StartedAt: started}
}

func req(id string) download.Request {
	return download.Request{ID: id, URL: "https://example.com/" + id}
}

var selectors = []string{SelectorLeastLoaded, SelectorRoundRobin}

func TestNewCenterRequiresDeps(t *testing.T) {
	if _, err := NewCenter(testCenterConfig(""), CenterDeps{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

func TestNewCenterRejectsUnknownSelector(t *testing.T) {
	_, err := NewCenter(testCenterConfig("random"), CenterDeps{
		Queue: newRecordingQueue(), Sink: &fakeSink{}, Upstream: &fakeUpstream{}, Cache: newMapCache(),
	})
	if err == nil || !strings.Contains(err.Error(), "unknown selector") {
		t.Fatalf("expected unknown selector error, got %v", err)
	}
}

func TestRegisterAgentIdempotent(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	ctx := context.Background()

	topic1, err := env.center.RegisterAgent(ctx, identity("a1", t0))
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	env.clock.advance(time.Second)
	topic2, err := env.center.RegisterAgent(ctx, identity("a1", t0))
	if err != nil {
		t.Fatalf("second register: %v", err)
	}

	if topic1 != topic2 || topic1 != messagequeue.DispatchSubject("a1") {
		t.Fatalf("topics = %q, %q", topic1, topic2)
	}
	agents := env.center.Agents()
	if len(agents) != 1 {
		t.Fatalf("expected 1 record, got %d", len(agents))
	}
	if agents[0].Status != agent.StatusHealthy {
		t.Fatalf("status = %s, want healthy", agents[0].Status)
	}
	if !agents[0].LastHeartbeat.Equal(t0.Add(time.Second)) {
		t.Fatalf("re-registration did not refresh liveness: %v", agents[0].LastHeartbeat)
	}
	if n := len(env.store.events); n != 1 {
		t.Fatalf("expected 1 audit event for the first registration, got %d", n)
	}
}

func TestRegisterAgentRejectsInvalidIdentity(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	_, err := env.center.RegisterAgent(context.Background(), agent.Identity{ID: "a1"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSubmitRequestWithoutAgents(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))

	_, err := env.center.SubmitRequest(context.Background(), req("r1"))
	if !errors.Is(err, domain.ErrNoHealthyAgent) {
		t.Fatalf("expected ErrNoHealthyAgent, got %v", err)
	}
	if n := len(env.center.Assignments()); n != 0 {
		t.Fatalf("expected no assignments, got %d", n)
	}
}

func TestSubmitRequestRoutesToHealthyAgent(t *testing.T) {
	for _, sel := range selectors {
		t.Run(sel, func(t *testing.T) {
			env := newCenterEnv(t, testCenterConfig(sel))
			env.register(t, "a1", "a2")

			a, err := env.center.SubmitRequest(context.Background(), req("r1"))
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if a.AgentID != "a1" && a.AgentID != "a2" {
				t.Fatalf("routed to unknown agent %q", a.AgentID)
			}
			if !a.Deadline.Equal(t0.Add(2 * time.Minute)) {
				t.Fatalf("deadline = %v", a.Deadline)
			}
			ds := env.queue.dispatches(a.AgentID)
			if len(ds) != 1 || ds[0].AssignmentID != a.ID || ds[0].Request.ID != "r1" {
				t.Fatalf("dispatches = %+v", ds)
			}
			rec, err := env.center.Agent(a.AgentID)
			if err != nil {
				t.Fatal(err)
			}
			if rec.InFlight != 1 {
				t.Fatalf("in flight = %d, want 1", rec.InFlight)
			}
		})
	}
}

func TestSubmitRequestSkipsSuspectAgents(t *testing.T) {
	for _, sel := range selectors {
		t.Run(sel, func(t *testing.T) {
			env := newCenterEnv(t, testCenterConfig(sel))
			env.register(t, "a1", "a2")
			ctx := context.Background()

			if err := env.center.Heartbeat(ctx, HeartbeatReport{AgentID: "a1", Connectivity: connectivity.ReportRecovering}); err != nil {
				t.Fatal(err)
			}
			for i := range 3 {
				a, err := env.center.SubmitRequest(ctx, req(fmt.Sprintf("r%d", i)))
				if err != nil {
					t.Fatalf("submit: %v", err)
				}
				if a.AgentID != "a2" {
					t.Fatalf("request routed to suspect agent %s", a.AgentID)
				}
			}

			if err := env.center.Heartbeat(ctx, HeartbeatReport{AgentID: "a2", Connectivity: connectivity.ReportPersistentDown}); err != nil {
				t.Fatal(err)
			}
			if _, err := env.center.SubmitRequest(ctx, req("r-last")); !errors.Is(err, domain.ErrNoHealthyAgent) {
				t.Fatalf("expected ErrNoHealthyAgent with only suspect agents, got %v", err)
			}
		})
	}
}

func TestSubmitRequestInFlight(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	env.register(t, "a1")
	ctx := context.Background()

	if _, err := env.center.SubmitRequest(ctx, req("r1")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.center.SubmitRequest(ctx, req("r1")); !errors.Is(err, domain.ErrRequestInFlight) {
		t.Fatalf("expected ErrRequestInFlight, got %v", err)
	}
	if n := len(env.queue.dispatches("a1")); n != 1 {
		t.Fatalf("expected 1 dispatch, got %d", n)
	}
}

func TestSubmitRequestValidates(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	env.register(t, "a1")
	_, err := env.center.SubmitRequest(context.Background(), download.Request{ID: "r1", URL: "/relative"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSuccessCompletesWithoutReroute(t *testing.T) {
	for _, sel := range selectors {
		t.Run(sel, func(t *testing.T) {
			env := newCenterEnv(t, testCenterConfig(sel))
			env.register(t, "a1", "a2")
			ctx := context.Background()

			a, err := env.center.SubmitRequest(ctx, req("r1"))
			if err != nil {
				t.Fatal(err)
			}
			env.clock.advance(2 * time.Second)
			env.beat(t, "a1", "a2")
			if err := env.center.ReportResult(ctx, a.ID, download.Success(200, 512, 2*time.Second)); err != nil {
				t.Fatalf("report: %v", err)
			}

			// Well past every deadline: nothing left to reroute.
			now := env.clock.advance(5 * time.Minute)
			env.beat(t, "a1", "a2")
			env.center.Sweep(ctx, now)

			completed, failed := env.upstream.counts()
			if completed != 1 || failed != 0 {
				t.Fatalf("upstream completed=%d failed=%d", completed, failed)
			}
			if n := len(env.center.Assignments()); n != 0 {
				t.Fatalf("expected no live assignments, got %d", n)
			}
			total := len(env.queue.dispatches("a1")) + len(env.queue.dispatches("a2"))
			if total != 1 {
				t.Fatalf("expected exactly 1 dispatch, got %d", total)
			}
			if kinds := env.sink.kinds(); len(kinds) != 1 || kinds[0] != download.OutcomeSuccess {
				t.Fatalf("sink events = %v", kinds)
			}
			rec, _ := env.center.Agent(a.AgentID)
			if rec.InFlight != 0 {
				t.Fatalf("in flight = %d after completion", rec.InFlight)
			}
			if env.hub.count(broadcast.EventRequestCompleted) != 1 {
				t.Fatal("expected one completion broadcast")
			}
		})
	}
}

func TestCrashedAgentIsEvictedAndReroutedOnce(t *testing.T) {
	for _, sel := range selectors {
		t.Run(sel, func(t *testing.T) {
			env := newCenterEnv(t, testCenterConfig(sel))
			env.register(t, "a1", "a2")
			ctx := context.Background()

			a, err := env.center.SubmitRequest(ctx, req("r1"))
			if err != nil {
				t.Fatal(err)
			}
			crashed, survivor := a.AgentID, "a2"
			if crashed == "a2" {
				survivor = "a1"
			}

			// The crashed agent stays silent for three heartbeat timeouts
			// while the survivor keeps heartbeating.
			for range 18 {
				now := env.clock.advance(5 * time.Second)
				env.beat(t, survivor)
				env.center.Sweep(ctx, now)
			}

			if _, err := env.center.Agent(crashed); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("crashed agent still registered: %v", err)
			}
			ds := env.queue.dispatches(survivor)
			if len(ds) != 1 {
				t.Fatalf("expected exactly one reroute to %s, got %d", survivor, len(ds))
			}
			if ds[0].Request.ID != "r1" || ds[0].Request.RetryCount != 1 {
				t.Fatalf("reroute = %+v", ds[0].Request)
			}
			live := env.center.Assignments()
			if len(live) != 1 || live[0].AgentID != survivor {
				t.Fatalf("live assignments = %+v", live)
			}
			if _, failed := env.upstream.counts(); failed != 0 {
				t.Fatalf("request failed upstream %d times", failed)
			}
			if env.hub.count(broadcast.EventRequestRerouted) != 1 {
				t.Fatal("expected one reroute broadcast")
			}

			err = env.center.Heartbeat(ctx, HeartbeatReport{AgentID: crashed, Connectivity: connectivity.ReportUp})
			if !errors.Is(err, domain.ErrUnknownAgent) {
				t.Fatalf("heartbeat from evicted agent: expected ErrUnknownAgent, got %v", err)
			}
		})
	}
}

func TestSweepMarksSilentAgentSuspect(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	env.register(t, "a1")
	ctx := context.Background()

	env.center.Sweep(ctx, env.clock.advance(16*time.Second))
	rec, err := env.center.Agent("a1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != agent.StatusSuspect {
		t.Fatalf("status = %s, want suspect", rec.Status)
	}
	if _, err := env.center.SubmitRequest(ctx, req("r1")); !errors.Is(err, domain.ErrNoHealthyAgent) {
		t.Fatalf("expected ErrNoHealthyAgent, got %v", err)
	}

	env.beat(t, "a1")
	rec, _ = env.center.Agent("a1")
	if rec.Status != agent.StatusHealthy {
		t.Fatalf("status after heartbeat = %s, want healthy", rec.Status)
	}
}

func TestReportResultStaleAndUnknown(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	env.register(t, "a1", "a2")
	ctx := context.Background()

	a, err := env.center.SubmitRequest(ctx, req("r1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.center.ReportResult(ctx, a.ID, download.Success(200, 1, time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		id      string
		outcome download.Outcome
		wantErr error
	}{
		{"duplicate success", a.ID, download.Success(200, 1, time.Millisecond), domain.ErrStaleResult},
		{"failure after completion", a.ID, download.Failure("boom"), domain.ErrStaleResult},
		{"unknown assignment", "as-never", download.Success(200, 1, 0), domain.ErrUnknownAssignment},
		{"invalid outcome", a.ID, download.Outcome{Kind: "maybe"}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.center.ReportResult(ctx, tt.id, tt.outcome)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if completed, _ := env.upstream.counts(); completed != 1 {
		t.Fatalf("request completed %d times", completed)
	}
}

func TestLateSuccessSupersedesReroute(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	env.register(t, "a1", "a2")
	ctx := context.Background()

	first, err := env.center.SubmitRequest(ctx, req("r1"))
	if err != nil {
		t.Fatal(err)
	}
	now := env.clock.advance(2*time.Minute + time.Second)
	env.beat(t, "a1", "a2")
	env.center.Sweep(ctx, now)

	live := env.center.Assignments()
	if len(live) != 1 || live[0].AgentID == first.AgentID {
		t.Fatalf("expected reroute to the other agent, got %+v", live)
	}
	reroute := live[0]

	// The first agent finishes after all.
	if err := env.center.ReportResult(ctx, first.ID, download.Success(200, 10, time.Minute)); err != nil {
		t.Fatalf("late success: %v", err)
	}
	if n := len(env.center.Assignments()); n != 0 {
		t.Fatalf("reroute still live after late success: %d", n)
	}
	if completed, _ := env.upstream.counts(); completed != 1 {
		t.Fatalf("completed %d times", completed)
	}

	// The reroute's own result is now stale.
	err = env.center.ReportResult(ctx, reroute.ID, download.Success(200, 10, time.Second))
	if !errors.Is(err, domain.ErrStaleResult) {
		t.Fatalf("expected ErrStaleResult for superseded reroute, got %v", err)
	}
	if completed, _ := env.upstream.counts(); completed != 1 {
		t.Fatalf("completed %d times", completed)
	}
}

func TestLateSuccessKeepsRequestDetails(t *testing.T) {
	cfg := testCenterConfig("")
	cfg.MaxRetries = 0
	env := newCenterEnv(t, cfg)
	env.register(t, "a1")
	ctx := context.Background()

	r := req("r1")
	r.OwnerID = "task-7"
	r.Method = "HEAD"
	r.Headers = map[string]string{"Accept": "text/html"}
	first, err := env.center.SubmitRequest(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	now := env.clock.advance(2*time.Minute + time.Second)
	env.beat(t, "a1")
	env.center.Sweep(ctx, now)
	if _, failed := env.upstream.counts(); failed != 1 {
		t.Fatalf("expected the request to fail, got %d failures", failed)
	}
	// The completion record was evicted before the agent answered.
	env.center.forgetDone(ctx, "r1")

	if err := env.center.ReportResult(ctx, first.ID, download.Success(200, 10, time.Minute)); err != nil {
		t.Fatalf("late success: %v", err)
	}
	env.upstream.mu.Lock()
	defer env.upstream.mu.Unlock()
	if len(env.upstream.completed) != 1 {
		t.Fatalf("completed %d times", len(env.upstream.completed))
	}
	got := env.upstream.completed[0].Request
	if got.OwnerID != "task-7" || got.Method != "HEAD" || got.Headers["Accept"] != "text/html" || got.URL != r.URL {
		t.Fatalf("completed request = %+v", got)
	}
}

func TestLateFailureIsStale(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	env.register(t, "a1", "a2")
	ctx := context.Background()

	first, err := env.center.SubmitRequest(ctx, req("r1"))
	if err != nil {
		t.Fatal(err)
	}
	now := env.clock.advance(2*time.Minute + time.Second)
	env.beat(t, "a1", "a2")
	env.center.Sweep(ctx, now)

	err = env.center.ReportResult(ctx, first.ID, download.Failure("timeout"))
	if !errors.Is(err, domain.ErrStaleResult) {
		t.Fatalf("expected ErrStaleResult, got %v", err)
	}
	if n := len(env.center.Assignments()); n != 1 {
		t.Fatalf("reroute must stay live, got %d assignments", n)
	}
}

func TestFailureReroutesUntilRetriesExhausted(t *testing.T) {
	for _, sel := range selectors {
		t.Run(sel, func(t *testing.T) {
			env := newCenterEnv(t, testCenterConfig(sel))
			env.register(t, "a1")
			ctx := context.Background()

			a, err := env.center.SubmitRequest(ctx, req("r1"))
			if err != nil {
				t.Fatal(err)
			}
			current := a.ID
			for attempt := 0; attempt <= 3; attempt++ {
				live := env.center.Assignments()
				if len(live) != 1 || live[0].ID != current {
					t.Fatalf("attempt %d: live = %+v", attempt, live)
				}
				if live[0].Request.RetryCount != attempt {
					t.Fatalf("attempt %d: retry count = %d", attempt, live[0].Request.RetryCount)
				}
				if err := env.center.ReportResult(ctx, current, download.Failure("status 503")); err != nil {
					t.Fatalf("attempt %d: %v", attempt, err)
				}
				if next := env.center.Assignments(); len(next) == 1 {
					current = next[0].ID
				}
			}

			if n := len(env.center.Assignments()); n != 0 {
				t.Fatalf("expected no live assignments, got %d", n)
			}
			env.upstream.mu.Lock()
			failed := env.upstream.failed
			env.upstream.mu.Unlock()
			if len(failed) != 1 {
				t.Fatalf("expected one terminal failure, got %d", len(failed))
			}
			if failed[0].attempts != 4 || !strings.Contains(failed[0].reason, "retries exhausted") {
				t.Fatalf("failure = %+v", failed[0])
			}
			if n := len(env.queue.dispatches("a1")); n != 4 {
				t.Fatalf("expected 4 dispatches, got %d", n)
			}
		})
	}
}

func TestAbandonedResultReroutesToOtherAgent(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	env.register(t, "a1", "a2")
	ctx := context.Background()

	a, err := env.center.SubmitRequest(ctx, req("r1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.center.ReportResult(ctx, a.ID, download.Abandoned("disconnected")); err != nil {
		t.Fatal(err)
	}
	live := env.center.Assignments()
	if len(live) != 1 || live[0].AgentID == a.AgentID {
		t.Fatalf("expected reroute away from %s, got %+v", a.AgentID, live)
	}
	if kinds := env.sink.kinds(); len(kinds) != 1 || kinds[0] != download.OutcomeAbandoned {
		t.Fatalf("sink events = %v", kinds)
	}
	if env.store.settled[a.ID] != download.OutcomeAbandoned {
		t.Fatalf("audit settle = %q", env.store.settled[a.ID])
	}
}

func TestRerouteWithoutAgentsFailsUpstream(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	env.register(t, "a1")
	ctx := context.Background()

	if _, err := env.center.SubmitRequest(ctx, req("r1")); err != nil {
		t.Fatal(err)
	}
	if err := env.center.Deregister(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	_, failed := env.upstream.counts()
	if failed != 1 {
		t.Fatalf("expected terminal failure, got %d", failed)
	}
	if !strings.Contains(env.upstream.failed[0].reason, domain.ErrNoHealthyAgent.Error()) {
		t.Fatalf("reason = %q", env.upstream.failed[0].reason)
	}
}

func TestDeregisterReroutesAssignments(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	env.register(t, "a1", "a2")
	ctx := context.Background()

	a, err := env.center.SubmitRequest(ctx, req("r1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.center.Deregister(ctx, a.AgentID); err != nil {
		t.Fatal(err)
	}
	live := env.center.Assignments()
	if len(live) != 1 || live[0].AgentID == a.AgentID {
		t.Fatalf("live = %+v", live)
	}
	if err := env.center.Deregister(ctx, a.AgentID); !errors.Is(err, domain.ErrUnknownAgent) {
		t.Fatalf("second deregister: expected ErrUnknownAgent, got %v", err)
	}
}

func TestRestartedAgentAssignmentsAreRerouted(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	env.register(t, "a1", "a2")
	ctx := context.Background()

	a, err := env.center.SubmitRequest(ctx, req("r1"))
	if err != nil {
		t.Fatal(err)
	}
	restarted := identity(a.AgentID, t0.Add(time.Minute))
	if _, err := env.center.RegisterAgent(ctx, restarted); err != nil {
		t.Fatal(err)
	}

	if n := len(env.center.Agents()); n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}
	live := env.center.Assignments()
	if len(live) != 1 || live[0].AgentID == a.AgentID {
		t.Fatalf("expected reroute away from restarted agent, got %+v", live)
	}
	rec, _ := env.center.Agent(a.AgentID)
	if !rec.Identity.StartedAt.Equal(restarted.StartedAt) || rec.InFlight != 0 {
		t.Fatalf("record not reset: %+v", rec)
	}
}

func TestHeartbeatOverwritesAgentState(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	env.register(t, "a1")
	ctx := context.Background()

	env.clock.advance(3 * time.Second)
	err := env.center.Heartbeat(ctx, HeartbeatReport{
		AgentID:      "a1",
		InFlight:     4,
		Connectivity: connectivity.ReportUp,
		Load:         agent.Load{CPUPercent: 12.5, MemoryPercent: 40},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := env.center.Agent("a1")
	if rec.InFlight != 4 || rec.Load.CPUPercent != 12.5 || !rec.LastHeartbeat.Equal(t0.Add(3*time.Second)) {
		t.Fatalf("record = %+v", rec)
	}
}

func TestHandleHeartbeatFromUnknownAgentRequestsReregister(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	data, _ := json.Marshal(messagequeue.HeartbeatPayload{AgentID: "ghost", Connectivity: connectivity.ReportUp})

	if err := env.center.handleHeartbeat(context.Background(), messagequeue.SubjectHeartbeat, data); err != nil {
		t.Fatal(err)
	}
	msgs := env.queue.on(messagequeue.ControlSubject("ghost"))
	if len(msgs) != 1 {
		t.Fatalf("expected 1 control message, got %d", len(msgs))
	}
	var p messagequeue.ControlPayload
	if err := json.Unmarshal(msgs[0].data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Command != messagequeue.CommandReregister {
		t.Fatalf("command = %q", p.Command)
	}
}

func TestHandleRegisterPublishesAck(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	data, _ := json.Marshal(messagequeue.RegisterPayload{Identity: identity("a1", t0), Timestamp: t0})

	if err := env.center.handleRegister(context.Background(), messagequeue.SubjectRegister, data); err != nil {
		t.Fatal(err)
	}
	msgs := env.queue.on(messagequeue.RegisteredSubject("a1"))
	if len(msgs) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(msgs))
	}
	var ack messagequeue.RegisteredPayload
	if err := json.Unmarshal(msgs[0].data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Topic != messagequeue.DispatchSubject("a1") {
		t.Fatalf("topic = %q", ack.Topic)
	}
}

func TestHandleSubmitWithoutAgentsNotifiesScheduler(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	data, _ := json.Marshal(messagequeue.SubmitPayload{Request: req("r1")})

	if err := env.center.handleSubmit(context.Background(), messagequeue.SubjectSubmit, data); err != nil {
		t.Fatal(err)
	}
	if _, failed := env.upstream.counts(); failed != 1 {
		t.Fatalf("expected scheduler failure notification, got %d", failed)
	}
}

func TestCenterSubscribersRouteMessages(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	ctx := context.Background()

	cancels, err := env.center.StartSubscribers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer cancelAll(cancels)

	publish := func(subject string, v any) {
		t.Helper()
		data, _ := json.Marshal(v)
		if err := env.queue.Publish(ctx, subject, data); err != nil {
			t.Fatalf("publish %s: %v", subject, err)
		}
	}

	publish(messagequeue.SubjectRegister, messagequeue.RegisterPayload{Identity: identity("a1", t0)})
	publish(messagequeue.SubjectSubmit, messagequeue.SubmitPayload{Request: req("r1")})

	ds := env.queue.dispatches("a1")
	if len(ds) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(ds))
	}
	publish(messagequeue.SubjectResult, messagequeue.ResultPayload{
		AssignmentID: ds[0].AssignmentID,
		RequestID:    "r1",
		AgentID:      "a1",
		Outcome:      download.Success(200, 42, time.Second),
	})
	if completed, _ := env.upstream.counts(); completed != 1 {
		t.Fatalf("completed = %d", completed)
	}

	publish(messagequeue.SubjectDeregister, messagequeue.DeregisterPayload{AgentID: "a1"})
	if n := len(env.center.Agents()); n != 0 {
		t.Fatalf("expected registry to be empty, got %d", n)
	}
}

func TestSnapshotCountsByStatus(t *testing.T) {
	env := newCenterEnv(t, testCenterConfig(""))
	env.register(t, "a1", "a2", "a3")
	ctx := context.Background()
	if err := env.center.Heartbeat(ctx, HeartbeatReport{AgentID: "a3", Connectivity: connectivity.ReportDown}); err != nil {
		t.Fatal(err)
	}

	got := env.center.Snapshot()
	if got[string(agent.StatusHealthy)] != 2 || got[string(agent.StatusSuspect)] != 1 {
		t.Fatalf("snapshot = %v", got)
	}
}

func TestSelectorSpreadsEqualLoad(t *testing.T) {
	for _, sel := range selectors {
		t.Run(sel, func(t *testing.T) {
			env := newCenterEnv(t, testCenterConfig(sel))
			env.register(t, "a1", "a2", "a3")
			ctx := context.Background()

			counts := map[string]int{}
			for i := range 9 {
				env.clock.advance(time.Millisecond)
				a, err := env.center.SubmitRequest(ctx, req(fmt.Sprintf("r%d", i)))
				if err != nil {
					t.Fatal(err)
				}
				counts[a.AgentID]++
				// Settle immediately so every agent stays at equal load.
				if err := env.center.ReportResult(ctx, a.ID, download.Success(200, 1, 0)); err != nil {
					t.Fatal(err)
				}
			}
			for _, id := range []string{"a1", "a2", "a3"} {
				if counts[id] != 3 {
					t.Fatalf("distribution = %v, want 3 each", counts)
				}
			}
		})
	}
}
