package nats

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/CrawlFleet/internal/logger"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), Options{
		URL:    url,
		Stream: "CRAWLFLEET_TEST",
		MaxAge: time.Minute,
		Name:   "crawlfleet-test",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// uniqueAgent returns an agent id unique to the running test, so each test
// gets its own agent.<slug>.* subjects.
func uniqueAgent(t *testing.T) string {
	t.Helper()
	return strings.ToLower(t.Name()) + "-" + time.Now().Format("150405.000000")
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	subject := messagequeue.RegisteredSubject(uniqueAgent(t))

	want := messagequeue.RegisteredPayload{AgentID: "a1", Topic: "agent.a1.dispatch"}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var (
		mu       sync.Mutex
		received *messagequeue.RegisteredPayload
		done     = make(chan struct{})
		once     sync.Once
	)

	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, d []byte) error {
		var got messagequeue.RegisteredPayload
		if err := json.Unmarshal(d, &got); err != nil {
			return err
		}
		mu.Lock()
		received = &got
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()

	if received == nil {
		t.Fatal("handler was not called")
	}
	if *received != want {
		t.Errorf("got %+v, want %+v", *received, want)
	}
}

func TestQueue_CorrelationIDPropagation(t *testing.T) {
	q := testConnect(t)
	subject := messagequeue.ControlSubject(uniqueAgent(t))

	const wantID = "corr-abc-123"
	data := []byte(`{"agent_id":"a1","command":"reregister"}`)

	var (
		mu    sync.Mutex
		gotID string
		done  = make(chan struct{})
		once  sync.Once
	)

	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, _ []byte) error {
		mu.Lock()
		gotID = logger.CorrelationID(ctx)
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithCorrelationID(context.Background(), wantID)
	if err := q.Publish(ctx, subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()

	if gotID != wantID {
		t.Errorf("correlation ID = %q, want %q", gotID, wantID)
	}
}

func TestQueue_InvalidPayloadGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	subject := messagequeue.ControlSubject(uniqueAgent(t))
	dlqSubject := subject + dlqSuffix

	handled := make(chan struct{}, 1)
	mainStop, err := q.Subscribe(ctx, subject, func(context.Context, string, []byte) error {
		handled <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe main: %v", err)
	}
	defer mainStop()

	// Raw consumer so the DLQ copy is not validated again.
	dlqConsumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: dlqSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}

	dlqData := make(chan []byte, 1)
	dlqSub, err := dlqConsumer.Consume(func(msg jetstream.Msg) {
		select {
		case dlqData <- msg.Data():
		default:
		}
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	defer dlqSub.Stop()

	// Control messages require a command.
	if err := q.Publish(ctx, subject, []byte(`{"agent_id":"a1"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-dlqData:
		if string(got) != `{"agent_id":"a1"}` {
			t.Errorf("DLQ data = %q", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message")
	}

	select {
	case <-handled:
		t.Fatal("handler must not see invalid payloads")
	default:
	}
}

func TestQueue_RetryExhaustionGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	subject := messagequeue.RegisteredSubject(uniqueAgent(t))
	payload := `{"agent_id":"a1","topic":"agent.a1.dispatch"}`

	var (
		mu    sync.Mutex
		calls int
	)
	stop, err := q.Subscribe(ctx, subject, func(context.Context, string, []byte) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errAlwaysFail
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	dlqConsumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: subject + dlqSuffix,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}
	dlqData := make(chan []byte, 1)
	dlqSub, err := dlqConsumer.Consume(func(msg jetstream.Msg) {
		select {
		case dlqData <- msg.Data():
		default:
		}
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	defer dlqSub.Stop()

	if err := q.Publish(ctx, subject, []byte(payload)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-dlqData:
		if string(got) != payload {
			t.Errorf("DLQ data = %q, want %q", got, payload)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for DLQ message after retry exhaustion")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != maxDeliver {
		t.Errorf("handler calls = %d, want %d", calls, maxDeliver)
	}
}

func TestQueue_KeyValue(t *testing.T) {
	q := testConnect(t)

	bucket := "test_kv_" + strings.ToLower(t.Name())
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, bucket, 30*time.Second)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}

	if _, err := kv.Put(ctx, "greeting", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != "hello" {
		t.Errorf("value = %q, want %q", string(entry.Value()), "hello")
	}

	if err := kv.Delete(ctx, "greeting"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kv.Get(ctx, "greeting"); err == nil {
		t.Error("expected error after delete, got nil")
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)

	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect, want true")
	}
}

// errAlwaysFail is a sentinel error used by handlers that should always fail.
var errAlwaysFail = errSentinel("handler always fails")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
