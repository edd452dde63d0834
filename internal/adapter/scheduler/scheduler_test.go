package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
)

type published struct {
	subject string
	data    []byte
}

// recordingQueue captures published messages.
type recordingQueue struct {
	mu   sync.Mutex
	msgs []published
}

var _ messagequeue.Queue = (*recordingQueue)(nil)

func (q *recordingQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, published{subject, data})
	return nil
}

func (q *recordingQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (q *recordingQueue) Drain() error      { return nil }
func (q *recordingQueue) Close() error      { return nil }
func (q *recordingQueue) IsConnected() bool { return true }

func TestNotifier(t *testing.T) {
	q := &recordingQueue{}
	n := New(q)
	ctx := context.Background()

	a := &download.Assignment{ID: "as1", AgentID: "a1", Request: download.Request{ID: "r1", URL: "https://example.com"}}
	if err := n.Completed(ctx, a, download.Success(200, 10, 0)); err != nil {
		t.Fatal(err)
	}
	if err := n.Failed(ctx, download.Request{ID: "r2"}, "retries exhausted", 4); err != nil {
		t.Fatal(err)
	}

	if len(q.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(q.msgs))
	}
	if q.msgs[0].subject != messagequeue.SubjectCompleted {
		t.Errorf("subject 0 = %s", q.msgs[0].subject)
	}
	var done messagequeue.CompletedPayload
	if err := json.Unmarshal(q.msgs[0].data, &done); err != nil {
		t.Fatal(err)
	}
	if done.RequestID != "r1" || done.AssignmentID != "as1" || done.AgentID != "a1" {
		t.Errorf("unexpected completed payload %+v", done)
	}

	if q.msgs[1].subject != messagequeue.SubjectFailed {
		t.Errorf("subject 1 = %s", q.msgs[1].subject)
	}
	var failed messagequeue.FailedPayload
	if err := json.Unmarshal(q.msgs[1].data, &failed); err != nil {
		t.Fatal(err)
	}
	if failed.RequestID != "r2" || failed.Attempts != 4 || failed.Reason != "retries exhausted" {
		t.Errorf("unexpected failed payload %+v", failed)
	}
}
