// Package memory provides in-process implementations of the message channel
// and resource locker ports, for single-host deployments and tests.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/logger"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
)

// ErrClosed is returned when publishing on a drained or closed queue.
var ErrClosed = errors.New("memory queue: closed")

const (
	subscriberBuffer = 1024
	maxDeliver       = 3
	redeliverDelay   = 50 * time.Millisecond
)

type envelope struct {
	subject       string
	data          []byte
	correlationID string
}

type subscription struct {
	pattern string
	handler messagequeue.Handler
	ch      chan envelope
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Queue is an in-process messagequeue.Queue. Subjects are matched with NATS
// wildcard rules; each subscriber receives messages in publish order.
type Queue struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	next    uint64
	closed  bool
	pending sync.WaitGroup
	workers sync.WaitGroup
}

var _ messagequeue.Queue = (*Queue)(nil)

// NewQueue creates an empty in-process queue.
func NewQueue() *Queue {
	return &Queue{subs: make(map[uint64]*subscription)}
}

// Publish delivers data to every matching subscription. Validation failures
// are returned to the caller.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}
	env := envelope{
		subject:       subject,
		data:          append([]byte(nil), data...),
		correlationID: logger.CorrelationID(ctx),
	}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	var targets []*subscription
	for _, s := range q.subs {
		if messagequeue.Match(s.pattern, subject) {
			targets = append(targets, s)
		}
	}
	q.pending.Add(len(targets))
	q.mu.RUnlock()

	for i, s := range targets {
		select {
		case s.ch <- env:
		case <-s.done:
			q.pending.Done()
		case <-ctx.Done():
			// Undelivered envelopes for this and the remaining targets.
			for range targets[i:] {
				q.pending.Done()
			}
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler for subjects matching the pattern.
func (q *Queue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	s := &subscription{
		pattern: subject,
		handler: handler,
		ch:      make(chan envelope, subscriberBuffer),
		done:    make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	id := q.next
	q.next++
	q.subs[id] = s
	q.mu.Unlock()

	q.workers.Add(1)
	go q.run(s)

	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
		s.stop()
	}, nil
}

func (q *Queue) run(s *subscription) {
	defer q.workers.Done()
	for {
		select {
		case env := <-s.ch:
			q.deliver(s, env)
			q.pending.Done()
		case <-s.done:
			// Release whatever is still buffered.
			for {
				select {
				case <-s.ch:
					q.pending.Done()
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) deliver(s *subscription, env envelope) {
	ctx := context.Background()
	if env.correlationID != "" {
		ctx = logger.WithCorrelationID(ctx, env.correlationID)
	}
	for attempt := 1; ; attempt++ {
		err := s.handler(ctx, env.subject, env.data)
		if err == nil {
			return
		}
		slog.ErrorContext(ctx, "message handler failed", "subject", env.subject, "delivery", attempt, "error", err)
		if attempt >= maxDeliver {
			slog.WarnContext(ctx, "message dropped after retries", "subject", env.subject)
			return
		}
		select {
		case <-s.done:
			return
		case <-time.After(redeliverDelay):
		}
	}
}

// Drain stops accepting messages, waits until every delivered message has
// been handled, then stops all subscriptions.
func (q *Queue) Drain() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.pending.Wait()
	return q.Close()
}

// Close stops all subscriptions immediately. Buffered messages are discarded.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	subs := q.subs
	q.subs = make(map[uint64]*subscription)
	q.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	q.workers.Wait()
	return nil
}

// IsConnected reports whether the queue still accepts messages.
func (q *Queue) IsConnected() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return !q.closed
}
