package service

import (
	"log/slog"
	"sync"
)

// syncWaiter hands replies that arrive on a subscription to the goroutine
// waiting for them, keyed by an id both sides know.
type syncWaiter[T any] struct {
	mu      sync.Mutex
	waiters map[string]chan *T
	label   string // for logging
}

func newSyncWaiter[T any](label string) *syncWaiter[T] {
	return &syncWaiter[T]{
		waiters: make(map[string]chan *T),
		label:   label,
	}
}

// register creates a buffered channel for the given id.
func (w *syncWaiter[T]) register(id string) chan *T {
	ch := make(chan *T, 1)
	w.mu.Lock()
	w.waiters[id] = ch
	w.mu.Unlock()
	return ch
}

// unregister removes the waiter for the given id.
func (w *syncWaiter[T]) unregister(id string) {
	w.mu.Lock()
	delete(w.waiters, id)
	w.mu.Unlock()
}

// deliver sends a reply to the waiting channel and removes the waiter.
// Returns false if nobody was waiting; late or duplicate replies land here.
func (w *syncWaiter[T]) deliver(id string, payload *T) bool {
	w.mu.Lock()
	ch, ok := w.waiters[id]
	if ok {
		delete(w.waiters, id)
	}
	w.mu.Unlock()

	if !ok {
		slog.Debug("no waiter for "+w.label, "id", id)
		return false
	}

	ch <- payload
	return true
}
