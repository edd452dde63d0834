package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncState is shared by every handler derived from one AsyncHandler.
type asyncState struct {
	mu      sync.RWMutex // guards closed against concurrent sends
	closed  bool
	ch      chan queued
	wg      sync.WaitGroup
	dropped atomic.Int64
}

type queued struct {
	h   slog.Handler
	rec slog.Record
}

// AsyncHandler hands records to a small worker pool through a bounded queue.
// A full queue drops the record and counts it; logging never blocks the
// heartbeat or dispatch paths.
type AsyncHandler struct {
	inner slog.Handler
	st    *asyncState
}

// NewAsyncHandler creates an AsyncHandler with the given queue capacity and worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	st := &asyncState{ch: make(chan queued, chanSize)}
	for range max(workers, 1) {
		st.wg.Add(1)
		go st.drain()
	}
	return &AsyncHandler{inner: inner, st: st}
}

func (st *asyncState) drain() {
	defer st.wg.Done()
	for q := range st.ch {
		_ = q.h.Handle(context.Background(), q.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. Drops if the queue is full or the handler is closed.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	if h.st.closed {
		h.st.dropped.Add(1)
		return nil
	}
	select {
	case h.st.ch <- queued{h: h.inner, rec: rec.Clone()}:
	default:
		h.st.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same queue but wrapping a new inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), st: h.st}
}

// WithGroup returns a handler sharing the same queue but wrapping a new inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), st: h.st}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.st.dropped.Load()
}

// Close stops accepting records and waits for the workers to drain the queue.
// It is safe to call more than once.
func (h *AsyncHandler) Close() {
	h.st.mu.Lock()
	if h.st.closed {
		h.st.mu.Unlock()
		return
	}
	h.st.closed = true
	close(h.st.ch)
	h.st.mu.Unlock()
	h.st.wg.Wait()
}
