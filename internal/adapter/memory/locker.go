package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain/lease"
	"github.com/Strob0t/CrawlFleet/internal/port/locker"
)

// Locker is an in-process locker.Locker.
type Locker struct {
	mu     sync.Mutex
	leases map[string]lease.Lease
	now    func() time.Time
}

var _ locker.Locker = (*Locker)(nil)

// NewLocker creates an empty in-process locker.
func NewLocker() *Locker {
	return &Locker{leases: make(map[string]lease.Lease), now: time.Now}
}

// NewLockerWithClock creates a locker that reads time from now.
func NewLockerWithClock(now func() time.Time) *Locker {
	return &Locker{leases: make(map[string]lease.Lease), now: now}
}

// Acquire grants key to holder unless another holder has a live lease.
func (l *Locker) Acquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && cur.BlocksHolder(holder, now) {
		return false, nil
	}
	l.leases[key] = lease.New(key, holder, now, ttl)
	return true, nil
}

// Release drops holder's lease on key. Foreign or expired leases are left alone.
func (l *Locker) Release(_ context.Context, key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[key]
	if !ok || cur.Holder != holder {
		return nil
	}
	delete(l.leases, key)
	return nil
}

// Held returns the live lease on key, if any.
func (l *Locker) Held(key string) (lease.Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	if !ok || !cur.Live(l.now()) {
		return lease.Lease{}, false
	}
	return cur, true
}
