package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/port/locker/lockertest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLockerCompliance(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLockerWithClock(clk.Now)
	lockertest.Run(t, l, lockertest.Clock{Advance: clk.Advance}, "")
}

func TestLockerReentrantRefreshesExpiry(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLockerWithClock(clk.Now)
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, "example.com", "agent-1", 10*time.Second); !ok {
		t.Fatal("first acquire denied")
	}
	clk.Advance(8 * time.Second)
	if ok, _ := l.Acquire(ctx, "example.com", "agent-1", 10*time.Second); !ok {
		t.Fatal("re-entrant acquire denied")
	}
	clk.Advance(8 * time.Second)

	// 16s after the first grant, but only 8s after the refresh.
	if ok, _ := l.Acquire(ctx, "example.com", "agent-2", 10*time.Second); ok {
		t.Fatal("refresh did not extend the lease")
	}
	held, ok := l.Held("example.com")
	if !ok || held.Holder != "agent-1" {
		t.Fatalf("expected agent-1 to hold the lease, got %+v (ok=%v)", held, ok)
	}

	clk.Advance(3 * time.Second)
	if ok, _ := l.Acquire(ctx, "example.com", "agent-2", 10*time.Second); !ok {
		t.Fatal("expired lease should be available")
	}
}
