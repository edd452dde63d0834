// Package lockertest provides a compliance suite shared by locker adapters.
package lockertest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/port/locker"
)

// Clock lets the suite expire leases. Advance must make at least d elapse
// for the locker under test (fake clock step or real sleep).
type Clock struct {
	Advance func(d time.Duration)
}

// Sleep is a Clock for adapters that read the wall clock.
var Sleep = Clock{Advance: func(d time.Duration) { time.Sleep(d) }}

// Run runs the standard compliance test suite against any Locker.
// Keys are prefixed with prefix so suites can share a backend.
func Run(t *testing.T, l locker.Locker, clock Clock, prefix string) {
	t.Helper()
	ctx := context.Background()
	const ttl = 300 * time.Millisecond

	t.Run("ExclusiveAcquire", func(t *testing.T) {
		key := prefix + "exclusive"
		ok, err := l.Acquire(ctx, key, "holder-a", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first acquire: ok=%v err=%v", ok, err)
		}
		ok, err = l.Acquire(ctx, key, "holder-b", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("second holder must be denied while lease is live")
		}
		_ = l.Release(ctx, key, "holder-a")
	})

	t.Run("Reentrant", func(t *testing.T) {
		key := prefix + "reentrant"
		for i := 0; i < 3; i++ {
			ok, err := l.Acquire(ctx, key, "holder-a", time.Minute)
			if err != nil || !ok {
				t.Fatalf("acquire %d: ok=%v err=%v", i, ok, err)
			}
		}
		_ = l.Release(ctx, key, "holder-a")
	})

	t.Run("ReleaseFreesKey", func(t *testing.T) {
		key := prefix + "release"
		if ok, err := l.Acquire(ctx, key, "holder-a", time.Minute); err != nil || !ok {
			t.Fatalf("acquire: ok=%v err=%v", ok, err)
		}
		if err := l.Release(ctx, key, "holder-a"); err != nil {
			t.Fatal(err)
		}
		ok, err := l.Acquire(ctx, key, "holder-b", time.Minute)
		if err != nil || !ok {
			t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
		}
		_ = l.Release(ctx, key, "holder-b")
	})

	t.Run("ForeignReleaseIsNoop", func(t *testing.T) {
		key := prefix + "foreign"
		if ok, err := l.Acquire(ctx, key, "holder-a", time.Minute); err != nil || !ok {
			t.Fatalf("acquire: ok=%v err=%v", ok, err)
		}
		if err := l.Release(ctx, key, "holder-b"); err != nil {
			t.Fatalf("foreign release should not error: %v", err)
		}
		if ok, _ := l.Acquire(ctx, key, "holder-b", time.Minute); ok {
			t.Fatal("foreign release must not free the lease")
		}
		_ = l.Release(ctx, key, "holder-a")
	})

	t.Run("ReleaseUnknownKey", func(t *testing.T) {
		if err := l.Release(ctx, prefix+"never-held", "holder-a"); err != nil {
			t.Fatalf("release of unknown key should not error: %v", err)
		}
	})

	t.Run("ExpiredLeaseCanBeTaken", func(t *testing.T) {
		key := prefix + "expiry"
		if ok, err := l.Acquire(ctx, key, "holder-a", ttl); err != nil || !ok {
			t.Fatalf("acquire: ok=%v err=%v", ok, err)
		}
		if ok, _ := l.Acquire(ctx, key, "holder-b", ttl); ok {
			t.Fatal("denied before expiry")
		}
		clock.Advance(ttl + 100*time.Millisecond)
		ok, err := l.Acquire(ctx, key, "holder-b", time.Minute)
		if err != nil || !ok {
			t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
		}
		// The stale holder's release must not drop the new lease.
		_ = l.Release(ctx, key, "holder-a")
		if ok, _ := l.Acquire(ctx, key, "holder-c", time.Minute); ok {
			t.Fatal("stale release dropped the new holder's lease")
		}
		_ = l.Release(ctx, key, "holder-b")
	})

	t.Run("ConcurrentAcquireSingleWinner", func(t *testing.T) {
		key := prefix + "race"
		var (
			wins atomic.Int32
			wg   sync.WaitGroup
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				holder := "racer-" + string(rune('a'+i))
				ok, err := l.Acquire(ctx, key, holder, time.Minute)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Fatalf("expected exactly one winner, got %d", got)
		}
	})
}
