package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Second, Jitter: 0.5}

	b.rand = func() float64 { return 0 }
	if got := b.Delay(0); got != time.Second {
		t.Fatalf("zero jitter draw: got %v", got)
	}
	b.rand = func() float64 { return 0.999999 }
	if got := b.Delay(0); got < 500*time.Millisecond || got > time.Second {
		t.Fatalf("jittered delay out of range: %v", got)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetry(t *testing.T) {
	b := Backoff{Base: time.Microsecond}

	t.Run("succeeds eventually", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 5, b, func(context.Context, int) error {
			calls++
			if calls < 3 {
				return errTest
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Fatalf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 4, b, func(context.Context, int) error {
			calls++
			return errTest
		})
		if !errors.Is(err, errTest) {
			t.Fatalf("expected last error, got %v", err)
		}
		if calls != 4 {
			t.Fatalf("expected 4 calls, got %d", calls)
		}
	})

	t.Run("unbounded stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, 0, b, func(context.Context, int) error {
			calls++
			if calls == 10 {
				cancel()
			}
			return errTest
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if calls != 10 {
			t.Fatalf("expected 10 calls, got %d", calls)
		}
	})

	t.Run("permanent stops early", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 5, b, func(context.Context, int) error {
			calls++
			return Permanent(errTest)
		})
		if err != errTest {
			t.Fatalf("expected unwrapped error, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("expected 1 call, got %d", calls)
		}
	})
}
