package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError stops Retry early. Retry returns the wrapped error.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Backoff computes capped exponential delays with proportional jitter.
// The zero value is not useful; set at least Base.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay randomized, in [0,1]

	rand func() float64 // for testing; returns [0,1)
}

// Delay returns the wait before the given retry attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter <= 0 || d <= 0 {
		return d
	}

	r := rand.Float64
	if b.rand != nil {
		r = b.rand
	}
	j := b.Jitter
	if j > 1 {
		j = 1
	}
	// Spread the delay over [d*(1-j), d].
	return d - time.Duration(float64(d)*j*r())
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls fn until it succeeds, attempts are exhausted or ctx is done.
// attempts <= 0 retries until ctx is done. The last error is returned; a
// Permanent error ends the loop at once and is returned unwrapped.
func Retry(ctx context.Context, attempts int, b Backoff, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 0; attempts <= 0 || attempt < attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if attempts > 0 && attempt == attempts-1 {
			break
		}
		if serr := Sleep(ctx, b.Delay(attempt)); serr != nil {
			return serr
		}
	}
	return err
}
