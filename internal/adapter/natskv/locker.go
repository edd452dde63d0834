package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/CrawlFleet/internal/domain/lease"
	"github.com/Strob0t/CrawlFleet/internal/port/locker"
)

// Locker implements locker.Locker with compare-and-set on KV revisions, so
// agents on different hosts can share contention domains.
type Locker struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

var _ locker.Locker = (*Locker)(nil)

// NewLocker creates a KV-backed locker. The bucket's TTL should exceed the
// longest lease; expiry is decided by the lease timestamp, not the bucket.
func NewLocker(kv jetstream.KeyValue) *Locker {
	return &Locker{kv: kv, now: time.Now}
}

// Acquire grants key to holder unless another holder has a live lease.
func (l *Locker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	k := encodeKey(key)
	now := l.now()
	data, err := json.Marshal(lease.New(key, holder, now, ttl))
	if err != nil {
		return false, fmt.Errorf("natskv lease encode: %w", err)
	}

	entry, err := l.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		_, err = l.kv.Create(ctx, k, data)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, jetstream.ErrKeyExists):
			return false, nil
		default:
			return false, fmt.Errorf("natskv lease create %s: %w", key, err)
		}
	}
	if err != nil {
		return false, fmt.Errorf("natskv lease get %s: %w", key, err)
	}

	var cur lease.Lease
	if err := json.Unmarshal(entry.Value(), &cur); err == nil && cur.BlocksHolder(holder, now) {
		return false, nil
	}

	if _, err := l.kv.Update(ctx, k, data, entry.Revision()); err != nil {
		if lostRace(err) {
			return false, nil
		}
		return false, fmt.Errorf("natskv lease update %s: %w", key, err)
	}
	return true, nil
}

// Release drops holder's lease on key if it is still the current revision.
func (l *Locker) Release(ctx context.Context, key, holder string) error {
	k := encodeKey(key)
	entry, err := l.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("natskv lease get %s: %w", key, err)
	}

	var cur lease.Lease
	if err := json.Unmarshal(entry.Value(), &cur); err != nil || cur.Holder != holder {
		return nil
	}
	if err := l.kv.Delete(ctx, k, jetstream.LastRevision(entry.Revision())); err != nil && !lostRace(err) {
		return fmt.Errorf("natskv lease delete %s: %w", key, err)
	}
	return nil
}

// lostRace reports whether err is a revision mismatch from a concurrent writer.
func lostRace(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
