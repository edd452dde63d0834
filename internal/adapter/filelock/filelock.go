// Package filelock implements the locker port with one lease file per key in
// a local directory. Leases survive process restarts and are shared by every
// agent process on the host.
package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/CrawlFleet/internal/domain/lease"
	"github.com/Strob0t/CrawlFleet/internal/port/locker"
)

const leaseExt = ".lease"

// Locker stores leases as JSON files. A lease file is only ever created with
// link(2), which fails if the name exists, and only ever removed by renaming
// it to a unique tombstone first, so two processes can never both believe
// they replaced the same file.
type Locker struct {
	dir string
	now func() time.Time
}

var _ locker.Locker = (*Locker)(nil)

// New creates the lease directory if needed.
func New(dir string) (*Locker, error) {
	return NewWithClock(dir, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(dir string, now func() time.Time) (*Locker, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("filelock: create %s: %w", dir, err)
	}
	return &Locker{dir: dir, now: now}, nil
}

func (l *Locker) path(key string) string {
	return filepath.Join(l.dir, url.QueryEscape(key)+leaseExt)
}

// Acquire grants key to holder unless another holder has a live lease.
func (l *Locker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := l.now()
	want := lease.New(key, holder, now, ttl)

	tmp, err := l.writeTemp(want)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp) //nolint:errcheck // best-effort cleanup

	target := l.path(key)
	if err := os.Link(tmp, target); err == nil {
		return true, nil
	} else if !errors.Is(err, fs.ErrExist) {
		return false, fmt.Errorf("filelock: link %s: %w", key, err)
	}

	cur, err := readLease(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Released between link and read; one more try.
		return l.link(tmp, target)
	case err != nil:
		// Unreadable lease files are treated as expired.
		cur = lease.Lease{Key: key}
	}

	if cur.Holder == holder && cur.Live(now) {
		// Re-entrant refresh: replace our own file in place.
		if err := os.Rename(tmp, target); err != nil {
			return false, fmt.Errorf("filelock: refresh %s: %w", key, err)
		}
		return true, nil
	}
	if cur.BlocksHolder(holder, now) {
		return false, nil
	}

	// Expired: take it over.
	removed, err := l.removeIf(target, func(seen lease.Lease) bool {
		return seen.Holder == cur.Holder && seen.ExpiresAt.Equal(cur.ExpiresAt)
	})
	if err != nil || !removed {
		return false, err
	}
	return l.link(tmp, target)
}

// Release drops holder's lease on key. Foreign or missing leases are left alone.
func (l *Locker) Release(ctx context.Context, key, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := l.removeIf(l.path(key), func(seen lease.Lease) bool {
		return seen.Holder == holder
	})
	return err
}

func (l *Locker) link(tmp, target string) (bool, error) {
	err := os.Link(tmp, target)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrExist):
		return false, nil
	default:
		return false, fmt.Errorf("filelock: link %s: %w", filepath.Base(target), err)
	}
}

// removeIf atomically moves target aside and deletes it if match accepts the
// lease that was moved. A lease that does not match is put back.
func (l *Locker) removeIf(target string, match func(lease.Lease) bool) (bool, error) {
	tomb := target + "." + uuid.NewString() + ".tomb"
	if err := os.Rename(target, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("filelock: tombstone %s: %w", filepath.Base(target), err)
	}
	defer os.Remove(tomb) //nolint:errcheck // best-effort cleanup

	seen, err := readLease(tomb)
	if err != nil || match(seen) {
		return true, nil
	}

	// Not the lease we meant to remove: restore it unless a new one appeared.
	if err := os.Link(tomb, target); err != nil && !errors.Is(err, fs.ErrExist) {
		return false, fmt.Errorf("filelock: restore %s: %w", filepath.Base(target), err)
	}
	return false, nil
}

func (l *Locker) writeTemp(ls lease.Lease) (string, error) {
	data, err := json.Marshal(ls)
	if err != nil {
		return "", fmt.Errorf("filelock: encode lease: %w", err)
	}
	f, err := os.CreateTemp(l.dir, ".pending-*")
	if err != nil {
		return "", fmt.Errorf("filelock: temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("filelock: write lease: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("filelock: close lease: %w", err)
	}
	return name, nil
}

func readLease(path string) (lease.Lease, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is built from the lease directory
	if err != nil {
		return lease.Lease{}, err
	}
	var ls lease.Lease
	if err := json.Unmarshal(data, &ls); err != nil {
		return lease.Lease{}, fmt.Errorf("filelock: decode %s: %w", filepath.Base(path), err)
	}
	return ls, nil
}
