// Package lease defines time-bounded mutual-exclusion grants on a resource key.
package lease

import "time"

// Lease is held by one holder for one key until it expires or is released.
type Lease struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the lease is still in force at the given instant.
func (l *Lease) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// BlocksHolder reports whether the lease prevents the given holder from acquiring the key.
// A lease never blocks its own holder.
func (l *Lease) BlocksHolder(holder string, now time.Time) bool {
	return l.Live(now) && l.Holder != holder
}

// New creates a lease for holder on key that expires ttl after now.
func New(key, holder string, now time.Time, ttl time.Duration) Lease {
	return Lease{Key: key, Holder: holder, ExpiresAt: now.Add(ttl)}
}
