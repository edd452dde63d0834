// Package network defines the connectivity capabilities of an agent host.
package network

import (
	"context"
	"errors"
)

// ErrRedialUnsupported is returned by redialers on hosts that cannot redial.
var ErrRedialUnsupported = errors.New("network: redial not supported")

// Prober checks whether one well-known endpoint is reachable.
type Prober interface {
	// Target returns the probed endpoint, for logging.
	Target() string
	// Probe returns nil when the endpoint answered within ctx's deadline.
	Probe(ctx context.Context) error
}

// Redialer re-establishes the host's uplink, e.g. a PPPoE session.
// One call is one attempt; retry policy belongs to the caller.
type Redialer interface {
	Redial(ctx context.Context) error
}
