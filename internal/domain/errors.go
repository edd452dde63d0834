// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrNoHealthyAgent is returned by routing when no agent can accept work.
var ErrNoHealthyAgent = errors.New("no healthy agent")

// ErrUnknownAgent indicates a message referenced an agent id the center does not track.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrUnknownAssignment indicates a result referenced an assignment id that was never issued
// or has already been settled.
var ErrUnknownAssignment = errors.New("unknown assignment")

// ErrStaleResult indicates a result arrived for a request that was already completed elsewhere.
var ErrStaleResult = errors.New("stale result")

// ErrRequestInFlight indicates a request id already has a live dispatch assignment.
var ErrRequestInFlight = errors.New("request already in flight")

// ErrInvalidTransition indicates a lifecycle state change that is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrInvalidInput indicates a malformed request or message.
var ErrInvalidInput = errors.New("invalid input")
