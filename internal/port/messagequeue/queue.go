// Package messagequeue defines the message channel port (interface) shared by
// the register center and the downloader agents.
package messagequeue

import (
	"context"
	"strings"
)

// Handler processes a message received from the queue.
// The context carries message-scoped values such as the correlation ID.
// Returning an error asks the transport to redeliver; handlers return nil
// for messages they discard.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
// Delivery is at-least-once; handlers must be idempotent.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects used between agents, the center and the scheduler.
const (
	SubjectRegister   = "center.register"   // agent → center
	SubjectHeartbeat  = "center.heartbeat"  // agent → center
	SubjectResult     = "center.result"     // agent → center
	SubjectDeregister = "center.deregister" // agent → center, on drain
	SubjectSubmit     = "center.submit"     // scheduler → center

	SubjectCompleted = "scheduler.completed" // center → scheduler
	SubjectFailed    = "scheduler.failed"    // center → scheduler, terminal

	agentPrefix = "agent."
)

// Control commands sent on an agent's control subject.
const (
	CommandReregister = "reregister"
)

// RegisteredSubject is where the center acknowledges an agent's registration.
func RegisteredSubject(agentID string) string {
	return agentPrefix + Slug(agentID) + ".registered"
}

// ControlSubject carries center commands to one agent.
func ControlSubject(agentID string) string {
	return agentPrefix + Slug(agentID) + ".control"
}

// DispatchSubject is the topic an agent consumes download requests from.
func DispatchSubject(agentID string) string {
	return agentPrefix + Slug(agentID) + ".dispatch"
}

// Slug maps an agent id to a single subject token: lowercase, with anything
// outside [a-z0-9_-] replaced by '-'.
func Slug(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

// Match reports whether subject matches pattern using NATS token rules:
// '*' matches one token, a trailing '>' matches one or more tokens.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
