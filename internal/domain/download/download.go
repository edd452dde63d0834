// Package download defines download requests, dispatch assignments and their outcomes.
package download

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain"
)

// Request identifies one logical unit of download work. It is immutable once dispatched.
type Request struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	OwnerID    string            `json:"owner_id,omitempty"`
	RetryCount int               `json:"retry_count"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Validate checks the fields routing and execution depend on.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: request id is required", domain.ErrInvalidInput)
	}
	if r.URL == "" {
		return fmt.Errorf("%w: request url is required", domain.ErrInvalidInput)
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: request url %q is not absolute", domain.ErrInvalidInput, r.URL)
	}
	return nil
}

// Retry returns a copy of the request for the next dispatch attempt.
func (r Request) Retry() Request {
	r.RetryCount++
	return r
}

// ContentionKey returns the lock key for the resource's contention domain:
// the lowercase target host without port.
func (r *Request) ContentionKey() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" {
		return strings.ToLower(r.URL)
	}
	host := u.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// Assignment binds a request to one agent at a point in time.
type Assignment struct {
	ID         string    `json:"id"`
	Request    Request   `json:"request"`
	AgentID    string    `json:"agent_id"`
	Topic      string    `json:"topic"`
	AssignedAt time.Time `json:"assigned_at"`
	Deadline   time.Time `json:"deadline"`
}

// Expired reports whether the assignment deadline has passed.
func (a *Assignment) Expired(now time.Time) bool {
	return !a.Deadline.IsZero() && now.After(a.Deadline)
}

// OutcomeKind classifies how a dispatch attempt ended.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeAbandoned OutcomeKind = "abandoned"
)

// Outcome is the result an agent reports for an assignment.
type Outcome struct {
	Kind       OutcomeKind   `json:"kind"`
	Reason     string        `json:"reason,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Bytes      int64         `json:"bytes,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// Success builds a successful outcome.
func Success(statusCode int, bytes int64, d time.Duration) Outcome {
	return Outcome{Kind: OutcomeSuccess, StatusCode: statusCode, Bytes: bytes, Duration: d}
}

// Failure builds a failed outcome with the given reason.
func Failure(reason string) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: reason}
}

// Abandoned builds an abandoned outcome with the given reason.
func Abandoned(reason string) Outcome {
	return Outcome{Kind: OutcomeAbandoned, Reason: reason}
}

// Valid reports whether the outcome kind is one of the known values.
func (o Outcome) Valid() bool {
	switch o.Kind {
	case OutcomeSuccess, OutcomeFailure, OutcomeAbandoned:
		return true
	}
	return false
}
