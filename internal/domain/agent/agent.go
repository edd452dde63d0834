// Package agent defines the downloader agent identity and the center-side agent record.
package agent

import (
	"fmt"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain"
	"github.com/Strob0t/CrawlFleet/internal/domain/connectivity"
)

// Status represents the center's view of an agent.
type Status string

const (
	StatusRegistering Status = "registering"
	StatusHealthy     Status = "healthy"
	StatusSuspect     Status = "suspect"
	StatusEvicted     Status = "evicted"
)

// Identity identifies one agent process. It is created once at agent start and never mutated.
type Identity struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	Address   string    `json:"address"`
	StartedAt time.Time `json:"started_at"`
}

// Validate checks the fields the center relies on.
func (i Identity) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: agent id is required", domain.ErrInvalidInput)
	}
	if i.StartedAt.IsZero() {
		return fmt.Errorf("%w: agent start time is required", domain.ErrInvalidInput)
	}
	return nil
}

// SameProcess reports whether two identities describe the same agent process.
func (i Identity) SameProcess(other Identity) bool {
	return i.ID == other.ID && i.StartedAt.Equal(other.StartedAt)
}

// Load is a host resource sample carried in heartbeats.
type Load struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Record is the center-owned, mutable state of a registered agent.
type Record struct {
	Identity      Identity            `json:"identity"`
	Status        Status              `json:"status"`
	Topic         string              `json:"topic"`
	InFlight      int                 `json:"in_flight"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	LastAssigned  time.Time           `json:"last_assigned"`
	RegisteredAt  time.Time           `json:"registered_at"`
	Connectivity  connectivity.Report `json:"connectivity"`
	Load          Load                `json:"load"`
}

// Routable reports whether the record may receive new dispatch assignments.
func (r *Record) Routable() bool {
	return r.Status == StatusHealthy
}

// Transition moves the record to the given status if the lifecycle allows it.
func (r *Record) Transition(to Status) error {
	if r.Status == to {
		return nil
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	return nil
}

// CanTransition reports whether an agent record may move from one status to another.
// Evicted is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusRegistering:
		return to == StatusHealthy || to == StatusEvicted
	case StatusHealthy:
		return to == StatusSuspect || to == StatusEvicted
	case StatusSuspect:
		return to == StatusHealthy || to == StatusEvicted
	default:
		return false
	}
}
