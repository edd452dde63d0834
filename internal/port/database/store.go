// Package database defines the registry audit store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
)

// AgentEvent is one lifecycle change of an agent record.
type AgentEvent struct {
	AgentID  string       `json:"agent_id"`
	Hostname string       `json:"hostname"`
	Status   agent.Status `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	At       time.Time    `json:"at"`
}

// AssignmentRecord is the settled or open history of one dispatch attempt.
type AssignmentRecord struct {
	AssignmentID string               `json:"assignment_id"`
	RequestID    string               `json:"request_id"`
	AgentID      string               `json:"agent_id"`
	URL          string               `json:"url"`
	Attempt      int                  `json:"attempt"`
	AssignedAt   time.Time            `json:"assigned_at"`
	Deadline     time.Time            `json:"deadline"`
	SettledAt    *time.Time           `json:"settled_at,omitempty"`
	Outcome      download.OutcomeKind `json:"outcome,omitempty"`
	Reason       string               `json:"reason,omitempty"`
}

// Store persists the center's audit trail. Writes are best effort; the
// in-memory registry remains the source of truth.
type Store interface {
	// Agent lifecycle
	RecordAgentEvent(ctx context.Context, ev AgentEvent) error
	ListAgentEvents(ctx context.Context, agentID string, limit int) ([]AgentEvent, error)

	// Dispatch attempts
	RecordAssignment(ctx context.Context, a *download.Assignment) error
	SettleAssignment(ctx context.Context, assignmentID string, outcome download.Outcome, at time.Time) error
	ListAssignments(ctx context.Context, requestID string) ([]AssignmentRecord, error)
}
