// Package broadcast defines the port for broadcasting real-time events to connected clients.
package broadcast

import "context"

// Event types pushed to admin clients.
const (
	EventAgentStatus      = "agent.status"
	EventRequestCompleted = "request.completed"
	EventRequestFailed    = "request.failed"
	EventRequestRerouted  = "request.rerouted"
)

// Broadcaster sends real-time events to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// AgentStatusEvent is broadcast when an agent record changes status.
type AgentStatusEvent struct {
	AgentID      string `json:"agent_id"`
	Hostname     string `json:"hostname"`
	Status       string `json:"status"`
	Connectivity string `json:"connectivity,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// RequestEvent is broadcast when a request settles or is rerouted.
type RequestEvent struct {
	RequestID    string `json:"request_id"`
	AgentID      string `json:"agent_id,omitempty"`
	AssignmentID string `json:"assignment_id,omitempty"`
	Attempt      int    `json:"attempt"`
	Outcome      string `json:"outcome,omitempty"`
	Reason       string `json:"reason,omitempty"`
}
