package messagequeue

import (
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
	"github.com/Strob0t/CrawlFleet/internal/domain/connectivity"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
)

// RegisterPayload is the schema for center.register messages.
type RegisterPayload struct {
	Identity  agent.Identity `json:"identity"`
	Timestamp time.Time      `json:"timestamp"`
}

// HeartbeatPayload is the schema for center.heartbeat messages.
type HeartbeatPayload struct {
	AgentID       string              `json:"agent_id"`
	InFlight      int                 `json:"in_flight"`
	Connectivity  connectivity.Report `json:"connectivity"`
	CPUPercent    float64             `json:"cpu"`
	MemoryPercent float64             `json:"mem"`
	Timestamp     time.Time           `json:"timestamp"`
}

// ResultPayload is the schema for center.result messages.
type ResultPayload struct {
	AssignmentID string           `json:"assignment_id"`
	RequestID    string           `json:"request_id"`
	AgentID      string           `json:"agent_id"`
	Outcome      download.Outcome `json:"outcome"`
}

// DeregisterPayload is the schema for center.deregister messages.
type DeregisterPayload struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SubmitPayload is the schema for center.submit messages.
type SubmitPayload struct {
	Request download.Request `json:"request"`
}

// RegisteredPayload is the schema for agent.<id>.registered messages.
type RegisteredPayload struct {
	AgentID string `json:"agent_id"`
	Topic   string `json:"topic"`
}

// ControlPayload is the schema for agent.<id>.control messages.
type ControlPayload struct {
	AgentID string `json:"agent_id"`
	Command string `json:"command"`
}

// DispatchPayload is the schema for agent.<slug>.dispatch messages.
type DispatchPayload struct {
	AssignmentID string           `json:"assignment_id"`
	Request      download.Request `json:"request"`
	Deadline     time.Time        `json:"deadline"`
}

// CompletedPayload is the schema for scheduler.completed messages.
type CompletedPayload struct {
	RequestID    string           `json:"request_id"`
	AgentID      string           `json:"agent_id"`
	AssignmentID string           `json:"assignment_id"`
	Outcome      download.Outcome `json:"outcome"`
}

// FailedPayload is the schema for scheduler.failed messages.
type FailedPayload struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
	Attempts  int    `json:"attempts"`
}
