package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/CrawlFleet/internal/domain"
	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/database"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
)

const (
	defaultBodyLimit  = 1 << 20
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Registry is the part of the register center the admin API exposes.
type Registry interface {
	Agents() []agent.Record
	Agent(agentID string) (agent.Record, error)
	Assignments() []download.Assignment
	Snapshot() map[string]int
	Selector() string
	SubmitRequest(ctx context.Context, req download.Request) (*download.Assignment, error)
}

// Handlers holds the collaborators of the admin API. Store and Queue are
// optional; without a store the history endpoints answer 404.
type Handlers struct {
	Center    Registry
	Store     database.Store
	Queue     messagequeue.Queue
	BodyLimit int64
}

func (h *Handlers) bodyLimit() int64 {
	if h.BodyLimit > 0 {
		return h.BodyLimit
	}
	return defaultBodyLimit
}

type healthStatus struct {
	Status   string         `json:"status"`
	Channel  string         `json:"channel"`
	Store    string         `json:"store"`
	Selector string         `json:"selector"`
	Agents   map[string]int `json:"agents"`
}

// Health reports the center's readiness. A disconnected message channel
// makes the center unable to route and answers 503.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	st := healthStatus{
		Status:   "ok",
		Channel:  "connected",
		Store:    "disabled",
		Selector: h.Center.Selector(),
		Agents:   h.Center.Snapshot(),
	}
	if h.Store != nil {
		st.Store = "enabled"
	}
	code := http.StatusOK
	if h.Queue != nil && !h.Queue.IsConnected() {
		st.Status = "degraded"
		st.Channel = "disconnected"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

// ListAgents returns every registered agent record.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	handleList(h.Center.Agents)(w, r)
}

// GetAgent returns one agent record.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Center.Agent, "agent not found")(w, r)
}

// ListAgentEvents returns the audit trail of one agent, newest first.
func (h *Handlers) ListAgentEvents(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusNotFound, "audit store disabled")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	handleListByParam("id", func(ctx context.Context, id string) ([]database.AgentEvent, error) {
		return h.Store.ListAgentEvents(ctx, id, limit)
	}, "agent not found")(w, r)
}

// ListAssignments returns the live dispatch assignments.
func (h *Handlers) ListAssignments(w http.ResponseWriter, r *http.Request) {
	handleList(h.Center.Assignments)(w, r)
}

// SubmitRequest routes a download request, as the scheduler would over the
// message channel.
func (h *Handlers) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	handleCreate(h.bodyLimit(), http.StatusAccepted, func(ctx context.Context, req *download.Request) (*download.Assignment, error) {
		if req.RetryCount != 0 {
			return nil, fmt.Errorf("%w: retry_count is managed by the center", domain.ErrInvalidInput)
		}
		return h.Center.SubmitRequest(ctx, *req)
	})(w, r)
}

// ListRequestAssignments returns the dispatch history of one request.
func (h *Handlers) ListRequestAssignments(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusNotFound, "audit store disabled")
		return
	}
	if chi.URLParam(r, "id") == "" {
		writeError(w, http.StatusBadRequest, "request id is required")
		return
	}
	handleListByParam("id", h.Store.ListAssignments, "request not found")(w, r)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultEventLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxEventLimit), nil
}
