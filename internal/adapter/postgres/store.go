package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/CrawlFleet/internal/domain/agent"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/database"
)

// defaultEventLimit caps ListAgentEvents when the caller passes no limit.
const defaultEventLimit = 100

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Agent events ---

func (s *Store) RecordAgentEvent(ctx context.Context, ev database.AgentEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_events (agent_id, hostname, status, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.AgentID, ev.Hostname, string(ev.Status), ev.Detail, at)
	if err != nil {
		return fmt.Errorf("record agent event %s: %w", ev.AgentID, err)
	}
	return nil
}

func (s *Store) ListAgentEvents(ctx context.Context, agentID string, limit int) ([]database.AgentEvent, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, hostname, status, detail, created_at
		 FROM agent_events WHERE agent_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list agent events %s: %w", agentID, err)
	}
	defer rows.Close()

	var events []database.AgentEvent
	for rows.Next() {
		var ev database.AgentEvent
		var status string
		if err := rows.Scan(&ev.AgentID, &ev.Hostname, &status, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scan agent event: %w", err)
		}
		ev.Status = agent.Status(status)
		events = append(events, ev)
	}
	return nonNil(events), rows.Err()
}

// --- Assignments ---

func (s *Store) RecordAssignment(ctx context.Context, a *download.Assignment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assignments (assignment_id, request_id, agent_id, url, attempt, assigned_at, deadline)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (assignment_id) DO NOTHING`,
		a.ID, a.Request.ID, a.AgentID, a.Request.URL, a.Request.RetryCount, a.AssignedAt, nullableTime(a.Deadline))
	if err != nil {
		return fmt.Errorf("record assignment %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) SettleAssignment(ctx context.Context, assignmentID string, outcome download.Outcome, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assignments SET settled_at = $2, outcome = $3, reason = $4
		 WHERE assignment_id = $1 AND settled_at IS NULL`,
		assignmentID, at, string(outcome.Kind), outcome.Reason)
	return expectOneRow(tag, err, "settle assignment %s", assignmentID)
}

func (s *Store) ListAssignments(ctx context.Context, requestID string) ([]database.AssignmentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assignmentColumns+` FROM assignments
		 WHERE request_id = $1 ORDER BY assigned_at, attempt`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list assignments %s: %w", requestID, err)
	}
	defer rows.Close()

	var out []database.AssignmentRecord
	for rows.Next() {
		r, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return nonNil(out), rows.Err()
}

// GetAssignment returns one assignment row.
func (s *Store) GetAssignment(ctx context.Context, assignmentID string) (database.AssignmentRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE assignment_id = $1`, assignmentID)
	r, err := scanAssignment(row)
	if err != nil {
		return database.AssignmentRecord{}, wrapNoRows(err, "get assignment %s", assignmentID)
	}
	return r, nil
}
