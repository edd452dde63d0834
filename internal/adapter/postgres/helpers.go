package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Strob0t/CrawlFleet/internal/domain"
	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/database"
)

// assignmentColumns is the column list scanAssignment reads, in order.
const assignmentColumns = `assignment_id, request_id, agent_id, url, attempt, assigned_at, deadline, settled_at, outcome, reason`

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (database.AssignmentRecord, error) {
	var (
		r        database.AssignmentRecord
		deadline *time.Time
		outcome  string
	)
	if err := row.Scan(&r.AssignmentID, &r.RequestID, &r.AgentID, &r.URL, &r.Attempt,
		&r.AssignedAt, &deadline, &r.SettledAt, &outcome, &r.Reason); err != nil {
		return r, err
	}
	if deadline != nil {
		r.Deadline = *deadline
	}
	r.Outcome = download.OutcomeKind(outcome)
	return r, nil
}

// nullableTime stores a zero deadline as NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// nonNil keeps empty result sets encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// wrapNoRows maps pgx.ErrNoRows to domain.ErrNotFound.
func wrapNoRows(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// expectOneRow reports domain.ErrNotFound when an update matched nothing,
// which for settlement means unknown or already settled.
func expectOneRow(tag pgconn.CommandTag, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return nil
}
