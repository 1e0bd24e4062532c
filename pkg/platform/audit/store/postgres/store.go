// Package postgres persists audit events durably. Events are append-only;
// there is no update or delete path.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	id "proxyvote/pkg/domain"
	audit "proxyvote/pkg/platform/audit"
)

// Schema creates the audit table. Applied by integration tests; production
// deployments run migrations out of band.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         BIGSERIAL PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	actor      UUID,
	action     TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events (actor, ts);
`

// Store is the postgres-backed audit store.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	var actor any
	if !event.Actor.IsZero() {
		actor = event.Actor.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (ts, actor, action, outcome, reason, request_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.Timestamp, actor, event.Action, string(event.Outcome), event.Reason, event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *Store) ListByActor(ctx context.Context, actor id.AccountID) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, actor, action, outcome, reason, request_id
		 FROM audit_events WHERE actor = $1 ORDER BY ts`,
		actor.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, actor, action, outcome, reason, request_id
		 FROM audit_events ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent audit events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// Restore emission order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var event audit.Event
		var actor sql.NullString
		var outcome string
		if err := rows.Scan(&event.Timestamp, &actor, &event.Action, &outcome,
			&event.Reason, &event.RequestID); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if actor.Valid {
			parsed, err := id.ParseAccountID(actor.String)
			if err != nil {
				return nil, fmt.Errorf("parse audit actor: %w", err)
			}
			event.Actor = parsed
		}
		event.Outcome = audit.Outcome(outcome)
		events = append(events, event)
	}
	return events, rows.Err()
}
