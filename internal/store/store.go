// Package store is the single schema module shared by the recalculator and
// the façade adapter: trip rows, audit events, and the three quota counter
// tables, all behind one *sql.DB handle.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Store wraps a *sql.DB with the core's persistence operations.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened database handle. Callers own the handle's
// lifecycle (pooling, Close).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for packages (quota, recalc) that need
// direct transactional access to rows this package doesn't itself own.
func (s *Store) DB() *sql.DB {
	return s.db
}

// AppendEvent appends one audit entry in its own transaction. It implements
// quota.AuditAppender and is also called directly by the recalculator and
// the façade adapter (C7 is a single operation shared by every writer).
func (s *Store) AppendEvent(ctx context.Context, tripID, kind string, payload map[string]interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal event payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin append-event tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trip_updates (trip_id, kind, payload) VALUES ($1, $2, $3)`,
		tripID, kind, body,
	); err != nil {
		return fmt.Errorf("store: insert trip_update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit append-event tx: %w", err)
	}
	return nil
}

// ListEvents returns a trip's audit trail in commit order, most recent
// last. Used by the admin CLI's history command.
func (s *Store) ListEvents(ctx context.Context, tripID string) ([]TripUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trip_id, created_at, kind, payload
		FROM trip_updates WHERE trip_id = $1 ORDER BY id ASC`,
		tripID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []TripUpdate
	for rows.Next() {
		var u TripUpdate
		var raw []byte
		if err := rows.Scan(&u.ID, &u.TripID, &u.CreatedAt, &u.Kind, &raw); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &u.Payload); err != nil {
				return nil, fmt.Errorf("store: unmarshal event payload: %w", err)
			}
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
