package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendEvent appends an event with a monotonically increasing per-cast sequence.
// Uses an immediate write lock to keep the sequence correct under concurrency.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *CastEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction. A
	// write-intent statement forces lock acquisition before we read the
	// current max sequence, so two writers cannot pick the same number.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM cast_events WHERE cast_id = ?`, event.CastID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var stepID any
	if event.StepID != nil {
		stepID = *event.StepID
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cast_events (cast_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.CastID, stepID, event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a cast with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, castID string, since int64) ([]*CastEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cast_id, step_id, event_type, payload, timestamp, sequence
		 FROM cast_events WHERE cast_id = ? AND sequence > ? ORDER BY sequence ASC`,
		castID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*CastEvent
	for rows.Next() {
		e := &CastEvent{}
		var stepID sql.NullInt64
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.CastID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		if stepID.Valid {
			v := int(stepID.Int64)
			e.StepID = &v
		}
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
