package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cloud-shuttle/muster/pkg/types"
)

// AppendEvent inserts an audit record. Events are append-only; there is
// no update or delete path.
func (s *Store) AppendEvent(ev *types.Event) (*types.Event, error) {
	metadata, err := ev.MarshalMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to encode event metadata: %w", err)
	}

	now := types.Now()
	res, err := s.db.Exec(`
		INSERT INTO events (protocol_run_id, step_run_id, event_type, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ProtocolRunID, ev.StepRunID, ev.EventType, ev.Message, metadata, now)
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get event id: %w", err)
	}

	out := *ev
	out.ID = id
	out.CreatedAt = now
	return &out, nil
}

// ListEvents returns a run's events in insertion order.
func (s *Store) ListEvents(runID int64) ([]*types.Event, error) {
	rows, err := s.db.Query(`
		SELECT id, protocol_run_id, step_run_id, event_type, message, metadata, created_at
		FROM events WHERE protocol_run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*types.Event, error) {
	var ev types.Event
	var metadata sql.NullString
	err := row.Scan(&ev.ID, &ev.ProtocolRunID, &ev.StepRunID, &ev.EventType, &ev.Message, &metadata, &ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode event metadata: %w", err)
		}
	}
	return &ev, nil
}
