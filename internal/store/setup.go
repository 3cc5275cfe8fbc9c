package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveSetupState upserts the setup record for an ephemeral instance.
func (s *Store) SaveSetupState(ctx context.Context, st *PodSetupState) error {
	now := time.Now().UTC()
	steps, err := json.Marshal(st.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal setup steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pod_setup_states (instance_id, pod_id, persistent, phase, steps, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE SET
			pod_id = excluded.pod_id,
			persistent = excluded.persistent,
			phase = excluded.phase,
			steps = excluded.steps,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		st.InstanceID, st.PodID, boolInt(st.Persistent), string(st.Phase),
		string(steps), st.Error, timeVal(now), timeVal(now))
	if err != nil {
		return fmt.Errorf("failed to save setup state: %w", err)
	}
	st.UpdatedAt = now
	return nil
}

// GetSetupState returns the setup record for an instance.
func (s *Store) GetSetupState(ctx context.Context, instanceID string) (*PodSetupState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, pod_id, persistent, phase, steps, error, created_at, updated_at
		FROM pod_setup_states WHERE instance_id = ?`, instanceID)
	return scanSetupState(row)
}

// ListSetupStates returns all setup records, newest first.
func (s *Store) ListSetupStates(ctx context.Context) ([]*PodSetupState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, pod_id, persistent, phase, steps, error, created_at, updated_at
		FROM pod_setup_states ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list setup states: %w", err)
	}
	defer rows.Close()

	var states []*PodSetupState
	for rows.Next() {
		st, err := scanSetupState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// DeleteSetupState clears the setup record after teardown.
func (s *Store) DeleteSetupState(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pod_setup_states WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete setup state: %w", err)
	}
	return nil
}

func scanSetupState(row interface{ Scan(...any) error }) (*PodSetupState, error) {
	var st PodSetupState
	var persistent int
	var phase, steps string
	var createdAt, updatedAt int64
	err := row.Scan(&st.InstanceID, &st.PodID, &persistent, &phase, &steps, &st.Error, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan setup state: %w", err)
	}
	st.Persistent = persistent != 0
	st.Phase = SetupPhase(phase)
	if err := json.Unmarshal([]byte(steps), &st.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal setup steps: %w", err)
	}
	st.CreatedAt = scanTimeValue(createdAt)
	st.UpdatedAt = scanTimeValue(updatedAt)
	return &st, nil
}
