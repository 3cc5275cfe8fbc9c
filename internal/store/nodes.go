package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const nodeColumns = `id, name, url, api_key_hash, model, backend, status, last_heartbeat,
	current_job_id, priority, ephemeral, instance_id, created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	var heartbeat, currentJob sql.NullInt64
	var status string
	var ephemeral int
	var createdAt, updatedAt int64
	err := row.Scan(&n.ID, &n.Name, &n.URL, &n.APIKeyHash, &n.Model, &n.Backend, &status,
		&heartbeat, &currentJob, &n.Priority, &ephemeral, &n.InstanceID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}
	n.Status = NodeStatus(status)
	n.LastHeartbeat = scanTime(heartbeat)
	if currentJob.Valid {
		n.CurrentJobID = &currentJob.Int64
	}
	n.Ephemeral = ephemeral != 0
	n.CreatedAt = scanTimeValue(createdAt)
	n.UpdatedAt = scanTimeValue(updatedAt)
	return &n, nil
}

// CreateNode persists a freshly registered node. The caller supplies the
// hashed api key; the plaintext is surfaced once and never stored.
func (s *Store) CreateNode(ctx context.Context, n *Node) error {
	now := time.Now().UTC()
	if n.Status == "" {
		n.Status = NodeOffline
	}
	if n.Priority == 0 {
		n.Priority = 10
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, name, url, api_key_hash, model, backend, status, priority, ephemeral, instance_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Name, n.URL, n.APIKeyHash, n.Model, n.Backend, string(n.Status),
		n.Priority, boolInt(n.Ephemeral), n.InstanceID, timeVal(now), timeVal(now))
	if err != nil {
		return fmt.Errorf("failed to insert node: %w", err)
	}
	n.CreatedAt = now
	n.UpdatedAt = now
	return nil
}

// GetNode returns a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	return scanNode(row)
}

// GetNodeByKeyHash returns the node owning the hashed api key.
func (s *Store) GetNodeByKeyHash(ctx context.Context, hash string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE api_key_hash = ?`, hash)
	return scanNode(row)
}

// GetNodeByInstance returns the node backed by a provisioned instance.
func (s *Store) GetNodeByInstance(ctx context.Context, instanceID string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE instance_id = ?`, instanceID)
	return scanNode(row)
}

// ListNodes returns all registered nodes ordered by priority.
func (s *Store) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY priority, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// UpdateNodeStatus sets the liveness state of a node.
func (s *Store) UpdateNodeStatus(ctx context.Context, id string, status NodeStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), timeVal(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update node status: %w", err)
	}
	return nil
}

// UpdateNodeCurrentJob records the job a node is working on (nil clears it).
func (s *Store) UpdateNodeCurrentJob(ctx context.Context, id string, jobID *int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET current_job_id = ?, updated_at = ? WHERE id = ?`,
		nullableInt64(jobID), timeVal(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update node current job: %w", err)
	}
	return nil
}

// FlushHeartbeats writes a batch of in-memory heartbeat timestamps to the
// store in one transaction. Called periodically, never on the hot path.
func (s *Store) FlushHeartbeats(ctx context.Context, beats map[string]time.Time) error {
	if len(beats) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin heartbeat flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE nodes SET last_heartbeat = ?, updated_at = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare heartbeat flush: %w", err)
	}
	defer stmt.Close()

	now := timeVal(time.Now().UTC())
	for id, at := range beats {
		if _, err := stmt.ExecContext(ctx, timeVal(at), now, id); err != nil {
			return fmt.Errorf("failed to flush heartbeat for node %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// DeleteNode removes a node registration. Jobs assigned to it are not
// cascaded; the caller releases them first.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
