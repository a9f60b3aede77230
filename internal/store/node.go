package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Node statuses.
const (
	NodeStatusOnline  = "online"
	NodeStatusBusy    = "busy"
	NodeStatusOffline = "offline"
)

// Node is a remote transcription worker registration.
type Node struct {
	ID            string
	DisplayName   string
	URL           sql.NullString
	APIKeyHash    string
	DeclaredModel sql.NullString
	Status        string
	LastHeartbeat sql.NullTime
	CurrentJobID  sql.NullString
	Priority      int
	Persistent    bool
	PodID         sql.NullString
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const nodeColumns = `id, display_name, url, api_key_hash, declared_model, status, last_heartbeat,
	current_job_id, priority, persistent, pod_id, created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	var persistent int
	err := row.Scan(&n.ID, &n.DisplayName, &n.URL, &n.APIKeyHash, &n.DeclaredModel, &n.Status,
		&n.LastHeartbeat, &n.CurrentJobID, &n.Priority, &persistent, &n.PodID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.Persistent = persistent != 0
	return &n, nil
}

// CreateNode inserts a new node registration, offline until its first
// heartbeat.
func (s *Store) CreateNode(ctx context.Context, n *Node) error {
	now := time.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now
	if n.Status == "" {
		n.Status = NodeStatusOffline
	}
	persistent := 0
	if n.Persistent {
		persistent = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.DisplayName, n.URL, n.APIKeyHash, n.DeclaredModel, n.Status, n.LastHeartbeat,
		n.CurrentJobID, n.Priority, persistent, n.PodID, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// GetNode fetches a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// ListNodes returns every registered node.
func (s *Store) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListOnlineNodesByModel returns online/busy nodes whose declared model
// matches (or is unset), ordered by (priority ASC, last_heartbeat ASC)
// to spread load across equally-ranked nodes.
func (s *Store) ListOnlineNodesByModel(ctx context.Context, model string) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE status IN (?, ?) AND (declared_model = ? OR declared_model IS NULL)
		ORDER BY priority ASC, last_heartbeat ASC`,
		NodeStatusOnline, NodeStatusBusy, model)
	if err != nil {
		return nil, fmt.Errorf("list online nodes by model: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetNodeStatus updates a node's status (used by the heartbeat sweep and
// by the batched heartbeat-timestamp flush).
func (s *Store) SetNodeStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set node status: %w", err)
	}
	return nil
}

// FlushHeartbeats batch-persists in-memory heartbeat timestamps, keyed
// by node id. Node status is left unchanged; the coordinator sets it
// separately. Called every NODE_HEARTBEAT_FLUSH_INTERVAL_SECONDS by the
// coordinator.
func (s *Store) FlushHeartbeats(ctx context.Context, timestamps map[string]time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for nodeID, ts := range timestamps {
			_, err := tx.ExecContext(ctx, `
				UPDATE nodes SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
				ts, time.Now().UTC(), nodeID)
			if err != nil {
				return fmt.Errorf("flush heartbeat for %s: %w", nodeID, err)
			}
		}
		return nil
	})
}

// MarkStaleNodesOffline sets status=offline for every node whose
// persisted last_heartbeat predates the cutoff. The coordinator also
// keeps a faster in-memory check; this is the persisted fallback so a
// server restart doesn't show stale nodes as online.
func (s *Store) MarkStaleNodesOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET status = ?, updated_at = ?
		WHERE status != ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		NodeStatusOffline, time.Now().UTC(), NodeStatusOffline, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark stale nodes offline: %w", err)
	}
	return res.RowsAffected()
}

// DeleteNode removes a node registration (admin delete, or termination
// cleanup). Does not cascade to jobs — callers release assignments first.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}
