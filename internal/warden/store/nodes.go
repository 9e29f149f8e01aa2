package store

import (
	"context"
	"fmt"
	"time"
)

// Node is one gateway node in the cluster registry.
type Node struct {
	NodeID     string
	WSURL      string
	LastSeenAt time.Time
}

// UpsertNode records a node heartbeat, inserting the row on first contact.
func (s *Store) UpsertNode(ctx context.Context, nodeID, wsURL string) error {
	now := time.Now().UTC()
	var query string
	if s.dialect == DialectPostgres {
		query = `
			INSERT INTO gateway_nodes (node_id, ws_url, last_seen_at) VALUES (?, ?, ?)
			ON CONFLICT (node_id) DO UPDATE SET ws_url = EXCLUDED.ws_url, last_seen_at = EXCLUDED.last_seen_at`
	} else {
		query = `
			INSERT INTO gateway_nodes (node_id, ws_url, last_seen_at) VALUES (?, ?, ?)
			ON CONFLICT (node_id) DO UPDATE SET ws_url = excluded.ws_url, last_seen_at = excluded.last_seen_at`
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(query), nodeID, wsURL, now); err != nil {
		return fmt.Errorf("store: upsert node: %w", err)
	}
	return nil
}

// GetNode returns the registry row for one node, or nil when absent.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT node_id, ws_url, last_seen_at FROM gateway_nodes WHERE node_id = ?"), nodeID)
	if err != nil {
		return nil, fmt.Errorf("store: get node: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	n := &Node{}
	if err := rows.Scan(&n.NodeID, &n.WSURL, &n.LastSeenAt); err != nil {
		return nil, fmt.Errorf("store: scan node: %w", err)
	}
	return n, nil
}

// ListNodes returns nodes seen since the cutoff.
func (s *Store) ListNodes(ctx context.Context, seenSince time.Time) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT node_id, ws_url, last_seen_at FROM gateway_nodes WHERE last_seen_at >= ? ORDER BY node_id"),
		seenSince.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n := &Node{}
		if err := rows.Scan(&n.NodeID, &n.WSURL, &n.LastSeenAt); err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RemoveNode deletes a node from the registry (normally on graceful shutdown).
func (s *Store) RemoveNode(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM gateway_nodes WHERE node_id = ?"), nodeID); err != nil {
		return fmt.Errorf("store: remove node: %w", err)
	}
	return nil
}
