package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAgentNotFound is returned when the requested agent row does not exist.
var ErrAgentNotFound = errors.New("store: agent not found")

// Agent is the persisted form of an agent. Runtime state (worker handles,
// pending tasks) lives in the supervisor; this row is what survives restarts
// and what other cluster nodes see.
type Agent struct {
	ID                string
	Name              string
	State             string
	CreatedAt         time.Time
	NodeID            sql.NullString
	Metadata          sql.NullString
	TotalInputTokens  int64
	TotalOutputTokens int64
	DeletedAt         sql.NullTime
}

// CreateAgent inserts a new agent row.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO agents (id, name, state, created_at, node_id, metadata, total_input_tokens, total_output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.Name, a.State, a.CreatedAt, a.NodeID, a.Metadata, a.TotalInputTokens, a.TotalOutputTokens)
	if err != nil {
		return fmt.Errorf("store: create agent: %w", err)
	}
	return nil
}

// GetAgent retrieves a live (non-deleted) agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, state, created_at, node_id, metadata, total_input_tokens, total_output_tokens, deleted_at
		FROM agents WHERE id = ? AND deleted_at IS NULL
	`), id).Scan(&a.ID, &a.Name, &a.State, &a.CreatedAt, &a.NodeID, &a.Metadata,
		&a.TotalInputTokens, &a.TotalOutputTokens, &a.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all live agents.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, state, created_at, node_id, metadata, total_input_tokens, total_output_tokens, deleted_at
		FROM agents WHERE deleted_at IS NULL ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a := &Agent{}
		if err := rows.Scan(&a.ID, &a.Name, &a.State, &a.CreatedAt, &a.NodeID, &a.Metadata,
			&a.TotalInputTokens, &a.TotalOutputTokens, &a.DeletedAt); err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgentState sets the persisted lifecycle state.
func (s *Store) UpdateAgentState(ctx context.Context, id, state string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE agents SET state = ? WHERE id = ? AND deleted_at IS NULL"), state, id)
	if err != nil {
		return fmt.Errorf("store: update agent state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// AddAgentUsage accumulates token usage onto the agent row.
func (s *Store) AddAgentUsage(ctx context.Context, id string, inputTokens, outputTokens int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agents
		SET total_input_tokens = total_input_tokens + ?,
		    total_output_tokens = total_output_tokens + ?
		WHERE id = ? AND deleted_at IS NULL
	`), inputTokens, outputTokens, id)
	if err != nil {
		return fmt.Errorf("store: add agent usage: %w", err)
	}
	return nil
}

// DeleteAgent soft-deletes the agent. A terminated agent is never reused, so
// the row is kept for accounting and the id stays burned.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE agents SET deleted_at = ?, state = 'terminated' WHERE id = ? AND deleted_at IS NULL"),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// AgentExists reports whether an agent id has ever been used, including
// soft-deleted rows.
func (s *Store) AgentExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT COUNT(1) FROM agents WHERE id = ?"), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: agent exists: %w", err)
	}
	return n > 0, nil
}
