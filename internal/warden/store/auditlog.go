package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AuditRow is the persisted form of one audit event.
type AuditRow struct {
	Action       string
	ResourceType sql.NullString
	ResourceID   sql.NullString
	ActorID      sql.NullString
	Details      sql.NullString // free-form JSON
	Outcome      string
	CreatedAt    time.Time
}

// AuditFilter narrows QueryAudit results. Zero values mean "no constraint".
type AuditFilter struct {
	Action       string
	Outcome      string
	ResourceType string
	ActorID      string
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// AuditStats summarizes the audit log.
type AuditStats struct {
	Total          int64
	ByOutcome      map[string]int64
	ByAction       map[string]int64
	ByResourceType map[string]int64
}

// InsertAuditBatch writes all rows in a single transaction. Either every row
// lands or none does; the caller retries the whole batch on error.
func (s *Store) InsertAuditBatch(ctx context.Context, rows []AuditRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin audit batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO audit_log (action, resource_type, resource_id, actor_id, details, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: prepare audit insert: %w", err)
	}
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.Action, r.ResourceType, r.ResourceID, r.ActorID, r.Details, r.Outcome, r.CreatedAt); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("store: insert audit row: %w", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit audit batch: %w", err)
	}
	return nil
}

// QueryAudit returns rows matching the filter, newest first.
func (s *Store) QueryAudit(ctx context.Context, f AuditFilter) ([]AuditRow, error) {
	var (
		conds []string
		args  []any
	)
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if f.ResourceType != "" {
		conds = append(conds, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.Until.UTC())
	}

	query := "SELECT action, resource_type, resource_id, actor_id, details, outcome, created_at FROM audit_log"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.Action, &r.ResourceType, &r.ResourceID, &r.ActorID,
			&r.Details, &r.Outcome, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan audit row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetAuditStats aggregates totals across the whole audit log.
func (s *Store) GetAuditStats(ctx context.Context) (*AuditStats, error) {
	stats := &AuditStats{
		ByOutcome:      make(map[string]int64),
		ByAction:       make(map[string]int64),
		ByResourceType: make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM audit_log").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("store: audit total: %w", err)
	}

	type grouping struct {
		query string
		dest  map[string]int64
	}
	for _, g := range []grouping{
		{"SELECT outcome, COUNT(1) FROM audit_log GROUP BY outcome", stats.ByOutcome},
		{"SELECT action, COUNT(1) FROM audit_log GROUP BY action", stats.ByAction},
		{"SELECT COALESCE(resource_type, ''), COUNT(1) FROM audit_log GROUP BY resource_type", stats.ByResourceType},
	} {
		rows, err := s.db.QueryContext(ctx, g.query)
		if err != nil {
			return nil, fmt.Errorf("store: audit stats: %w", err)
		}
		for rows.Next() {
			var key string
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: scan audit stats: %w", err)
			}
			if key != "" {
				g.dest[key] = n
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return stats, nil
}
