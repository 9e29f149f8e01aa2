package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	// Open already ran the migrations once; a second pass applies nothing.
	n, err := s.Migrate()
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if n != 0 {
		t.Fatalf("second Migrate applied %d, want 0", n)
	}
}

func TestAgentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Agent{ID: "calc", Name: "Calc", State: "idle"}
	if err := s.CreateAgent(ctx, a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, "calc")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Name != "Calc" || got.State != "idle" {
		t.Fatalf("got %+v", got)
	}

	if err := s.UpdateAgentState(ctx, "calc", "ready"); err != nil {
		t.Fatalf("UpdateAgentState: %v", err)
	}
	if err := s.AddAgentUsage(ctx, "calc", 100, 42); err != nil {
		t.Fatalf("AddAgentUsage: %v", err)
	}
	got, _ = s.GetAgent(ctx, "calc")
	if got.State != "ready" || got.TotalInputTokens != 100 || got.TotalOutputTokens != 42 {
		t.Fatalf("after updates: %+v", got)
	}

	if err := s.DeleteAgent(ctx, "calc"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := s.GetAgent(ctx, "calc"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound after delete, got %v", err)
	}
	// The id stays burned even after soft delete.
	exists, err := s.AgentExists(ctx, "calc")
	if err != nil || !exists {
		t.Fatalf("AgentExists = %v, %v; want true", exists, err)
	}
}

func TestUpdateMissingAgent(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateAgentState(context.Background(), "ghost", "ready"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestNodeRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertNode(ctx, "n1", "ws://h1:9100"); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if err := s.UpsertNode(ctx, "n1", "ws://h1:9200"); err != nil {
		t.Fatalf("UpsertNode update: %v", err)
	}

	n, err := s.GetNode(ctx, "n1")
	if err != nil || n == nil {
		t.Fatalf("GetNode: %v %v", n, err)
	}
	if n.WSURL != "ws://h1:9200" {
		t.Fatalf("upsert did not update ws_url: %q", n.WSURL)
	}

	nodes, err := s.ListNodes(ctx, time.Now().Add(-time.Minute))
	if err != nil || len(nodes) != 1 {
		t.Fatalf("ListNodes: %v %v", nodes, err)
	}

	if err := s.RemoveNode(ctx, "n1"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if n, _ := s.GetNode(ctx, "n1"); n != nil {
		t.Fatal("node still present after removal")
	}
}

func TestAuditBatchAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []AuditRow{
		{Action: "policy.evaluate", Outcome: "blocked", CreatedAt: now,
			ResourceType: sql.NullString{String: "file", Valid: true},
			ActorID:      sql.NullString{String: "calc", Valid: true}},
		{Action: "policy.evaluate", Outcome: "success", CreatedAt: now.Add(time.Second)},
		{Action: "capability.grant", Outcome: "success", CreatedAt: now.Add(2 * time.Second)},
	}
	if err := s.InsertAuditBatch(ctx, rows); err != nil {
		t.Fatalf("InsertAuditBatch: %v", err)
	}

	got, err := s.QueryAudit(ctx, AuditFilter{Action: "policy.evaluate"})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}

	got, err = s.QueryAudit(ctx, AuditFilter{Outcome: "blocked", ActorID: "calc"})
	if err != nil || len(got) != 1 {
		t.Fatalf("filtered query: %v rows=%d", err, len(got))
	}

	got, err = s.QueryAudit(ctx, AuditFilter{Limit: 1})
	if err != nil || len(got) != 1 {
		t.Fatalf("limited query: %v rows=%d", err, len(got))
	}
	if got[0].Action != "capability.grant" {
		t.Fatalf("expected newest first, got %q", got[0].Action)
	}

	stats, err := s.GetAuditStats(ctx)
	if err != nil {
		t.Fatalf("GetAuditStats: %v", err)
	}
	if stats.Total != 3 || stats.ByAction["policy.evaluate"] != 2 || stats.ByOutcome["blocked"] != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}
