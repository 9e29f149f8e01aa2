package trace_test

import (
	"context"
	"testing"

	"github.com/wardenhq/warden/common/trace"
)

func TestRoundTrip(t *testing.T) {
	ctx := trace.WithTraceID(context.Background(), "t_abc")
	if got := trace.FromContext(ctx); got != "t_abc" {
		t.Errorf("expected t_abc, got %q", got)
	}
	if got := trace.FromContext(context.Background()); got != "" {
		t.Errorf("expected empty trace ID, got %q", got)
	}
}

func TestEnsure(t *testing.T) {
	ctx, id := trace.Ensure(context.Background())
	if id == "" {
		t.Fatal("expected generated trace ID")
	}
	if got := trace.FromContext(ctx); got != id {
		t.Errorf("context carries %q, Ensure returned %q", got, id)
	}

	// A context that already has an ID keeps it.
	ctx2, id2 := trace.Ensure(ctx)
	if id2 != id {
		t.Errorf("expected %q, got %q", id, id2)
	}
	if ctx2 != ctx {
		t.Error("expected unchanged context")
	}
}

func TestGenerateIDUnique(t *testing.T) {
	a, b := trace.GenerateID(), trace.GenerateID()
	if a == b {
		t.Errorf("expected distinct IDs, got %q twice", a)
	}
}
