package budget

import (
	"testing"
	"time"
)

func TestRecordAccumulates(t *testing.T) {
	tr := NewTracker(10, Daily)
	tr.Record(Usage{Provider: "a", Model: "m", InputTokens: 100, OutputTokens: 50, CostUSD: 0.5})
	tr.Record(Usage{Provider: "a", Model: "m", InputTokens: 200, OutputTokens: 100, CostUSD: 1.0})

	totals := tr.WindowTotals()
	if totals.InputTokens != 300 || totals.OutputTokens != 150 || totals.Requests != 2 {
		t.Fatalf("totals: %+v", totals)
	}
	if totals.CostUSD != 1.5 {
		t.Fatalf("cost: %v", totals.CostUSD)
	}
	if p := tr.ProviderTotals("a"); p.Requests != 2 {
		t.Fatalf("provider totals: %+v", p)
	}
}

func TestUnderBudget(t *testing.T) {
	tr := NewTracker(1.0, Daily)
	if !tr.UnderBudget() {
		t.Fatal("fresh tracker must be under budget")
	}
	tr.Record(Usage{CostUSD: 1.5})
	if tr.UnderBudget() {
		t.Fatal("overspent tracker must report over budget")
	}
}

func TestAllowProjectedCost(t *testing.T) {
	tr := NewTracker(1.0, Daily)
	tr.Record(Usage{CostUSD: 0.9})
	// Still under budget, but the projection crosses the limit.
	if !tr.UnderBudget() {
		t.Fatal("0.9 of 1.0 is under budget")
	}
	if tr.Allow(0.2) {
		t.Fatal("projection crossing the limit must be refused")
	}
	if !tr.Allow(0.1) {
		t.Fatal("projection within the limit must be allowed")
	}
}

func TestWindowRollResets(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	tr := NewTracker(1.0, Hourly)
	tr.SetClock(func() time.Time { return now })
	tr.Record(Usage{CostUSD: 5})
	if tr.UnderBudget() {
		t.Fatal("expected over budget")
	}

	now = now.Add(time.Hour)
	if !tr.UnderBudget() {
		t.Fatal("window roll must reset the spend")
	}
	if got := tr.WindowTotals(); got.Requests != 0 {
		t.Fatalf("totals after roll: %+v", got)
	}
}

func TestZeroLimitDisablesEnforcement(t *testing.T) {
	tr := NewTracker(0, Daily)
	tr.Record(Usage{CostUSD: 1e9})
	if !tr.UnderBudget() || !tr.Allow(1e9) {
		t.Fatal("zero limit means tracking only")
	}
}

func TestWindowAlignment(t *testing.T) {
	now := time.Date(2026, 3, 11, 15, 45, 0, 0, time.UTC) // a Wednesday
	cases := []struct {
		period Period
		start  time.Time
	}{
		{Hourly, time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)},
		{Daily, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)},
		{Weekly, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)}, // Monday
		{Monthly, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		if got := windowStart(now, c.period); !got.Equal(c.start) {
			t.Errorf("windowStart(%s) = %v, want %v", c.period, got, c.start)
		}
	}
}
