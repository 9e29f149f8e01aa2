// Package budget tracks LLM token usage and enforces a cost budget over a
// rolling period. The counters reset when the period window rolls (aligned
// to UTC); while the spend is at or over the limit, further requests are
// refused until the next window.
package budget

import (
	"sync"
	"time"
)

// Period is the budget window granularity.
type Period string

const (
	Hourly  Period = "hourly"
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

// Usage is one recorded LLM call.
type Usage struct {
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	At           time.Time
}

// Totals summarizes the current window.
type Totals struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Requests     int64
	WindowStart  time.Time
	WindowEnd    time.Time
}

// Tracker accumulates usage and enforces the cost budget. Safe for
// concurrent use. A LimitUSD of zero disables enforcement (tracking only).
type Tracker struct {
	mu       sync.Mutex
	limitUSD float64
	period   Period

	windowStart time.Time
	totals      Totals
	byProvider  map[string]*Totals
	byModel     map[string]*Totals

	now func() time.Time
}

// NewTracker creates a tracker with the given cost limit and period.
func NewTracker(limitUSD float64, period Period) *Tracker {
	t := &Tracker{
		limitUSD:   limitUSD,
		period:     period,
		byProvider: make(map[string]*Totals),
		byModel:    make(map[string]*Totals),
		now:        time.Now,
	}
	t.windowStart = windowStart(t.now().UTC(), period)
	return t
}

// SetClock injects a time source for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Record adds one call's usage to the current window.
func (t *Tracker) Record(u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollIfNeeded()

	add := func(dst *Totals) {
		dst.InputTokens += int64(u.InputTokens)
		dst.OutputTokens += int64(u.OutputTokens)
		dst.CostUSD += u.CostUSD
		dst.Requests++
	}
	add(&t.totals)
	if u.Provider != "" {
		p, ok := t.byProvider[u.Provider]
		if !ok {
			p = &Totals{}
			t.byProvider[u.Provider] = p
		}
		add(p)
	}
	if u.Model != "" {
		m, ok := t.byModel[u.Model]
		if !ok {
			m = &Totals{}
			t.byModel[u.Model] = m
		}
		add(m)
	}
}

// UnderBudget reports whether the current window's spend is below the limit.
func (t *Tracker) UnderBudget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollIfNeeded()
	if t.limitUSD <= 0 {
		return true
	}
	return t.totals.CostUSD < t.limitUSD
}

// Allow reports whether a request with the given projected cost fits the
// budget. The projection is rejected when it would cross the limit even if
// everything so far succeeded within the window.
func (t *Tracker) Allow(projectedCostUSD float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollIfNeeded()
	if t.limitUSD <= 0 {
		return true
	}
	return t.totals.CostUSD+projectedCostUSD <= t.limitUSD
}

// WindowTotals returns a snapshot of the current window's totals.
func (t *Tracker) WindowTotals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollIfNeeded()
	out := t.totals
	out.WindowStart = t.windowStart
	out.WindowEnd = windowEnd(t.windowStart, t.period)
	return out
}

// ProviderTotals returns the current window's totals for one provider.
func (t *Tracker) ProviderTotals(provider string) Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollIfNeeded()
	if p, ok := t.byProvider[provider]; ok {
		return *p
	}
	return Totals{}
}

// rollIfNeeded resets the counters when the window has rolled. Caller holds
// t.mu.
func (t *Tracker) rollIfNeeded() {
	now := t.now().UTC()
	if now.Before(windowEnd(t.windowStart, t.period)) {
		return
	}
	t.windowStart = windowStart(now, t.period)
	t.totals = Totals{}
	t.byProvider = make(map[string]*Totals)
	t.byModel = make(map[string]*Totals)
}

func windowStart(now time.Time, p Period) time.Time {
	switch p {
	case Hourly:
		return now.Truncate(time.Hour)
	case Weekly:
		day := now.Truncate(24 * time.Hour)
		// Roll back to Monday.
		for day.Weekday() != time.Monday {
			day = day.AddDate(0, 0, -1)
		}
		return day
	case Monthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // Daily
		return now.Truncate(24 * time.Hour)
	}
}

func windowEnd(start time.Time, p Period) time.Time {
	switch p {
	case Hourly:
		return start.Add(time.Hour)
	case Weekly:
		return start.AddDate(0, 0, 7)
	case Monthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}
