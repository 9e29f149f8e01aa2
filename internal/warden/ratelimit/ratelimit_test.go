package ratelimit

import (
	"testing"
	"time"
)

func TestProviderLimiterRequests(t *testing.T) {
	l := NewProviderLimiter(ProviderConfig{RequestsPerMinute: 2})
	if !l.Acquire(0) || !l.Acquire(0) {
		t.Fatal("first two requests must pass")
	}
	if l.Acquire(0) {
		t.Fatal("third request within the minute must be refused")
	}
}

func TestProviderLimiterTokens(t *testing.T) {
	l := NewProviderLimiter(ProviderConfig{TokensPerMinute: 1000})
	if !l.Acquire(600) {
		t.Fatal("600 tokens must fit in a fresh bucket")
	}
	if l.Acquire(600) {
		t.Fatal("second 600 tokens must be refused")
	}
	// A token-bound rejection must not have consumed a request slot either
	// way; small requests still pass.
	if !l.Acquire(100) {
		t.Fatal("100 tokens should still fit")
	}
}

func TestProviderLimiterTokenRejectionKeepsRequestSlot(t *testing.T) {
	l := NewProviderLimiter(ProviderConfig{RequestsPerMinute: 1, TokensPerMinute: 100})
	if l.Acquire(200) {
		t.Fatal("estimate beyond token capacity must be refused")
	}
	if !l.Acquire(50) {
		t.Fatal("token-bound rejection burned the request slot")
	}
}

func TestProviderLimiterRequestRejectionReturnsTokens(t *testing.T) {
	now := time.Now()
	nowFn = func() time.Time { return now }
	defer func() { nowFn = defaultNow }()

	l := NewProviderLimiter(ProviderConfig{RequestsPerMinute: 2, TokensPerMinute: 100})
	if !l.Acquire(10) || !l.Acquire(10) {
		t.Fatal("first two requests must pass")
	}
	// Request slots are exhausted; the rejection must give the 80-token
	// estimate back.
	if l.Acquire(80) {
		t.Fatal("third request within the minute must be refused")
	}

	// Half a minute refills one request slot and 50 tokens. The 80-token
	// request only fits if the rejected estimate was returned.
	now = now.Add(30 * time.Second)
	if !l.Acquire(80) {
		t.Fatal("request-bound rejection burned the token estimate")
	}
}

func TestProviderLimiterReportUsageDebt(t *testing.T) {
	l := NewProviderLimiter(ProviderConfig{TokensPerMinute: 1000})
	if !l.Acquire(100) {
		t.Fatal("estimate must pass")
	}
	// Call actually used far more than estimated.
	l.ReportUsage(100, 900)
	if l.Acquire(500) {
		t.Fatal("bucket should be exhausted after usage reconciliation")
	}
}

func TestProviderLimiterUnlimited(t *testing.T) {
	l := NewProviderLimiter(ProviderConfig{})
	for i := 0; i < 100; i++ {
		if !l.Acquire(1_000_000) {
			t.Fatal("unlimited limiter must always admit")
		}
	}
}

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry(ProviderConfig{RequestsPerMinute: 1})
	if r.Get("a") != r.Get("a") {
		t.Fatal("same limiter per provider")
	}
	r.Get("a").Acquire(0)
	if r.Get("a").Acquire(0) {
		t.Fatal("default capacity must apply")
	}

	r.Configure("b", ProviderConfig{RequestsPerMinute: 100})
	if !r.Get("b").Acquire(0) {
		t.Fatal("configured provider must use its own capacity")
	}
}

func TestSlidingWindowAllow(t *testing.T) {
	now := time.Now()
	w := NewSlidingWindow(3, time.Minute)
	w.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if !w.Allow("c1") {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if w.Allow("c1") {
		t.Fatal("fourth event within window must be refused")
	}
	if !w.Allow("c2") {
		t.Fatal("limits are per key")
	}

	// Roll the window.
	now = now.Add(61 * time.Second)
	if !w.Allow("c1") {
		t.Fatal("event after window roll must be allowed")
	}
}

func TestSlidingWindowRecordAndExceeded(t *testing.T) {
	now := time.Now()
	w := NewSlidingWindow(5, time.Minute)
	w.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		w.Record("attacker")
	}
	if !w.Exceeded("attacker") {
		t.Fatal("5 recorded failures must trip the limit")
	}
	// Record keeps counting past the limit.
	w.Record("attacker")
	if w.Remaining("attacker") != 0 {
		t.Fatal("remaining must be 0 past the limit")
	}

	now = now.Add(2 * time.Minute)
	if w.Exceeded("attacker") {
		t.Fatal("window roll must clear the failures")
	}
}

func TestSlidingWindowForget(t *testing.T) {
	w := NewSlidingWindow(1, time.Minute)
	w.Allow("c")
	w.Forget("c")
	if !w.Allow("c") {
		t.Fatal("forgotten key must start fresh")
	}
}
