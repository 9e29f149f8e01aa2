// Package ratelimit provides the two rate-limiting primitives the gateway
// needs: token-bucket limits per LLM provider (requests/min and tokens/min)
// and per-client sliding windows for the session layer.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// ProviderConfig sets the per-minute capacities for one provider. Zero
// disables the corresponding dimension.
type ProviderConfig struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

// ProviderLimiter enforces both dimensions for one provider.
type ProviderLimiter struct {
	requests *rate.Limiter // nil when unlimited
	tokens   *rate.Limiter
}

// NewProviderLimiter builds a limiter from the per-minute capacities.
func NewProviderLimiter(cfg ProviderConfig) *ProviderLimiter {
	l := &ProviderLimiter{}
	if cfg.RequestsPerMinute > 0 {
		l.requests = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}
	if cfg.TokensPerMinute > 0 {
		l.tokens = rate.NewLimiter(rate.Limit(float64(cfg.TokensPerMinute)/60.0), cfg.TokensPerMinute)
	}
	return l
}

// Acquire reports whether one request with the given estimated token count
// may proceed, consuming capacity when it does. Both dimensions are taken as
// cancellable reservations so a rejection on one never burns capacity on the
// other.
func (l *ProviderLimiter) Acquire(estimatedTokens int) bool {
	now := nowFn()

	var req *rate.Reservation
	if l.requests != nil {
		req = l.requests.ReserveN(now, 1)
		if !req.OK() || req.DelayFrom(now) > 0 {
			req.CancelAt(now)
			return false
		}
	}
	if l.tokens != nil && estimatedTokens > 0 {
		tok := l.tokens.ReserveN(now, estimatedTokens)
		if !tok.OK() || tok.DelayFrom(now) > 0 {
			tok.CancelAt(now)
			if req != nil {
				req.CancelAt(now)
			}
			return false
		}
	}
	return true
}

// ReportUsage reconciles the estimate with actual consumption. When the call
// used more tokens than estimated the difference is drawn from the bucket
// (going into debt, which future Acquire calls pay off); under-use is not
// refunded.
func (l *ProviderLimiter) ReportUsage(estimatedTokens, actualTokens int) {
	if l.tokens == nil {
		return
	}
	if extra := actualTokens - estimatedTokens; extra > 0 {
		l.tokens.AllowN(nowFn(), extra)
	}
}

// nowFn is swapped in tests.
var nowFn = defaultNow

// Registry holds one limiter per provider id.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*ProviderLimiter
	defaults ProviderConfig
}

// NewRegistry creates a registry; providers without explicit configuration
// get the default capacities.
func NewRegistry(defaults ProviderConfig) *Registry {
	return &Registry{
		limiters: make(map[string]*ProviderLimiter),
		defaults: defaults,
	}
}

// Configure sets (or replaces) the limiter for a provider.
func (r *Registry) Configure(providerID string, cfg ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[providerID] = NewProviderLimiter(cfg)
}

// Get returns the provider's limiter, creating one with the defaults.
func (r *Registry) Get(providerID string) *ProviderLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[providerID]
	if !ok {
		l = NewProviderLimiter(r.defaults)
		r.limiters[providerID] = l
	}
	return l
}
