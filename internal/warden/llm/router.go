package llm

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/common/retry"
	"github.com/wardenhq/warden/internal/warden/breaker"
	"github.com/wardenhq/warden/internal/warden/budget"
	"github.com/wardenhq/warden/internal/warden/ratelimit"
)

// ProviderSettings tunes one registered provider.
type ProviderSettings struct {
	// Priority orders candidates; higher wins. Default 0.
	Priority int
	// RequestsPerMinute / TokensPerMinute cap this provider's throughput.
	// Zero falls back to the router defaults.
	RequestsPerMinute int
	TokensPerMinute   int
	// InputCostPer1K / OutputCostPer1K price the provider's tokens in USD.
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// FailoverEnabled lets the router fall back to ModelPreferences when every
	// provider for the requested model has failed.
	FailoverEnabled bool
	// ModelPreferences lists fallback models in preference order.
	ModelPreferences []string
	// MaxFailoverAttempts caps how many providers one request may try across
	// the primary and fallback models. Default 3.
	MaxFailoverAttempts int
	// Retry controls per-provider retries. Zero value uses retry defaults.
	Retry retry.Config
	// Breaker controls the per-provider circuit breakers.
	Breaker breaker.Config
	// DefaultLimits applies to providers without explicit rate settings.
	DefaultLimits ratelimit.ProviderConfig
	// ProbeInterval is the health-probe period. Zero disables probing.
	ProbeInterval time.Duration
	// ProbeTimeout bounds one probe. Defaults to 5 s.
	ProbeTimeout time.Duration
	// Budget, when non-nil, gates requests on the cost budget.
	Budget *budget.Tracker
}

// Router selects a provider for each request and wraps the call in the
// reliability stack. Safe for concurrent use.
type Router struct {
	cfg      RouterConfig
	breakers *breaker.Registry
	limits   *ratelimit.Registry
	log      *slog.Logger

	mu        sync.RWMutex
	providers map[string]Provider
	settings  map[string]ProviderSettings
	aliases   map[string]string
	healthy   map[string]bool
}

// NewRouter creates a router.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MaxFailoverAttempts <= 0 {
		cfg.MaxFailoverAttempts = 3
	}
	return &Router{
		cfg:       cfg,
		breakers:  breaker.NewRegistry(cfg.Breaker),
		limits:    ratelimit.NewRegistry(cfg.DefaultLimits),
		log:       slog.With("component", "llm"),
		providers: make(map[string]Provider),
		settings:  make(map[string]ProviderSettings),
		aliases:   make(map[string]string),
		healthy:   make(map[string]bool),
	}
}

// Register adds a provider. Providers start healthy until a probe says
// otherwise.
func (r *Router) Register(p Provider, s ProviderSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	r.settings[p.ID()] = s
	r.healthy[p.ID()] = true
	if s.RequestsPerMinute > 0 || s.TokensPerMinute > 0 {
		r.limits.Configure(p.ID(), ratelimit.ProviderConfig{
			RequestsPerMinute: s.RequestsPerMinute,
			TokensPerMinute:   s.TokensPerMinute,
		})
	}
}

// SetAlias maps a model alias ("fast", "smart") to a concrete model id.
func (r *Router) SetAlias(alias, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = model
}

// ResolveModel resolves an alias to its concrete model, or returns the input
// unchanged.
func (r *Router) ResolveModel(model string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[model]; ok {
		return target
	}
	return model
}

// candidate pairs a provider with its settings for ordering.
type candidate struct {
	p Provider
	s ProviderSettings
}

// candidates returns the healthy providers serving model, by priority
// descending. Unhealthy providers receive no traffic until a probe (or a
// breaker reset) readmits them.
func (r *Router) candidates(model string) []candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []candidate
	for id, p := range r.providers {
		if !r.healthy[id] {
			continue
		}
		for _, m := range p.Models() {
			if m == model {
				out = append(out, candidate{p: p, s: r.settings[id]})
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].s.Priority > out[j].s.Priority
	})
	return out
}

// estimateTokens is the rough pre-call accounting used for rate limits and
// the budget projection: ~4 characters per token plus the response budget.
func estimateTokens(req ChatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	est := chars / 4
	if req.MaxTokens > 0 {
		est += req.MaxTokens
	} else {
		est += 1024
	}
	return est
}

func projectedCost(s ProviderSettings, req ChatRequest) float64 {
	in := 0
	for _, m := range req.Messages {
		in += len(m.Content)
	}
	inTokens := float64(in) / 4
	outTokens := float64(req.MaxTokens)
	if outTokens == 0 {
		outTokens = 1024
	}
	return inTokens/1000*s.InputCostPer1K + outTokens/1000*s.OutputCostPer1K
}

// modelsToTry returns the resolved model followed by the fallback preferences
// when failover is enabled.
func (r *Router) modelsToTry(model string) []string {
	models := []string{model}
	if !r.cfg.FailoverEnabled {
		return models
	}
	for _, m := range r.cfg.ModelPreferences {
		if m != model {
			models = append(models, m)
		}
	}
	return models
}

// checkBudget applies the cost pre-check against the highest-priority
// candidate's pricing.
func (r *Router) checkBudget(cands []candidate, req ChatRequest) error {
	if r.cfg.Budget == nil || len(cands) == 0 {
		return nil
	}
	if !r.cfg.Budget.Allow(projectedCost(cands[0].s, req)) {
		return ErrBudgetExceeded
	}
	return nil
}

func (r *Router) recordUsage(providerID, model string, usage Usage, s ProviderSettings, estimated int) {
	r.limits.Get(providerID).ReportUsage(estimated, usage.InputTokens+usage.OutputTokens)
	if r.cfg.Budget != nil {
		cost := float64(usage.InputTokens)/1000*s.InputCostPer1K +
			float64(usage.OutputTokens)/1000*s.OutputCostPer1K
		r.cfg.Budget.Record(budget.Usage{
			Provider:     providerID,
			Model:        model,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			CostUSD:      cost,
		})
	}
}

// route runs call against candidate providers for the request's model (and
// fallback models) until one succeeds, filling in the routing metadata.
func (r *Router) route(ctx context.Context, req ChatRequest, meta *Metadata,
	call func(ctx context.Context, p Provider, req ChatRequest) (Usage, error)) error {

	model := r.ResolveModel(req.Model)
	start := time.Now()
	tried := 0
	var lastErr error

	for _, m := range r.modelsToTry(model) {
		req.Model = m
		cands := r.candidates(m)
		if len(cands) == 0 {
			continue
		}
		if err := r.checkBudget(cands, req); err != nil {
			return err
		}

		for _, c := range cands {
			if tried == r.cfg.MaxFailoverAttempts {
				r.log.Warn("failover attempt cap reached",
					"model", model, "attempts", tried, "err", lastErr)
				return lastErr
			}
			if tried > 0 {
				meta.FailoverCount++
			}
			tried++

			est := estimateTokens(req)
			if !r.limits.Get(c.p.ID()).Acquire(est) {
				lastErr = ErrRateLimited
				continue
			}

			retryCfg := r.cfg.Retry
			retryCfg.ShouldRetry = func(err error) bool {
				var api *APIError
				if errors.As(err, &api) && api.Permanent() {
					return false
				}
				return r.cfg.Retry.ShouldRetry == nil || r.cfg.Retry.ShouldRetry(err)
			}
			retryCfg.OnRetry = func(attempt int, err error) {
				meta.RetryCount++
				r.log.Warn("provider call failed, retrying",
					"provider", c.p.ID(), "model", m, "attempt", attempt, "err", err)
			}

			var usage Usage
			err := r.breakers.Get(c.p.ID()).Execute(ctx, func(ctx context.Context) error {
				return retry.Do(ctx, retryCfg, func() error {
					u, callErr := call(ctx, c.p, req)
					if callErr == nil {
						usage = u
					}
					return callErr
				})
			})
			if err == nil {
				meta.ProviderID = c.p.ID()
				meta.LatencyMs = time.Since(start).Milliseconds()
				r.recordUsage(c.p.ID(), m, usage, c.s, est)
				return nil
			}

			lastErr = err
			var api *APIError
			if errors.As(err, &api) && api.Permanent() {
				r.setHealthy(c.p.ID(), false)
				r.log.Warn("provider returned permanent API error, marked unhealthy",
					"provider", c.p.ID(), "model", m, "status", api.StatusCode)
			}
			var open *breaker.OpenError
			if !errors.As(err, &open) {
				r.log.Warn("provider failed, failing over",
					"provider", c.p.ID(), "model", m, "err", err)
			}
			if ctx.Err() != nil {
				return lastErr
			}
		}
	}

	if lastErr == nil {
		return ErrNoProvider
	}
	return lastErr
}

// Chat routes a non-streaming chat call.
func (r *Router) Chat(ctx context.Context, req ChatRequest) (*Result, error) {
	res := &Result{Metadata: Metadata{RequestID: uuid.NewString()}}
	err := r.route(ctx, req, &res.Metadata,
		func(ctx context.Context, p Provider, req ChatRequest) (Usage, error) {
			resp, err := p.Chat(ctx, req)
			if err != nil {
				return Usage{}, err
			}
			res.Response = resp
			return resp.Usage, nil
		})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ChatStream routes a streaming chat call. Failover only happens before the
// first chunk reaches the caller; once chunks flow, a provider failure
// surfaces as an error.
func (r *Router) ChatStream(ctx context.Context, req ChatRequest, onChunk ChunkFunc) (*StreamOutcome, error) {
	out := &StreamOutcome{Metadata: Metadata{RequestID: uuid.NewString()}}
	err := r.route(ctx, req, &out.Metadata,
		func(ctx context.Context, p Provider, req ChatRequest) (Usage, error) {
			delivered := false
			sr, err := p.ChatStream(ctx, req, func(chunk StreamChunk) error {
				delivered = true
				return onChunk(chunk)
			})
			if err != nil {
				if delivered {
					// The caller already saw partial output; do not replay
					// through another provider.
					return Usage{}, errors.Join(err, context.Canceled)
				}
				return Usage{}, err
			}
			out.Result = sr
			return sr.Usage, nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Run probes provider health on the configured interval until ctx is done.
// A zero interval disables probing and Run returns immediately.
func (r *Router) Run(ctx context.Context) {
	if r.cfg.ProbeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	r.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProbeAll(ctx)
		}
	}
}

// ProbeAll checks every provider once and updates the health map.
func (r *Router) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	for _, p := range providers {
		probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		err := p.IsAvailable(probeCtx)
		cancel()

		r.mu.Lock()
		was := r.healthy[p.ID()]
		r.healthy[p.ID()] = err == nil
		r.mu.Unlock()

		if was && err != nil {
			r.log.Warn("provider unhealthy", "provider", p.ID(), "err", err)
		} else if !was && err == nil {
			r.log.Info("provider recovered", "provider", p.ID())
		}
	}
}

// setHealthy flips one provider's health flag outside the probe cycle.
func (r *Router) setHealthy(id string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy[id] = healthy
}

// Health reports per-provider health for the status endpoint.
func (r *Router) Health() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.healthy))
	for id, h := range r.healthy {
		out[id] = h
	}
	return out
}

// BreakerStates exposes breaker states for the status endpoint.
func (r *Router) BreakerStates() map[string]string {
	return r.breakers.States()
}

// ResetBreakers returns every provider breaker to closed. Test seam.
func (r *Router) ResetBreakers() {
	r.breakers.ResetAll()
}

// Providers lists registered provider ids.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
