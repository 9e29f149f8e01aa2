// Package breaker wraps sony/gobreaker with a named registry and the typed
// open error the router surfaces to callers.
//
// A breaker opens after N consecutive failures, waits out the reset timeout,
// then admits a single probe in half-open: one success closes it, one failure
// reopens it. Calls additionally run under a per-operation wall-clock timeout.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// OpenError is returned while the breaker is open.
type OpenError struct {
	Name     string
	OpenedAt time.Time
	ResetAt  time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker %q open until %s", e.Name, e.ResetAt.Format(time.RFC3339))
}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default 5.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before admitting a
	// half-open probe. Default 30s.
	ResetTimeout time.Duration
	// CallTimeout is the per-operation wall-clock timeout. Zero disables it.
	CallTimeout time.Duration
}

func (c *Config) defaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
}

// Breaker guards one dependency.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	cb       *gobreaker.CircuitBreaker
	openedAt time.Time
}

// New creates a standalone breaker. Most callers go through a Registry.
func New(name string, cfg Config) *Breaker {
	cfg.defaults()
	b := &Breaker{name: name, cfg: cfg}
	b.cb = b.newCircuit()
	return b
}

func (b *Breaker) newCircuit() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1,
		Timeout:     b.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			}
		},
	})
}

// Execute runs fn under the breaker and the per-operation timeout. While the
// breaker is open it returns *OpenError without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		b.mu.Lock()
		opened := b.openedAt
		b.mu.Unlock()
		return &OpenError{Name: b.name, OpenedAt: opened, ResetAt: opened.Add(b.cfg.ResetTimeout)}
	}
	return err
}

// State returns the current breaker state string ("closed", "half-open",
// "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// reset replaces the underlying circuit, returning the breaker to closed with
// clean counts.
func (b *Breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = b.newCircuit()
	b.openedAt = time.Time{}
}

// Registry hands out breakers by name, creating them on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a registry whose breakers use cfg unless overridden.
func NewRegistry(cfg Config) *Registry {
	cfg.defaults()
	return &Registry{breakers: make(map[string]*Breaker), defaults: cfg}
}

// Get returns the named breaker, creating it with the registry defaults.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.defaults)
		r.breakers[name] = b
	}
	return b
}

// States returns a snapshot of breaker states by name.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// ResetAll returns every breaker to closed. Test seam.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.reset()
	}
}
