// Package degrade tracks the health of the gateway's critical dependencies
// and derives a global degradation level from it. Subsystems consult the
// level to shed load: emergency refuses new agent spawns.
package degrade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Level is the global degradation state.
type Level string

const (
	// LevelNormal means every registered service is available.
	LevelNormal Level = "normal"
	// LevelDegraded means at least one service is unavailable.
	LevelDegraded Level = "degraded"
	// LevelEmergency means unavailable services reached the emergency
	// threshold.
	LevelEmergency Level = "emergency"
)

// CheckFunc probes one service. A nil return means available.
type CheckFunc func(ctx context.Context) error

// FallbackFunc runs once when its service transitions to unavailable.
type FallbackFunc func()

// ServiceStatus is a read-only snapshot of one service.
type ServiceStatus struct {
	Name           string    `json:"name"`
	Available      bool      `json:"available"`
	FallbackActive bool      `json:"fallbackActive"`
	LastError      string    `json:"lastError,omitempty"`
	LastChecked    time.Time `json:"lastChecked,omitzero"`
}

type service struct {
	name     string
	check    CheckFunc
	fallback FallbackFunc

	available      bool
	fallbackActive bool
	lastErr        error
	lastChecked    time.Time
}

// Config tunes the degradation manager.
type Config struct {
	// ProbeInterval between health sweeps. Default 15s.
	ProbeInterval time.Duration
	// ProbeTimeout bounds each sweep. Default 5s.
	ProbeTimeout time.Duration
	// EmergencyThreshold is how many services must be unavailable at once to
	// enter emergency. Default 2.
	EmergencyThreshold int
	// OnLevelChange observes level transitions.
	OnLevelChange func(from, to Level)
}

func (c *Config) defaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.EmergencyThreshold <= 0 {
		c.EmergencyThreshold = 2
	}
}

// Manager probes registered services and keeps the global level current.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	services map[string]*service
	order    []string
	level    Level
}

// New creates a manager at level normal.
func New(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		log:      slog.With("component", "degrade"),
		services: make(map[string]*service),
		level:    LevelNormal,
	}
}

// Register adds a service. Services start available; fallback may be nil.
func (m *Manager) Register(name string, check CheckFunc, fallback FallbackFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.services[name]; !exists {
		m.order = append(m.order, name)
	}
	m.services[name] = &service{
		name:      name,
		check:     check,
		fallback:  fallback,
		available: true,
	}
}

// Run probes until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.ProbeAll(ctx)
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll checks every service in parallel and recomputes the level.
func (m *Manager) ProbeAll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	m.mu.Lock()
	svcs := make([]*service, 0, len(m.services))
	for _, name := range m.order {
		svcs = append(svcs, m.services[name])
	}
	m.mu.Unlock()

	results := make([]error, len(svcs))
	g, gctx := errgroup.WithContext(probeCtx)
	for i, svc := range svcs {
		g.Go(func() error {
			results[i] = svc.check(gctx)
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now().UTC()
	var fallbacks []FallbackFunc
	m.mu.Lock()
	for i, svc := range svcs {
		err := results[i]
		wasAvailable := svc.available
		svc.available = err == nil
		svc.lastErr = err
		svc.lastChecked = now

		switch {
		case wasAvailable && err != nil:
			m.log.Warn("service became unavailable", "service", svc.name, "err", err)
			if svc.fallback != nil && !svc.fallbackActive {
				svc.fallbackActive = true
				fallbacks = append(fallbacks, svc.fallback)
			}
		case !wasAvailable && err == nil:
			m.log.Info("service recovered", "service", svc.name)
			svc.fallbackActive = false
		}
	}
	from, to := m.level, m.computeLevel()
	m.level = to
	m.mu.Unlock()

	for _, fb := range fallbacks {
		fb()
	}
	if from != to {
		m.log.Warn("degradation level changed", "from", from, "to", to)
		if m.cfg.OnLevelChange != nil {
			m.cfg.OnLevelChange(from, to)
		}
	}
}

// computeLevel derives the level from current availability. Caller holds
// m.mu.
func (m *Manager) computeLevel() Level {
	unavailable := 0
	for _, svc := range m.services {
		if !svc.available {
			unavailable++
		}
	}
	switch {
	case unavailable == 0:
		return LevelNormal
	case unavailable >= m.cfg.EmergencyThreshold:
		return LevelEmergency
	default:
		return LevelDegraded
	}
}

// GetLevel returns the current degradation level.
func (m *Manager) GetLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// SpawnAllowed reports whether new agent spawns are accepted. Emergency
// refuses them.
func (m *Manager) SpawnAllowed() bool {
	return m.GetLevel() != LevelEmergency
}

// IsServiceAvailable reports one service's availability. Unregistered names
// are available.
func (m *Manager) IsServiceAvailable(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[name]
	if !ok {
		return true
	}
	return svc.available
}

// Snapshot lists every service's status in registration order.
func (m *Manager) Snapshot() []ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServiceStatus, 0, len(m.order))
	for _, name := range m.order {
		svc := m.services[name]
		st := ServiceStatus{
			Name:           svc.name,
			Available:      svc.available,
			FallbackActive: svc.fallbackActive,
			LastChecked:    svc.lastChecked,
		}
		if svc.lastErr != nil {
			st.LastError = svc.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}
