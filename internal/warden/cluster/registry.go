package cluster

import (
	"context"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/internal/warden/store"
)

// RegistryConfig tunes the node heartbeat.
type RegistryConfig struct {
	// NodeID is this node's cluster identity.
	NodeID string
	// WSURL is the address other nodes dial to forward tasks here.
	WSURL string
	// Interval between heartbeats. Default 10s.
	Interval time.Duration
	// StaleAfter is how long a silent node stays listed. Default 3x Interval.
	StaleAfter time.Duration
}

func (c *RegistryConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.Interval
	}
}

// Registry keeps this node's row in gateway_nodes fresh and answers peer
// lookups.
type Registry struct {
	cfg   RegistryConfig
	store *store.Store
	log   *slog.Logger
}

// NewRegistry creates a node registry.
func NewRegistry(cfg RegistryConfig, s *store.Store) *Registry {
	cfg.defaults()
	return &Registry{
		cfg:   cfg,
		store: s,
		log:   slog.With("component", "cluster", "node", cfg.NodeID),
	}
}

// Run heartbeats until ctx is cancelled, then removes this node's row.
func (r *Registry) Run(ctx context.Context) {
	r.beat(ctx)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := r.store.RemoveNode(cleanupCtx, r.cfg.NodeID); err != nil {
				r.log.Warn("remove node on shutdown", "err", err)
			}
			cancel()
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Registry) beat(ctx context.Context) {
	if err := r.store.UpsertNode(ctx, r.cfg.NodeID, r.cfg.WSURL); err != nil {
		r.log.Warn("node heartbeat failed", "err", err)
	}
}

// Peers lists nodes heard from within the staleness window, this node
// included.
func (r *Registry) Peers(ctx context.Context) ([]*store.Node, error) {
	return r.store.ListNodes(ctx, time.Now().UTC().Add(-r.cfg.StaleAfter))
}
