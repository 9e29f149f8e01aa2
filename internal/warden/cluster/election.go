// Package cluster coordinates multiple gateway nodes sharing one Postgres:
// advisory-lock leader election, a heartbeat node registry, cluster-wide job
// locks, and WebSocket forwarding of tasks to the node that owns an agent.
package cluster

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// LeaderListener observes leadership transitions. Listeners run on a single
// dispatch goroutine, so each sees transitions in issue order.
type LeaderListener func(isLeader bool)

// Elector elects at most one leader among the cluster's nodes.
type Elector interface {
	// Run drives the election until ctx is cancelled, then resigns.
	Run(ctx context.Context)
	// IsLeader reports whether this node currently holds the lock.
	IsLeader() bool
	// Subscribe registers a transition listener. Must be called before Run.
	Subscribe(fn LeaderListener)
	// Resign releases leadership, if held.
	Resign(ctx context.Context)
}

// lockKeys derives the two 32-bit advisory lock keys from a lock name.
func lockKeys(name string) (int32, int32) {
	h := fnv.New64a()
	h.Write([]byte(name))
	sum := h.Sum64()
	return int32(sum >> 32), int32(sum)
}

// PostgresElectorConfig tunes the Postgres-backed elector.
type PostgresElectorConfig struct {
	// DSN of the cluster database.
	DSN string
	// LockName names the leader lock. Default "warden-leader".
	LockName string
	// CheckInterval between ping-or-acquire attempts. Default 5s.
	CheckInterval time.Duration
	// OpTimeout bounds each acquire or ping round trip. Default 3s.
	OpTimeout time.Duration
}

func (c *PostgresElectorConfig) defaults() {
	if c.LockName == "" {
		c.LockName = "warden-leader"
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 3 * time.Second
	}
}

// PostgresElector holds the leader advisory lock on a reserved connection.
// The connection is used for nothing else; losing it loses leadership.
type PostgresElector struct {
	cfg  PostgresElectorConfig
	key1 int32
	key2 int32
	log  *slog.Logger

	mu        sync.Mutex
	conn      *pgx.Conn
	leader    bool
	listeners []LeaderListener

	events chan bool
	done   chan struct{}
}

// NewPostgresElector creates an elector. Leadership is contested once Run
// starts.
func NewPostgresElector(cfg PostgresElectorConfig) *PostgresElector {
	cfg.defaults()
	k1, k2 := lockKeys(cfg.LockName)
	return &PostgresElector{
		cfg:    cfg,
		key1:   k1,
		key2:   k2,
		log:    slog.With("component", "cluster", "lock", cfg.LockName),
		events: make(chan bool, 16),
		done:   make(chan struct{}),
	}
}

// Subscribe registers a leadership listener. Must be called before Run.
func (e *PostgresElector) Subscribe(fn LeaderListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// IsLeader reports current leadership.
func (e *PostgresElector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Run contests the lock until ctx is cancelled.
func (e *PostgresElector) Run(ctx context.Context) {
	go e.dispatch()
	defer close(e.done)

	e.tick(ctx)
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			resignCtx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
			e.Resign(resignCtx)
			cancel()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// dispatch delivers leadership events to listeners in issue order.
func (e *PostgresElector) dispatch() {
	for {
		select {
		case isLeader := <-e.events:
			e.mu.Lock()
			listeners := make([]LeaderListener, len(e.listeners))
			copy(listeners, e.listeners)
			e.mu.Unlock()
			for _, fn := range listeners {
				fn(isLeader)
			}
		case <-e.done:
			return
		}
	}
}

// tick pings when leading, otherwise tries to acquire.
func (e *PostgresElector) tick(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()

	if e.IsLeader() {
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn == nil || conn.Ping(opCtx) != nil {
			e.log.Warn("leader connection lost, demoting")
			e.demote()
		}
		return
	}
	e.tryAcquire(opCtx)
}

func (e *PostgresElector) tryAcquire(ctx context.Context) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		c, err := pgx.Connect(ctx, e.cfg.DSN)
		if err != nil {
			e.log.Debug("election connect failed", "err", err)
			return
		}
		e.mu.Lock()
		e.conn = c
		e.mu.Unlock()
		conn = c
	}

	var got bool
	if err := conn.QueryRow(ctx,
		"SELECT pg_try_advisory_lock($1, $2)", e.key1, e.key2).Scan(&got); err != nil {
		e.log.Debug("advisory lock attempt failed", "err", err)
		e.dropConn(ctx)
		return
	}
	if !got {
		return
	}

	e.mu.Lock()
	e.leader = true
	e.mu.Unlock()
	e.log.Info("acquired leadership")
	e.events <- true
}

// demote abandons the reserved connection; Postgres releases the lock when
// the session dies.
func (e *PostgresElector) demote() {
	e.mu.Lock()
	wasLeader := e.leader
	e.leader = false
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
		_ = conn.Close(ctx)
		cancel()
	}
	if wasLeader {
		e.events <- false
	}
}

// Resign releases the lock explicitly so a successor can take over without
// waiting for the session timeout.
func (e *PostgresElector) Resign(ctx context.Context) {
	e.mu.Lock()
	wasLeader := e.leader
	conn := e.conn
	e.leader = false
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		if wasLeader {
			_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1, $2)", e.key1, e.key2)
		}
		_ = conn.Close(ctx)
	}
	if wasLeader {
		e.log.Info("resigned leadership")
		e.events <- false
	}
}

func (e *PostgresElector) dropConn(ctx context.Context) {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close(ctx)
	}
}

// StandaloneElector is the single-node elector: always leader. Used with the
// SQLite store, where there is no cluster to coordinate.
type StandaloneElector struct {
	mu        sync.Mutex
	listeners []LeaderListener
	started   bool
}

// NewStandaloneElector creates an always-leader elector.
func NewStandaloneElector() *StandaloneElector { return &StandaloneElector{} }

// Subscribe registers a listener; it fires once when Run starts.
func (e *StandaloneElector) Subscribe(fn LeaderListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Run announces leadership and blocks until ctx is cancelled.
func (e *StandaloneElector) Run(ctx context.Context) {
	e.mu.Lock()
	e.started = true
	listeners := make([]LeaderListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(true)
	}
	<-ctx.Done()
}

// IsLeader always reports true.
func (e *StandaloneElector) IsLeader() bool { return true }

// Resign is a no-op for the standalone elector.
func (e *StandaloneElector) Resign(ctx context.Context) {}
