package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// JobLocks serializes named jobs cluster-wide. TryAcquire is non-blocking: a
// job already running anywhere in the cluster is skipped, not queued.
type JobLocks interface {
	// TryAcquire attempts the lock. On success it returns a release func and
	// ok=true; when the lock is held elsewhere it returns ok=false.
	TryAcquire(ctx context.Context, name string) (release func(), ok bool, err error)
}

// PostgresLocks implements JobLocks with session advisory locks. Each held
// lock pins one pooled connection until release.
type PostgresLocks struct {
	pool *pgxpool.Pool
}

// NewPostgresLocks creates a JobLocks over the pool.
func NewPostgresLocks(pool *pgxpool.Pool) *PostgresLocks {
	return &PostgresLocks{pool: pool}
}

func (l *PostgresLocks) TryAcquire(ctx context.Context, name string) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("cluster: acquire lock conn: %w", err)
	}
	k1, k2 := lockKeys(name)

	var got bool
	if err := conn.QueryRow(ctx,
		"SELECT pg_try_advisory_lock($1, $2)", k1, k2).Scan(&got); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("cluster: try advisory lock %q: %w", name, err)
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		unlockCtx := context.Background()
		_, _ = conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1, $2)", k1, k2)
		conn.Release()
	}
	return release, true, nil
}

// LocalLocks implements JobLocks with in-process mutexes, for single-node
// deployments on SQLite.
type LocalLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocks creates an in-process JobLocks.
func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: make(map[string]bool)}
}

func (l *LocalLocks) TryAcquire(ctx context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true
	release := func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}
	return release, true, nil
}
