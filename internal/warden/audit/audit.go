// Package audit provides the append-only audit event stream.
//
// Events are buffered in memory and flushed to the SQL store in batches,
// either on a timer or when the buffer fills. The database being down must
// never block or crash the gateway: flush failures are retried with backoff
// and, when the buffer grows past its high-water mark, the oldest events are
// dropped and a synthetic "audit.drop" event records the loss.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/common/retry"
	"github.com/wardenhq/warden/internal/warden/store"
)

// Outcome classifies how the audited action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeBlocked Outcome = "blocked"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Entry is one audit event.
type Entry struct {
	Action       string
	ResourceType string
	ResourceID   string
	ActorID      string
	Details      map[string]any
	Outcome      Outcome
	CreatedAt    time.Time
}

// Sink is the persistence interface the log flushes into; *store.Store
// satisfies it.
type Sink interface {
	InsertAuditBatch(ctx context.Context, rows []store.AuditRow) error
	QueryAudit(ctx context.Context, f store.AuditFilter) ([]store.AuditRow, error)
	GetAuditStats(ctx context.Context) (*store.AuditStats, error)
}

// Config tunes the buffered writer.
type Config struct {
	// FlushInterval is the maximum time an event waits in memory. Default 2s.
	FlushInterval time.Duration
	// BufferSize triggers an early flush once this many events are pending.
	// Default 64.
	BufferSize int
	// HighWater is the hard cap on pending events; beyond it the oldest are
	// dropped. Default 4096.
	HighWater int
	// RingSize bounds the in-memory recent-events ring. Default 512.
	RingSize int
	// OnDepth, when set, receives the pending-buffer depth after every
	// append and flush (wired to a metrics gauge).
	OnDepth func(depth int)
}

func (c *Config) defaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.HighWater <= 0 {
		c.HighWater = 4096
	}
	if c.RingSize <= 0 {
		c.RingSize = 512
	}
}

// Log is the buffered audit writer. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	pending []store.AuditRow
	ring    []Entry
	dropped int64

	cfg    Config
	sink   Sink
	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	log    *slog.Logger
	now    func() time.Time
}

// New creates a Log writing into sink. Call Run to start the flusher.
func New(sink Sink, cfg Config) *Log {
	cfg.defaults()
	return &Log{
		cfg:    cfg,
		sink:   sink,
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		log:    slog.With("component", "audit"),
		now:    time.Now,
	}
}

// Append enqueues an event. Never blocks; beyond the high-water mark the
// oldest pending events are dropped and accounted for.
func (l *Log) Append(e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}

	l.mu.Lock()
	l.pending = append(l.pending, toRow(e))
	if over := len(l.pending) - l.cfg.HighWater; over > 0 {
		l.pending = l.pending[over:]
		l.dropped += int64(over)
	}
	l.pushRing(e)
	depth := len(l.pending)
	full := depth >= l.cfg.BufferSize
	l.mu.Unlock()

	if l.cfg.OnDepth != nil {
		l.cfg.OnDepth(depth)
	}
	if full {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

// Run flushes on the configured interval (or earlier when the buffer fills)
// until ctx is cancelled or Close is called, then performs a final flush.
func (l *Log) Run(ctx context.Context) {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.flush(context.Background())
			return
		case <-l.stopCh:
			l.flush(context.Background())
			return
		case <-ticker.C:
			l.flush(ctx)
		case <-l.kick:
			l.flush(ctx)
		}
	}
}

// Close stops the flusher after a final flush. Safe to call once.
func (l *Log) Close() {
	close(l.stopCh)
	<-l.doneCh
}

// Flush forces a synchronous flush of everything pending.
func (l *Log) Flush(ctx context.Context) {
	l.flush(ctx)
}

func (l *Log) flush(ctx context.Context) {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		batch = append(batch, toRow(Entry{
			Action:    "audit.drop",
			Outcome:   OutcomeError,
			Details:   map[string]any{"dropped": dropped},
			CreatedAt: l.now().UTC(),
		}))
	}
	if len(batch) == 0 {
		return
	}

	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}, func() error {
		return l.sink.InsertAuditBatch(ctx, batch)
	})
	if err != nil {
		// Put the batch back at the front so ordering is preserved; the
		// high-water cap applies again on the next append.
		l.log.Warn("audit flush failed, re-buffering", "events", len(batch), "err", err)
		l.mu.Lock()
		l.pending = append(batch, l.pending...)
		if over := len(l.pending) - l.cfg.HighWater; over > 0 {
			l.pending = l.pending[over:]
			l.dropped += int64(over)
		}
		l.mu.Unlock()
		return
	}

	if l.cfg.OnDepth != nil {
		l.mu.Lock()
		depth := len(l.pending)
		l.mu.Unlock()
		l.cfg.OnDepth(depth)
	}
}

// Query reads matching events from the store. Pending (unflushed) events are
// not visible here; use Recent for the in-memory tail.
func (l *Log) Query(ctx context.Context, f store.AuditFilter) ([]store.AuditRow, error) {
	return l.sink.QueryAudit(ctx, f)
}

// Stats aggregates the persisted audit log.
func (l *Log) Stats(ctx context.Context) (*store.AuditStats, error) {
	return l.sink.GetAuditStats(ctx)
}

// Recent returns up to n of the most recently appended events, newest first,
// from the bounded in-memory ring.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.ring) {
		n = len(l.ring)
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = l.ring[len(l.ring)-1-i]
	}
	return out
}

// pushRing appends to the bounded ring. Caller holds l.mu.
func (l *Log) pushRing(e Entry) {
	l.ring = append(l.ring, e)
	if len(l.ring) > l.cfg.RingSize {
		l.ring = l.ring[len(l.ring)-l.cfg.RingSize:]
	}
}

func toRow(e Entry) store.AuditRow {
	row := store.AuditRow{
		Action:    e.Action,
		Outcome:   string(e.Outcome),
		CreatedAt: e.CreatedAt,
	}
	if e.ResourceType != "" {
		row.ResourceType = sql.NullString{String: e.ResourceType, Valid: true}
	}
	if e.ResourceID != "" {
		row.ResourceID = sql.NullString{String: e.ResourceID, Valid: true}
	}
	if e.ActorID != "" {
		row.ActorID = sql.NullString{String: e.ActorID, Valid: true}
	}
	if len(e.Details) > 0 {
		if b, err := json.Marshal(e.Details); err == nil {
			row.Details = sql.NullString{String: string(b), Valid: true}
		} else {
			row.Details = sql.NullString{String: fmt.Sprintf(`{"marshal_error":%q}`, err.Error()), Valid: true}
		}
	}
	return row
}
