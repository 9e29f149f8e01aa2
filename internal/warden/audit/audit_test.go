package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/warden/store"
)

// fakeSink records batches and can be told to fail.
type fakeSink struct {
	mu      sync.Mutex
	batches [][]store.AuditRow
	fail    bool
}

func (f *fakeSink) InsertAuditBatch(ctx context.Context, rows []store.AuditRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("db down")
	}
	batch := make([]store.AuditRow, len(rows))
	copy(batch, rows)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSink) QueryAudit(ctx context.Context, filter store.AuditFilter) ([]store.AuditRow, error) {
	return nil, nil
}

func (f *fakeSink) GetAuditStats(ctx context.Context) (*store.AuditStats, error) {
	return &store.AuditStats{}, nil
}

func (f *fakeSink) rows() []store.AuditRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []store.AuditRow
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func TestFlushBatches(t *testing.T) {
	sink := &fakeSink{}
	l := New(sink, Config{FlushInterval: time.Hour, BufferSize: 100})

	for i := 0; i < 3; i++ {
		l.Append(Entry{Action: "policy.evaluate", Outcome: OutcomeSuccess})
	}
	l.Flush(context.Background())

	rows := sink.rows()
	if len(rows) != 3 {
		t.Fatalf("flushed %d rows, want 3", len(rows))
	}
	sink.mu.Lock()
	n := len(sink.batches)
	sink.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one batched transaction, got %d", n)
	}
}

func TestBufferSizeTriggersFlush(t *testing.T) {
	sink := &fakeSink{}
	l := New(sink, Config{FlushInterval: time.Hour, BufferSize: 2})
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	defer cancel()

	l.Append(Entry{Action: "a", Outcome: OutcomeSuccess})
	l.Append(Entry{Action: "b", Outcome: OutcomeSuccess})

	deadline := time.After(2 * time.Second)
	for {
		if len(sink.rows()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("buffer-size flush did not happen")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDropOldestBeyondHighWater(t *testing.T) {
	sink := &fakeSink{fail: true}
	l := New(sink, Config{FlushInterval: time.Hour, BufferSize: 1000, HighWater: 5})

	for i := 0; i < 10; i++ {
		l.Append(Entry{Action: "burst", Outcome: OutcomeSuccess})
	}

	sink.fail = false
	l.Flush(context.Background())

	rows := sink.rows()
	var dropEvents, bursts int
	for _, r := range rows {
		switch r.Action {
		case "audit.drop":
			dropEvents++
		case "burst":
			bursts++
		}
	}
	if dropEvents != 1 {
		t.Fatalf("expected one synthetic audit.drop event, got %d", dropEvents)
	}
	if bursts != 5 {
		t.Fatalf("expected 5 surviving events, got %d", bursts)
	}
}

func TestFlushFailureRebuffers(t *testing.T) {
	sink := &fakeSink{fail: true}
	l := New(sink, Config{FlushInterval: time.Hour, BufferSize: 100})

	l.Append(Entry{Action: "keep", Outcome: OutcomeSuccess})
	l.Flush(context.Background())
	if len(sink.rows()) != 0 {
		t.Fatal("failed flush should persist nothing")
	}

	sink.fail = false
	l.Flush(context.Background())
	rows := sink.rows()
	if len(rows) != 1 || rows[0].Action != "keep" {
		t.Fatalf("re-buffered event not flushed: %+v", rows)
	}
}

func TestRecentRing(t *testing.T) {
	l := New(&fakeSink{}, Config{RingSize: 3})
	for _, a := range []string{"one", "two", "three", "four"} {
		l.Append(Entry{Action: a, Outcome: OutcomeSuccess})
	}
	recent := l.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("ring held %d, want 3", len(recent))
	}
	if recent[0].Action != "four" || recent[2].Action != "two" {
		t.Fatalf("wrong order: %v", recent)
	}
}

func TestCloseFlushes(t *testing.T) {
	sink := &fakeSink{}
	l := New(sink, Config{FlushInterval: time.Hour})
	go l.Run(context.Background())

	l.Append(Entry{Action: "final", Outcome: OutcomeSuccess})
	l.Close()

	if len(sink.rows()) != 1 {
		t.Fatal("Close must flush pending events")
	}
}
