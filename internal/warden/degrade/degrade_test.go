package degrade

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// scriptedCheck toggles between healthy and failing.
type scriptedCheck struct {
	failing atomic.Bool
}

func (c *scriptedCheck) check(ctx context.Context) error {
	if c.failing.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func TestLevelTransitions(t *testing.T) {
	var db, llm scriptedCheck
	m := New(Config{EmergencyThreshold: 2})
	m.Register("database", db.check, nil)
	m.Register("llm", llm.check, nil)
	ctx := context.Background()

	m.ProbeAll(ctx)
	if lvl := m.GetLevel(); lvl != LevelNormal {
		t.Fatalf("level = %s, want normal", lvl)
	}

	db.failing.Store(true)
	m.ProbeAll(ctx)
	if lvl := m.GetLevel(); lvl != LevelDegraded {
		t.Fatalf("level = %s, want degraded", lvl)
	}
	if m.IsServiceAvailable("database") {
		t.Fatal("database still reported available")
	}
	if !m.IsServiceAvailable("llm") {
		t.Fatal("llm reported unavailable")
	}

	llm.failing.Store(true)
	m.ProbeAll(ctx)
	if lvl := m.GetLevel(); lvl != LevelEmergency {
		t.Fatalf("level = %s, want emergency", lvl)
	}
	if m.SpawnAllowed() {
		t.Fatal("spawns allowed in emergency")
	}

	db.failing.Store(false)
	llm.failing.Store(false)
	m.ProbeAll(ctx)
	if lvl := m.GetLevel(); lvl != LevelNormal {
		t.Fatalf("level = %s, want normal after recovery", lvl)
	}
	if !m.SpawnAllowed() {
		t.Fatal("spawns refused at normal")
	}
}

func TestFallbackFiresOncePerOutage(t *testing.T) {
	var check scriptedCheck
	var fired atomic.Int32
	m := New(Config{})
	m.Register("cache", check.check, func() { fired.Add(1) })
	ctx := context.Background()

	check.failing.Store(true)
	m.ProbeAll(ctx)
	m.ProbeAll(ctx)
	m.ProbeAll(ctx)
	if n := fired.Load(); n != 1 {
		t.Fatalf("fallback fired %d times, want 1", n)
	}
	snap := m.Snapshot()
	if len(snap) != 1 || !snap[0].FallbackActive || snap[0].LastError == "" {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Recovery re-arms the fallback for the next outage.
	check.failing.Store(false)
	m.ProbeAll(ctx)
	if m.Snapshot()[0].FallbackActive {
		t.Fatal("fallbackActive survived recovery")
	}
	check.failing.Store(true)
	m.ProbeAll(ctx)
	if n := fired.Load(); n != 2 {
		t.Fatalf("fallback fired %d times across two outages, want 2", n)
	}
}

func TestOnLevelChangeObservesTransitions(t *testing.T) {
	var check scriptedCheck
	type transition struct{ from, to Level }
	var got []transition
	m := New(Config{OnLevelChange: func(from, to Level) {
		got = append(got, transition{from, to})
	}})
	m.Register("database", check.check, nil)
	ctx := context.Background()

	m.ProbeAll(ctx) // normal, no transition
	check.failing.Store(true)
	m.ProbeAll(ctx) // normal -> degraded
	m.ProbeAll(ctx) // steady, no transition
	check.failing.Store(false)
	m.ProbeAll(ctx) // degraded -> normal

	want := []transition{
		{LevelNormal, LevelDegraded},
		{LevelDegraded, LevelNormal},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestUnregisteredServiceIsAvailable(t *testing.T) {
	m := New(Config{})
	if !m.IsServiceAvailable("ghost") {
		t.Fatal("unregistered service reported unavailable")
	}
	if m.GetLevel() != LevelNormal {
		t.Fatal("empty manager not at normal")
	}
}
