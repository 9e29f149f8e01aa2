package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
}

func jobInfo(t *testing.T, s *Scheduler, id string) JobInfo {
	t.Helper()
	for _, j := range s.Jobs() {
		if j.ID == id {
			return j
		}
	}
	t.Fatalf("job %s not found", id)
	return JobInfo{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestJobRunsOnInterval(t *testing.T) {
	s := New(Config{})
	var runs atomic.Int32
	err := s.Register(JobConfig{ID: "tick", Name: "Tick", Interval: 10 * time.Millisecond},
		func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	startScheduler(t, s)

	waitFor(t, func() bool { return runs.Load() >= 3 })
	info := jobInfo(t, s, "tick")
	if info.Status != StatusPending && info.Status != StatusRunning {
		t.Fatalf("status = %s", info.Status)
	}
	if info.RunCount < 3 {
		t.Fatalf("runCount = %d", info.RunCount)
	}
}

func TestRunImmediately(t *testing.T) {
	s := New(Config{})
	var runs atomic.Int32
	_ = s.Register(JobConfig{ID: "now", Interval: time.Hour, RunImmediately: true},
		func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
	startScheduler(t, s)
	waitFor(t, func() bool { return runs.Load() == 1 })
}

func TestConsecutiveFailuresDisableJob(t *testing.T) {
	s := New(Config{})
	var runs atomic.Int32
	_ = s.Register(JobConfig{ID: "flaky", Interval: 5 * time.Millisecond, MaxConsecutiveFailures: 3},
		func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("boom")
		})
	startScheduler(t, s)

	waitFor(t, func() bool { return jobInfo(t, s, "flaky").Status == StatusError })
	got := runs.Load()
	if got != 3 {
		t.Fatalf("runs before disable = %d, want 3", got)
	}
	info := jobInfo(t, s, "flaky")
	if info.ConsecutiveFailures != 3 || info.LastError == "" {
		t.Fatalf("info = %+v", info)
	}

	// Errored jobs stop ticking.
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != got {
		t.Fatal("job ran while in error state")
	}

	// Resume clears the streak and restarts ticks.
	if err := s.Resume("flaky"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() > got })
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	s := New(Config{})
	var calls atomic.Int32
	_ = s.Register(JobConfig{ID: "recovering", Interval: 5 * time.Millisecond, MaxConsecutiveFailures: 3},
		func(ctx context.Context) error {
			if calls.Add(1)%2 == 1 {
				return errors.New("every other run fails")
			}
			return nil
		})
	startScheduler(t, s)

	waitFor(t, func() bool { return calls.Load() >= 8 })
	if st := jobInfo(t, s, "recovering").Status; st == StatusError {
		t.Fatal("alternating failures tripped the limit")
	}
}

func TestPauseSkipsTicksAndTriggerOverrides(t *testing.T) {
	s := New(Config{})
	var runs atomic.Int32
	_ = s.Register(JobConfig{ID: "paused", Interval: 5 * time.Millisecond},
		func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
	startScheduler(t, s)
	waitFor(t, func() bool { return runs.Load() >= 1 })

	if err := s.Pause("paused"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	base := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() > base+1 { // one tick may already be in flight
		t.Fatalf("paused job kept running: %d -> %d", base, runs.Load())
	}

	// A manual trigger runs even while paused.
	if err := s.Trigger("paused"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() > base })
}

func TestNonLeaderSkipsSingletonJobs(t *testing.T) {
	var leader atomic.Bool
	s := New(Config{IsLeader: func() bool { return leader.Load() }})
	var singleton, local atomic.Int32
	_ = s.Register(JobConfig{ID: "singleton", Interval: 5 * time.Millisecond},
		func(ctx context.Context) error {
			singleton.Add(1)
			return nil
		})
	_ = s.Register(JobConfig{ID: "local", Interval: 5 * time.Millisecond, NodeLocal: true},
		func(ctx context.Context) error {
			local.Add(1)
			return nil
		})
	startScheduler(t, s)

	waitFor(t, func() bool { return local.Load() >= 3 })
	if n := singleton.Load(); n != 0 {
		t.Fatalf("singleton ran %d times without leadership", n)
	}

	leader.Store(true)
	waitFor(t, func() bool { return singleton.Load() >= 1 })
}

func TestDisabledJobRegistersPaused(t *testing.T) {
	s := New(Config{})
	_ = s.Register(JobConfig{ID: "off", Interval: 5 * time.Millisecond, Disabled: true},
		func(ctx context.Context) error { return nil })
	startScheduler(t, s)

	time.Sleep(30 * time.Millisecond)
	info := jobInfo(t, s, "off")
	if info.Status != StatusPaused || info.RunCount != 0 {
		t.Fatalf("info = %+v", info)
	}
}

func TestListenersSeeEveryExecution(t *testing.T) {
	s := New(Config{})
	events := make(chan Execution, 16)
	s.AddListener(func(ev Execution) { events <- ev })
	_ = s.Register(JobConfig{ID: "observed", Name: "Observed", Interval: time.Hour, RunImmediately: true},
		func(ctx context.Context) error { return errors.New("nope") })
	startScheduler(t, s)

	select {
	case ev := <-events:
		if ev.JobID != "observed" || ev.JobName != "Observed" || ev.Err == nil {
			t.Fatalf("execution = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never fired")
	}
}

func TestPanicBecomesError(t *testing.T) {
	s := New(Config{})
	_ = s.Register(JobConfig{ID: "panics", Interval: time.Hour, RunImmediately: true, MaxConsecutiveFailures: 1},
		func(ctx context.Context) error { panic("kaboom") })
	startScheduler(t, s)

	waitFor(t, func() bool { return jobInfo(t, s, "panics").Status == StatusError })
	if le := jobInfo(t, s, "panics").LastError; le == "" {
		t.Fatal("panic left no lastError")
	}
}

func TestRegisterDuplicateAndUnregister(t *testing.T) {
	s := New(Config{})
	h := func(ctx context.Context) error { return nil }
	if err := s.Register(JobConfig{ID: "a", Interval: time.Hour}, h); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(JobConfig{ID: "a", Interval: time.Hour}, h); !errors.Is(err, ErrJobExists) {
		t.Fatalf("err = %v, want ErrJobExists", err)
	}
	if err := s.Unregister("a"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := s.Unregister("a"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}
