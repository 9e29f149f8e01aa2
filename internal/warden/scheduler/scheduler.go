// Package scheduler runs named interval jobs. In a cluster, singleton jobs
// run only on the leader and are additionally serialized by a cluster-wide
// per-job lock; node-local jobs run everywhere.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/warden/cluster"
)

var (
	// ErrJobExists means Register was called with an id already in use.
	ErrJobExists = errors.New("scheduler: job already registered")
	// ErrJobNotFound means no job has the given id.
	ErrJobNotFound = errors.New("scheduler: job not found")
)

// Status is a job's lifecycle state.
type Status string

const (
	// StatusPending means the job waits for its next tick.
	StatusPending Status = "pending"
	// StatusRunning means the handler is executing now.
	StatusRunning Status = "running"
	// StatusPaused means ticks are ignored until Resume.
	StatusPaused Status = "paused"
	// StatusError means consecutive failures reached the job's limit; ticks
	// are ignored until Resume.
	StatusError Status = "error"
)

// Handler is one job execution.
type Handler func(ctx context.Context) error

// JobConfig describes a registered job.
type JobConfig struct {
	ID   string
	Name string
	// Interval between runs.
	Interval time.Duration
	// InitialDelay postpones the first run. Ignored when RunImmediately.
	InitialDelay time.Duration
	// RunImmediately runs the job once as soon as the scheduler starts.
	RunImmediately bool
	// MaxConsecutiveFailures auto-pauses the job into StatusError once
	// reached. Zero means never.
	MaxConsecutiveFailures int
	// NodeLocal runs the job on every node instead of only the leader.
	NodeLocal bool
	// Disabled registers the job paused.
	Disabled bool
}

// Execution is the outcome of one run, delivered to listeners.
type Execution struct {
	JobID     string
	JobName   string
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Listener observes every job execution.
type Listener func(Execution)

// JobInfo is a read-only job snapshot.
type JobInfo struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	RunCount            int       `json:"runCount"`
	LastRun             time.Time `json:"lastRun,omitzero"`
	LastError           string    `json:"lastError,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

type job struct {
	cfg     JobConfig
	handler Handler

	status              Status
	runCount            int
	lastRun             time.Time
	lastError           error
	consecutiveFailures int

	trigger chan struct{}
	cancel  context.CancelFunc
}

// Config wires the scheduler's cluster collaborators.
type Config struct {
	// Locks serializes each job cluster-wide. Nil uses process-local locks.
	Locks cluster.JobLocks
	// IsLeader gates singleton jobs. Nil means always leader.
	IsLeader func() bool
}

// Scheduler owns the registered jobs and their tick loops.
type Scheduler struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	jobs      map[string]*job
	listeners []Listener
	ctx       context.Context
	started   bool
}

// New creates a scheduler. Jobs start ticking once Run is called.
func New(cfg Config) *Scheduler {
	if cfg.Locks == nil {
		cfg.Locks = cluster.NewLocalLocks()
	}
	return &Scheduler{
		cfg:  cfg,
		log:  slog.With("component", "scheduler"),
		jobs: make(map[string]*job),
	}
}

// AddListener registers an execution listener.
func (s *Scheduler) AddListener(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Register adds a job. Jobs registered after Run starts ticking immediately.
func (s *Scheduler) Register(cfg JobConfig, h Handler) error {
	if cfg.ID == "" || h == nil {
		return fmt.Errorf("scheduler: job needs an id and a handler")
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("scheduler: job %s needs a positive interval", cfg.ID)
	}

	j := &job{
		cfg:     cfg,
		handler: h,
		status:  StatusPending,
		trigger: make(chan struct{}, 1),
	}
	if cfg.Disabled {
		j.status = StatusPaused
	}

	s.mu.Lock()
	if _, exists := s.jobs[cfg.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobExists, cfg.ID)
	}
	s.jobs[cfg.ID] = j
	started, ctx := s.started, s.ctx
	s.mu.Unlock()

	if started {
		s.startLoop(ctx, j)
	}
	return nil
}

// Unregister stops and removes a job.
func (s *Scheduler) Unregister(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.cancel != nil {
		j.cancel()
	}
	return nil
}

// Trigger runs the job now, regardless of its pause state.
func (s *Scheduler) Trigger(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	select {
	case j.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Pause suspends the job's ticks.
func (s *Scheduler) Pause(id string) error {
	return s.setStatus(id, StatusPaused)
}

// Resume re-enables a paused or errored job and clears its failure streak.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		j.status = StatusPending
		j.consecutiveFailures = 0
		j.lastError = nil
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

func (s *Scheduler) setStatus(id string, st Status) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		j.status = st
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// Jobs snapshots every registered job, for status endpoints.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{
			ID:                  j.cfg.ID,
			Name:                j.cfg.Name,
			Status:              j.status,
			RunCount:            j.runCount,
			LastRun:             j.lastRun,
			ConsecutiveFailures: j.consecutiveFailures,
		}
		if j.lastError != nil {
			info.LastError = j.lastError.Error()
		}
		out = append(out, info)
	}
	return out
}

// Run starts every job's tick loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	s.ctx = ctx
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		s.startLoop(ctx, j)
	}
	<-ctx.Done()
}

func (s *Scheduler) startLoop(ctx context.Context, j *job) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	j.cancel = cancel
	s.mu.Unlock()
	go s.loop(loopCtx, j)
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	first := j.cfg.Interval
	if j.cfg.RunImmediately {
		s.execute(ctx, j, false)
	} else if j.cfg.InitialDelay > 0 {
		first = j.cfg.InitialDelay
	}

	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.execute(ctx, j, false)
			timer.Reset(j.cfg.Interval)
		case <-j.trigger:
			s.execute(ctx, j, true)
		}
	}
}

// execute runs one job occurrence. Non-forced runs respect pause state and
// leadership; every run takes the job's cluster lock.
func (s *Scheduler) execute(ctx context.Context, j *job, forced bool) {
	s.mu.Lock()
	status := j.status
	s.mu.Unlock()
	if !forced && (status == StatusPaused || status == StatusError) {
		return
	}
	if !forced && !j.cfg.NodeLocal && s.cfg.IsLeader != nil && !s.cfg.IsLeader() {
		return
	}

	// A forced run of a paused or errored job returns to that state after.
	idle := StatusPending
	if forced && (status == StatusPaused || status == StatusError) {
		idle = status
	}

	release, ok, err := s.cfg.Locks.TryAcquire(ctx, "warden-job:"+j.cfg.ID)
	if err != nil {
		s.log.Warn("job lock error", "job", j.cfg.ID, "err", err)
		return
	}
	if !ok {
		return
	}
	defer release()

	s.mu.Lock()
	j.status = StatusRunning
	s.mu.Unlock()

	started := time.Now()
	runErr := s.runHandler(ctx, j)
	duration := time.Since(started)

	s.mu.Lock()
	j.runCount++
	j.lastRun = started
	j.lastError = runErr
	if runErr != nil {
		j.consecutiveFailures++
		if j.cfg.MaxConsecutiveFailures > 0 && j.consecutiveFailures >= j.cfg.MaxConsecutiveFailures {
			j.status = StatusError
			s.log.Error("job disabled after repeated failures",
				"job", j.cfg.ID, "failures", j.consecutiveFailures)
		} else {
			j.status = idle
		}
	} else {
		j.consecutiveFailures = 0
		j.status = idle
	}
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	if runErr != nil {
		s.log.Warn("job failed", "job", j.cfg.ID, "err", runErr)
	}
	ev := Execution{
		JobID:     j.cfg.ID,
		JobName:   j.cfg.Name,
		StartedAt: started,
		Duration:  duration,
		Err:       runErr,
	}
	for _, fn := range listeners {
		fn(ev)
	}
}

// runHandler isolates handler panics into errors so one bad job cannot take
// the scheduler down.
func (s *Scheduler) runHandler(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: job %s panicked: %v", j.cfg.ID, r)
		}
	}()
	return j.handler(ctx)
}
