package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/warden/manifest"
)

// AgentState is one node of the agent lifecycle.
type AgentState string

const (
	StateIdle       AgentState = "idle"
	StateStarting   AgentState = "starting"
	StateReady      AgentState = "ready"
	StateRunning    AgentState = "running"
	StateError      AgentState = "error"
	StateTerminated AgentState = "terminated"
)

// transitions is the lifecycle DAG. Error is reachable from every non-terminal
// state; terminated is final.
var transitions = map[AgentState][]AgentState{
	StateIdle:     {StateStarting, StateError, StateTerminated},
	StateStarting: {StateReady, StateError, StateTerminated},
	StateReady:    {StateRunning, StateStarting, StateError, StateTerminated},
	StateRunning:  {StateReady, StateStarting, StateError, StateTerminated},
	StateError:    {StateTerminated},
}

func canTransition(from, to AgentState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrAgentExists means the agent id is already live or was terminated
	// earlier; terminated ids are never reused.
	ErrAgentExists = errors.New("worker: agent id already used")
	// ErrAgentNotFound means no such agent.
	ErrAgentNotFound = errors.New("worker: agent not found")
	// ErrNotReady means the agent cannot accept tasks in its current state.
	ErrNotReady = errors.New("worker: agent not ready")
	// ErrWorkerExited rejects pending tasks when the worker process leaves.
	ErrWorkerExited = errors.New("worker exited")
	// ErrTaskTimeout means the task deadline passed; the worker stays up.
	ErrTaskTimeout = errors.New("worker: task timed out")
	// ErrReadyTimeout means the worker never acknowledged init.
	ErrReadyTimeout = errors.New("worker: ready timeout")
)

const maxRestartBackoff = 30 * time.Second

// baseRestartDelay is a var so tests can shrink the backoff.
var baseRestartDelay = time.Second

// backoffDelay returns the wait before restart attempt n (1-based):
// 1s, 2s, 4s, … capped at 30s.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseRestartDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRestartBackoff {
			return maxRestartBackoff
		}
	}
	return d
}

// TransportFactory builds the transport for one agent. The supervisor calls
// it on spawn and again on every restart.
type TransportFactory func(m *manifest.Manifest) (Transport, error)

// Config tunes the supervisor.
type Config struct {
	// NewTransport builds worker transports. Required.
	NewTransport TransportFactory
	// ReadyTimeout bounds the init→ready handshake. Default 30s.
	ReadyTimeout time.Duration
	// TaskTimeout bounds one dispatched task. Default 60s.
	TaskTimeout time.Duration
	// HeartbeatTimeout is how stale a heartbeat may get before the worker is
	// killed and restarted. Default 60s.
	HeartbeatTimeout time.Duration
	// HeartbeatCheckInterval is the monitor period. Default 10s.
	HeartbeatCheckInterval time.Duration
	// GraceTimeout is the SIGTERM→SIGKILL window. Default 5s.
	GraceTimeout time.Duration
	// MaxRestarts bounds automatic restarts before state=error. Default 4.
	MaxRestarts int
	// OnStateChange, when non-nil, observes every lifecycle transition.
	OnStateChange func(agentID string, from, to AgentState)
}

func (c *Config) defaults() {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 60 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.HeartbeatCheckInterval <= 0 {
		c.HeartbeatCheckInterval = 10 * time.Second
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = 5 * time.Second
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 4
	}
}

type taskOutcome struct {
	payload json.RawMessage
	err     error
}

// agentEntry is the supervisor's record of one agent and its worker.
type agentEntry struct {
	mu sync.Mutex

	id       string
	manifest *manifest.Manifest
	state    AgentState

	transport         Transport
	readyCh           chan error
	pending           map[string]chan taskOutcome
	restartAttempts   int
	shutdownRequested bool
	lastHeartbeat     time.Time
}

// AgentInfo is a read-only snapshot for status endpoints.
type AgentInfo struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	State           AgentState `json:"state"`
	TrustLevel      string     `json:"trustLevel"`
	PendingTasks    int        `json:"pendingTasks"`
	RestartAttempts int        `json:"restartAttempts"`
}

// Supervisor owns all agent workers. One worker per agent; spawn, dispatch,
// and terminate serialize per agent.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	agents map[string]*agentEntry
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg Config) *Supervisor {
	cfg.defaults()
	return &Supervisor{
		cfg:    cfg,
		log:    slog.With("component", "supervisor"),
		agents: make(map[string]*agentEntry),
	}
}

// setState applies a lifecycle transition. Caller holds e.mu. Invalid
// transitions are refused.
func (s *Supervisor) setState(e *agentEntry, to AgentState) bool {
	if e.state == to {
		return true
	}
	if !canTransition(e.state, to) {
		s.log.Warn("refused state transition", "agent", e.id, "from", e.state, "to", to)
		return false
	}
	from := e.state
	e.state = to
	s.log.Info("agent state changed", "agent", e.id, "from", from, "to", to)
	if s.cfg.OnStateChange != nil {
		go s.cfg.OnStateChange(e.id, from, to)
	}
	return true
}

// Spawn registers the agent and starts its worker, blocking until the worker
// reports ready or the handshake times out. Terminated agent ids are burned
// and cannot be reused.
func (s *Supervisor) Spawn(ctx context.Context, m *manifest.Manifest) error {
	s.mu.Lock()
	if _, exists := s.agents[m.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentExists, m.ID)
	}
	e := &agentEntry{
		id:       m.ID,
		manifest: m,
		state:    StateIdle,
		pending:  make(map[string]chan taskOutcome),
	}
	s.agents[m.ID] = e
	s.mu.Unlock()

	if err := s.startWorker(ctx, e); err != nil {
		return err
	}
	return nil
}

// startWorker launches (or relaunches) the worker for e and waits for ready.
func (s *Supervisor) startWorker(ctx context.Context, e *agentEntry) error {
	e.mu.Lock()
	if e.shutdownRequested || e.state == StateTerminated {
		e.mu.Unlock()
		return ErrAgentNotFound
	}
	if !s.setState(e, StateStarting) {
		e.mu.Unlock()
		return fmt.Errorf("worker: agent %s cannot start from state %s", e.id, e.state)
	}
	readyCh := make(chan error, 1)
	e.readyCh = readyCh
	e.mu.Unlock()

	t, err := s.cfg.NewTransport(e.manifest)
	if err != nil {
		s.failAgent(e, fmt.Errorf("worker: build transport: %w", err))
		return err
	}
	t.OnMessage(func(msg Message) { s.handleMessage(e, msg) })
	t.OnExit(func(exitErr error) { s.handleExit(e, exitErr) })

	if err := t.Start(ctx); err != nil {
		s.failAgent(e, err)
		return err
	}

	e.mu.Lock()
	e.transport = t
	e.lastHeartbeat = time.Now()
	e.mu.Unlock()

	raw, err := json.Marshal(e.manifest)
	if err != nil {
		s.failAgent(e, err)
		return fmt.Errorf("worker: marshal manifest: %w", err)
	}
	payload, _ := json.Marshal(InitPayload{Manifest: raw})
	if err := t.Send(Message{Type: MsgInit, Payload: payload, Timestamp: time.Now().UTC()}); err != nil {
		s.failAgent(e, err)
		return err
	}

	select {
	case err := <-readyCh:
		return err
	case <-time.After(s.cfg.ReadyTimeout):
		_ = t.Kill(0)
		s.failAgent(e, ErrReadyTimeout)
		return fmt.Errorf("%w: %s", ErrReadyTimeout, e.id)
	case <-ctx.Done():
		_ = t.Kill(0)
		s.failAgent(e, ctx.Err())
		return ctx.Err()
	}
}

func (s *Supervisor) failAgent(e *agentEntry, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s.log.Error("agent failed", "agent", e.id, "err", err)
	s.setState(e, StateError)
}

func (s *Supervisor) handleMessage(e *agentEntry, msg Message) {
	switch msg.Type {
	case MsgReady:
		e.mu.Lock()
		e.restartAttempts = 0
		e.lastHeartbeat = time.Now()
		ok := s.setState(e, StateReady)
		readyCh := e.readyCh
		e.readyCh = nil
		e.mu.Unlock()
		if ok && readyCh != nil {
			readyCh <- nil
		}

	case MsgHeartbeat:
		e.mu.Lock()
		e.lastHeartbeat = time.Now()
		e.mu.Unlock()

	case MsgLog:
		var p LogPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		level := slog.LevelInfo
		switch p.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		s.log.Log(context.Background(), level, p.Message, "agent", e.id)

	case MsgResult:
		e.mu.Lock()
		ch, ok := e.pending[msg.ID]
		if ok {
			delete(e.pending, msg.ID)
		}
		if len(e.pending) == 0 && e.state == StateRunning {
			s.setState(e, StateReady)
		}
		e.mu.Unlock()
		if !ok {
			s.log.Warn("result for unknown task", "agent", e.id, "task", msg.ID)
			return
		}
		out := taskOutcome{payload: msg.Payload}
		if msg.Error != "" {
			out.err = errors.New(msg.Error)
		}
		ch <- out

	default:
		s.log.Warn("unknown worker message", "agent", e.id, "type", msg.Type)
	}
}

// handleExit runs when the worker process leaves: pending tasks are rejected,
// then the worker is either retired (requested shutdown), restarted with
// backoff, or the agent moves to error once the restart budget is spent.
func (s *Supervisor) handleExit(e *agentEntry, exitErr error) {
	e.mu.Lock()
	for id, ch := range e.pending {
		delete(e.pending, id)
		ch <- taskOutcome{err: ErrWorkerExited}
	}
	e.transport = nil
	if e.readyCh != nil {
		// Unblock a handshake still waiting on ready.
		e.readyCh <- ErrWorkerExited
		e.readyCh = nil
	}

	if e.shutdownRequested {
		s.setState(e, StateTerminated)
		e.mu.Unlock()
		return
	}

	e.restartAttempts++
	attempt := e.restartAttempts
	if attempt > s.cfg.MaxRestarts {
		s.log.Error("restart budget exhausted", "agent", e.id, "attempts", attempt-1, "exitErr", exitErr)
		s.setState(e, StateError)
		e.mu.Unlock()
		return
	}
	delay := backoffDelay(attempt)
	e.mu.Unlock()

	s.log.Warn("worker exited, restarting",
		"agent", e.id, "attempt", attempt, "delay", delay, "exitErr", exitErr)
	go func() {
		time.Sleep(delay)
		e.mu.Lock()
		stop := e.shutdownRequested || e.state == StateTerminated
		e.mu.Unlock()
		if stop {
			return
		}
		if err := s.startWorker(context.Background(), e); err != nil {
			s.log.Error("restart failed", "agent", e.id, "err", err)
		}
	}()
}

// Dispatch sends one task to the agent's worker and waits for the result.
// A timeout rejects the task but leaves the worker running.
func (s *Supervisor) Dispatch(ctx context.Context, agentID string, task any) (json.RawMessage, error) {
	e := s.get(agentID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	e.mu.Lock()
	if e.state != StateReady && e.state != StateRunning {
		state := e.state
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, agentID, state)
	}
	t := e.transport
	taskID := uuid.NewString()
	ch := make(chan taskOutcome, 1)
	e.pending[taskID] = ch
	s.setState(e, StateRunning)
	e.mu.Unlock()

	payload, err := json.Marshal(task)
	if err != nil {
		s.dropPending(e, taskID)
		return nil, fmt.Errorf("worker: marshal task: %w", err)
	}
	if err := t.Send(Message{Type: MsgTask, ID: taskID, Payload: payload, Timestamp: time.Now().UTC()}); err != nil {
		s.dropPending(e, taskID)
		return nil, err
	}

	select {
	case out := <-ch:
		return out.payload, out.err
	case <-time.After(s.cfg.TaskTimeout):
		s.dropPending(e, taskID)
		return nil, fmt.Errorf("%w: %s", ErrTaskTimeout, taskID)
	case <-ctx.Done():
		s.dropPending(e, taskID)
		return nil, ctx.Err()
	}
}

func (s *Supervisor) dropPending(e *agentEntry, taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, taskID)
	if len(e.pending) == 0 && e.state == StateRunning {
		s.setState(e, StateReady)
	}
}

// Terminate requests worker shutdown: graceful kill first, hard kill after
// the grace window. The agent ends in state terminated and its id is burned.
func (s *Supervisor) Terminate(ctx context.Context, agentID string) error {
	e := s.get(agentID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	e.shutdownRequested = true
	t := e.transport
	if t == nil {
		// No live worker (idle or error); terminate directly.
		s.setState(e, StateTerminated)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	return t.Kill(s.cfg.GraceTimeout)
}

// TerminateAll shuts every live worker down. Used on gateway shutdown.
func (s *Supervisor) TerminateAll(ctx context.Context) {
	for _, info := range s.Agents() {
		if info.State != StateTerminated {
			if err := s.Terminate(ctx, info.ID); err != nil {
				s.log.Warn("terminate failed", "agent", info.ID, "err", err)
			}
		}
	}
}

// Run monitors worker heartbeats until ctx is done. A stale heartbeat kills
// the worker; the exit path then restarts it with backoff.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHeartbeats()
		}
	}
}

func (s *Supervisor) checkHeartbeats() {
	s.mu.Lock()
	entries := make([]*agentEntry, 0, len(s.agents))
	for _, e := range s.agents {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		stale := e.transport != nil &&
			(e.state == StateReady || e.state == StateRunning) &&
			time.Since(e.lastHeartbeat) > s.cfg.HeartbeatTimeout
		t := e.transport
		e.mu.Unlock()
		if stale {
			s.log.Warn("heartbeat stale, killing worker", "agent", e.id)
			_ = t.Kill(s.cfg.GraceTimeout)
		}
	}
}

// State returns the agent's lifecycle state.
func (s *Supervisor) State(agentID string) (AgentState, error) {
	e := s.get(agentID)
	if e == nil {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// Manifest returns the agent's manifest.
func (s *Supervisor) Manifest(agentID string) (*manifest.Manifest, error) {
	e := s.get(agentID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return e.manifest, nil
}

// Agents snapshots every known agent for status endpoints.
func (s *Supervisor) Agents() []AgentInfo {
	s.mu.Lock()
	entries := make([]*agentEntry, 0, len(s.agents))
	for _, e := range s.agents {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]AgentInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, AgentInfo{
			ID:              e.id,
			Name:            e.manifest.Name,
			State:           e.state,
			TrustLevel:      e.manifest.TrustLevel,
			PendingTasks:    len(e.pending),
			RestartAttempts: e.restartAttempts,
		})
		e.mu.Unlock()
	}
	return out
}

func (s *Supervisor) get(agentID string) *agentEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[agentID]
}
