package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// LocalConfig configures a child-process transport.
type LocalConfig struct {
	// Command is the worker binary path.
	Command string
	// Args are passed to the worker binary.
	Args []string
	// Env is the child's environment (nil inherits nothing beyond the
	// explicit entries; the supervisor decides what leaks into workers).
	Env []string
	// Dir is the working directory.
	Dir string
}

// Local runs the worker as a child process and speaks NDJSON over its stdio.
// Stderr lines are forwarded to the structured log.
type Local struct {
	cfg LocalConfig
	log *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	closed    bool
	onMessage func(Message)
	onExit    func(error)
}

// NewLocal creates a local transport for one agent.
func NewLocal(agentID string, cfg LocalConfig) *Local {
	return &Local{
		cfg: cfg,
		log: slog.With("component", "worker", "agent", agentID, "runtime", "local"),
	}
}

func (l *Local) OnMessage(fn func(Message)) { l.onMessage = fn }
func (l *Local) OnExit(fn func(error))      { l.onExit = fn }

// Start launches the child and begins pumping its stdio.
func (l *Local) Start(ctx context.Context) error {
	cmd := exec.Command(l.cfg.Command, l.cfg.Args...)
	cmd.Env = l.cfg.Env
	cmd.Dir = l.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("worker: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("worker: start %s: %w", l.cfg.Command, err)
	}

	l.mu.Lock()
	l.cmd = cmd
	l.stdin = stdin
	l.mu.Unlock()

	go l.readFrames(stdout)
	go l.readStderr(stderr)
	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		if l.onExit != nil {
			l.onExit(err)
		}
	}()
	return nil
}

// Send writes one frame to the worker's stdin.
func (l *Local) Send(msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.stdin == nil {
		return ErrTransportClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("worker: marshal frame: %w", err)
	}
	if _, err := l.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("worker: write frame: %w", err)
	}
	return nil
}

// Kill sends SIGTERM, then SIGKILL after grace.
func (l *Local) Kill(grace time.Duration) error {
	l.mu.Lock()
	cmd := l.cmd
	closed := l.closed
	l.mu.Unlock()
	if cmd == nil || cmd.Process == nil || closed {
		return nil
	}

	if grace <= 0 {
		return cmd.Process.Kill()
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}
	go func() {
		time.Sleep(grace)
		l.mu.Lock()
		stillUp := !l.closed
		l.mu.Unlock()
		if stillUp {
			l.log.Warn("worker ignored SIGTERM, killing")
			_ = cmd.Process.Kill()
		}
	}()
	return nil
}

func (l *Local) readFrames(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			l.log.Warn("unparseable worker frame", "err", err, "line", string(line[:min(len(line), 200)]))
			continue
		}
		if l.onMessage != nil {
			l.onMessage(msg)
		}
	}
}

func (l *Local) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		l.log.Info("worker stderr", "line", scanner.Text())
	}
}
