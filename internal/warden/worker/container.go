package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	labelManagedBy = "warden.managed-by"
	labelAgentID   = "warden.agent-id"
	managedByValue = "warden"
)

// ContainerConfig configures a container transport. The defaults are locked
// down: all capabilities dropped, read-only rootfs, no network, tmpfs /tmp,
// no-new-privileges.
type ContainerConfig struct {
	// Image is the worker image.
	Image string
	// Env holds extra environment variables for the worker.
	Env map[string]string
	// MemoryMB caps container memory. Zero leaves it uncapped.
	MemoryMB int64
	// CPUCores caps CPU. Zero leaves it uncapped.
	CPUCores float64
	// PidsLimit caps processes. Defaults to 64.
	PidsLimit int64
	// AllowNetwork attaches the container to NetworkName instead of "none".
	AllowNetwork bool
	// NetworkName is used when AllowNetwork is set. Defaults to "bridge".
	NetworkName string
	// TmpfsSizeMB sizes the writable /tmp. Defaults to 64.
	TmpfsSizeMB int
}

// Container runs the worker in a Docker container and speaks NDJSON over the
// attached stdio. The container is created with a hardened host config.
type Container struct {
	agentID string
	cfg     ContainerConfig
	log     *slog.Logger

	cli *dockerclient.Client

	mu          sync.Mutex
	containerID string
	attach      types.HijackedResponse
	closed      bool
	onMessage   func(Message)
	onExit      func(error)
}

// NewContainer creates a container transport for one agent. The docker client
// honors DOCKER_HOST or falls back to the default socket.
func NewContainer(agentID string, cfg ContainerConfig) (*Container, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("worker: docker client: %w", err)
	}
	if cfg.PidsLimit == 0 {
		cfg.PidsLimit = 64
	}
	if cfg.TmpfsSizeMB == 0 {
		cfg.TmpfsSizeMB = 64
	}
	return &Container{
		agentID: agentID,
		cfg:     cfg,
		cli:     cli,
		log:     slog.With("component", "worker", "agent", agentID, "runtime", "container"),
	}, nil
}

func (c *Container) OnMessage(fn func(Message)) { c.onMessage = fn }
func (c *Container) OnExit(fn func(error))      { c.onExit = fn }

// Start creates, attaches, and starts the hardened container.
func (c *Container) Start(ctx context.Context) error {
	if c.cfg.Image == "" {
		return fmt.Errorf("worker: container image is required")
	}

	env := []string{fmt.Sprintf("AGENT_ID=%s", c.agentID)}
	for k, v := range c.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	networkMode := "none"
	if c.cfg.AllowNetwork {
		networkMode = c.cfg.NetworkName
		if networkMode == "" {
			networkMode = "bridge"
		}
	}

	pids := c.cfg.PidsLimit
	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(networkMode),
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%dm", c.cfg.TmpfsSizeMB),
		},
		Resources: container.Resources{
			Memory:    c.cfg.MemoryMB << 20,
			NanoCPUs:  int64(c.cfg.CPUCores * 1e9),
			PidsLimit: &pids,
		},
	}

	containerCfg := &container.Config{
		Image:        c.cfg.Image,
		Env:          env,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelAgentID:   c.agentID,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "warden-agent-"+c.agentID)
	if err != nil {
		return fmt.Errorf("worker: create container: %w", err)
	}

	attach, err := c.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("worker: attach container: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("worker: start container: %w", err)
	}

	c.mu.Lock()
	c.containerID = resp.ID
	c.attach = attach
	c.mu.Unlock()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()
	go c.readFrames(stdoutR)
	go c.readStderr(stderrR)
	go c.waitExit()
	return nil
}

// Send writes one frame to the container's stdin.
func (c *Container) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.attach.Conn == nil {
		return ErrTransportClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("worker: marshal frame: %w", err)
	}
	if _, err := c.attach.Conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("worker: write frame: %w", err)
	}
	return nil
}

// Kill stops the container (SIGTERM, then SIGKILL after grace).
func (c *Container) Kill(grace time.Duration) error {
	c.mu.Lock()
	id := c.containerID
	closed := c.closed
	c.mu.Unlock()
	if id == "" || closed {
		return nil
	}

	timeout := int(grace.Seconds())
	ctx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("worker: stop container: %w", err)
	}
	return nil
}

func (c *Container) waitExit() {
	statusCh, errCh := c.cli.ContainerWait(context.Background(), c.containerID, container.WaitConditionNotRunning)

	var exitErr error
	select {
	case status := <-statusCh:
		if status.StatusCode != 0 {
			exitErr = fmt.Errorf("worker: container exited with status %d", status.StatusCode)
		}
	case err := <-errCh:
		exitErr = fmt.Errorf("worker: container wait: %w", err)
	}

	c.mu.Lock()
	c.closed = true
	attach := c.attach
	id := c.containerID
	c.mu.Unlock()
	if attach.Conn != nil {
		attach.Close()
	}

	// Best-effort cleanup so restart can reuse the name.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
		c.log.Warn("container cleanup failed", "err", err)
	}

	if c.onExit != nil {
		c.onExit(exitErr)
	}
}

func (c *Container) readFrames(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("unparseable worker frame", "err", err)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *Container) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.log.Info("worker stderr", "line", scanner.Text())
	}
}
