// warden-worker is the reference agent worker. The supervisor starts it with
// the worker protocol on stdio: an init frame carrying the manifest, then
// task frames. It answers with ready, periodic heartbeats, and one result per
// task, and exits when stdin closes or on SIGTERM.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wardenhq/warden/internal/warden/worker"
)

const heartbeatInterval = 15 * time.Second

// agentTask is the payload of a task frame.
type agentTask struct {
	Type      string         `json:"type"`
	ToolID    string         `json:"toolId,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func main() {
	w := &runner{out: json.NewEncoder(os.Stdout)}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		os.Exit(0)
	}()

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg worker.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			w.log("warn", fmt.Sprintf("bad frame: %v", err))
			continue
		}
		w.handle(msg)
	}
	// stdin closed: the supervisor is gone, so stop.
}

// runner serializes protocol writes; heartbeats and results share stdout.
type runner struct {
	mu  sync.Mutex
	out *json.Encoder

	startedHeartbeat bool
	agentID          string
}

func (w *runner) send(msg worker.Message) {
	msg.Timestamp = time.Now().UTC()
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.out.Encode(msg)
}

func (w *runner) log(level, text string) {
	payload, _ := json.Marshal(worker.LogPayload{Level: level, Message: text})
	w.send(worker.Message{Type: worker.MsgLog, Payload: payload})
}

func (w *runner) handle(msg worker.Message) {
	switch msg.Type {
	case worker.MsgInit:
		w.handleInit(msg)
	case worker.MsgTask:
		w.handleTask(msg)
	}
}

func (w *runner) handleInit(msg worker.Message) {
	var init worker.InitPayload
	if err := json.Unmarshal(msg.Payload, &init); err != nil {
		w.send(worker.Message{Type: worker.MsgReady, ID: msg.ID, Error: "bad init payload"})
		return
	}
	var m struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(init.Manifest, &m)
	w.agentID = m.ID

	w.send(worker.Message{Type: worker.MsgReady, ID: msg.ID})
	if !w.startedHeartbeat {
		w.startedHeartbeat = true
		go w.heartbeat()
	}
}

func (w *runner) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		w.send(worker.Message{Type: worker.MsgHeartbeat})
	}
}

func (w *runner) handleTask(msg worker.Message) {
	var task agentTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		w.send(worker.Message{Type: worker.MsgResult, ID: msg.ID, Error: "bad task payload"})
		return
	}

	content, err := w.run(task)
	if err != nil {
		w.send(worker.Message{Type: worker.MsgResult, ID: msg.ID, Error: err.Error()})
		return
	}
	payload, err := json.Marshal(map[string]any{"content": content})
	if err != nil {
		w.send(worker.Message{Type: worker.MsgResult, ID: msg.ID, Error: err.Error()})
		return
	}
	w.send(worker.Message{Type: worker.MsgResult, ID: msg.ID, Payload: payload})
}

// run executes one task and returns the result content.
func (w *runner) run(task agentTask) (any, error) {
	if task.Type != "invoke_tool" {
		return nil, fmt.Errorf("unsupported task type %q", task.Type)
	}
	switch task.ToolID {
	case "builtin:calculate":
		expr, _ := task.Arguments["expression"].(string)
		if strings.TrimSpace(expr) == "" {
			return nil, fmt.Errorf("calculate: missing expression")
		}
		result, err := evalExpr(expr)
		if err != nil {
			return nil, fmt.Errorf("calculate: %w", err)
		}
		return map[string]any{"result": result}, nil

	case "builtin:echo":
		return map[string]any{"echo": task.Arguments["input"]}, nil

	case "builtin:file_read":
		path, _ := task.Arguments["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("file_read: missing path")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("file_read: %w", err)
		}
		return map[string]any{"path": path, "data": string(data)}, nil

	default:
		return nil, fmt.Errorf("unknown tool %q", task.ToolID)
	}
}
