// Package worker supervises agent worker processes.
//
// Each agent runs as exactly one worker, either a local child process or a
// hardened container. The supervisor speaks a small NDJSON protocol with the
// worker over its stdio, correlates tasks with results, restarts crashed
// workers with exponential backoff, and enforces heartbeat liveness.
package worker

import (
	"encoding/json"
	"time"
)

// Message types on the supervisor↔worker stdio protocol.
const (
	// MsgInit carries the agent manifest, supervisor → worker.
	MsgInit = "init"
	// MsgReady acknowledges init, worker → supervisor.
	MsgReady = "ready"
	// MsgHeartbeat is the periodic liveness beat, worker → supervisor.
	MsgHeartbeat = "heartbeat"
	// MsgLog forwards a worker log line, worker → supervisor.
	MsgLog = "log"
	// MsgTask dispatches one task, supervisor → worker. ID correlates.
	MsgTask = "task"
	// MsgResult answers one task, worker → supervisor. ID correlates.
	MsgResult = "result"
)

// Message is one NDJSON frame on the worker protocol.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// LogPayload is the payload of a MsgLog frame.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// InitPayload is the payload of a MsgInit frame.
type InitPayload struct {
	Manifest json.RawMessage `json:"manifest"`
}
