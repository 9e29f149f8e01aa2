// Package tasks routes validated client frames to the subsystem that serves
// them: chat to the model router, agent lifecycle to the supervisor, tool
// invocations through the policy, approval, and capability gates, memory
// operations to the memory collaborator, and tasks for remote agents to the
// cluster forwarder.
package tasks

import (
	"context"
	"encoding/json"

	"github.com/wardenhq/warden/internal/warden/gateway"
)

// Task type tags inside an agent.task frame.
const (
	TaskInvokeTool     = "invoke_tool"
	TaskSearchMemory   = "search_memory"
	TaskStoreFact      = "store_fact"
	TaskRecordEpisode  = "record_episode"
	TaskLearnProcedure = "learn_procedure"
	TaskListTools      = "list_tools"
)

// SpawnPayload is the payload of an agent.spawn frame: either an inline
// manifest or a path to one.
type SpawnPayload struct {
	Manifest     json.RawMessage `json:"manifest,omitempty"`
	ManifestPath string          `json:"manifestPath,omitempty"`
}

// TerminatePayload is the payload of an agent.terminate frame.
type TerminatePayload struct {
	AgentID string `json:"agentId"`
}

// TaskPayload is the payload of an agent.task frame.
type TaskPayload struct {
	AgentID       string          `json:"agentId"`
	Task          json.RawMessage `json:"task"`
	Internal      bool            `json:"internal,omitempty"`
	InternalToken string          `json:"internalToken,omitempty"`
}

// Approval records who approved a gated tool invocation.
type Approval struct {
	ApprovedBy string `json:"approvedBy"`
	ApprovedAt string `json:"approvedAt,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// AgentTask is the typed task inside a TaskPayload.
type AgentTask struct {
	Type      string          `json:"type"`
	ToolID    string          `json:"toolId,omitempty"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	Approval  *Approval       `json:"approval,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Memory is the collaborator that serves memory tasks. Implementations live
// outside the gateway; the router only forwards.
type Memory interface {
	Handle(ctx context.Context, agentID, op string, payload json.RawMessage) (json.RawMessage, error)
}

// Forwarder routes frames for agents that live on another cluster node.
type Forwarder interface {
	// NodeFor resolves which node owns the agent. local is true when this
	// node does.
	NodeFor(ctx context.Context, agentID string) (nodeID string, local bool, err error)
	// Forward relays the frame to the node and returns the correlated reply.
	Forward(ctx context.Context, nodeID string, f gateway.Frame) (gateway.Frame, error)
}
