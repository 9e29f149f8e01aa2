package tasks

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardenhq/warden/common/trace"
	"github.com/wardenhq/warden/internal/warden/audit"
	"github.com/wardenhq/warden/internal/warden/capability"
	"github.com/wardenhq/warden/internal/warden/gateway"
	"github.com/wardenhq/warden/internal/warden/llm"
	"github.com/wardenhq/warden/internal/warden/manifest"
	"github.com/wardenhq/warden/internal/warden/metrics"
	"github.com/wardenhq/warden/internal/warden/policy"
	"github.com/wardenhq/warden/internal/warden/store"
	"github.com/wardenhq/warden/internal/warden/worker"
)

// Config wires the router's collaborators.
type Config struct {
	Policy     *policy.Engine
	Caps       *capability.Manager
	Audit      *audit.Log
	Supervisor *worker.Supervisor
	LLM        *llm.Router
	Store      *store.Store
	Tools      *ToolRegistry
	Metrics    *metrics.Metrics

	// Memory serves memory tasks. Optional; nil rejects them.
	Memory Memory
	// Forwarder relays tasks for agents on other nodes. Optional; nil means
	// single-node operation.
	Forwarder Forwarder

	// ManifestSecret verifies signed manifests. Unsigned manifests pass.
	ManifestSecret []byte
	// InternalToken authenticates internal agent-to-agent tasks.
	InternalToken string
	// NodeID is this gateway's cluster identity, stamped on agent rows.
	NodeID string
	// SpawnAllowed gates new spawns; degradation sets it false in emergency.
	// Nil allows always.
	SpawnAllowed func() bool
	// Publish emits pub/sub events (agent.state.changed). Optional.
	Publish func(topic string, f gateway.Frame)
}

// Router implements gateway.Handler.
type Router struct {
	cfg Config
	log *slog.Logger
}

// NewRouter creates a task router.
func NewRouter(cfg Config) *Router {
	if cfg.Tools == nil {
		cfg.Tools = NewToolRegistry()
	}
	return &Router{cfg: cfg, log: slog.With("component", "tasks")}
}

// Tools exposes the registry so MCP discovery can add entries.
func (r *Router) Tools() *ToolRegistry { return r.cfg.Tools }

// HandleFrame dispatches one authenticated client frame. Every frame gets a
// trace ID that follows it through the subsystems it touches.
func (r *Router) HandleFrame(ctx context.Context, s gateway.Session, f gateway.Frame) {
	ctx, traceID := trace.Ensure(ctx)
	r.log.Debug("frame received",
		"type", f.Type, "client", s.ID(), "trace", traceID)

	switch f.Type {
	case gateway.TypeChat:
		r.handleChat(ctx, s, f)
	case gateway.TypeAgentSpawn:
		r.handleSpawn(ctx, s, f)
	case gateway.TypeAgentTerm:
		r.handleTerminate(ctx, s, f)
	case gateway.TypeAgentTask:
		r.handleAgentTask(ctx, s, f)
	default:
		r.fail(s, f.ID, gateway.CodeValidation, "unsupported frame type: "+f.Type)
	}
}

func (r *Router) fail(s gateway.Session, id, code, message string) {
	_ = s.Send(gateway.ErrorFrame(id, code, message))
}

func (r *Router) reply(s gateway.Session, frameType, id string, payload any) {
	f, err := gateway.NewFrame(frameType, id, payload)
	if err != nil {
		r.fail(s, id, gateway.CodeInternal, "encode response")
		return
	}
	_ = s.Send(f)
}

// --- chat ---

type chatChunk struct {
	Content string `json:"content"`
}

type chatEnd struct {
	Content  string       `json:"content"`
	Model    string       `json:"model"`
	Usage    llm.Usage    `json:"usage"`
	Metadata llm.Metadata `json:"metadata"`
}

func (r *Router) handleChat(ctx context.Context, s gateway.Session, f gateway.Frame) {
	var req llm.ChatRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil || len(req.Messages) == 0 {
		r.fail(s, f.ID, gateway.CodeValidation, "chat payload requires messages")
		return
	}

	start := time.Now()
	out, err := r.cfg.LLM.ChatStream(ctx, req, func(chunk llm.StreamChunk) error {
		if chunk.Done || chunk.Content == "" {
			return nil
		}
		return s.Send(mustFrame(gateway.TypeChatStream, f.ID, chatChunk{Content: chunk.Content}))
	})
	if err != nil {
		r.fail(s, f.ID, chatErrorCode(err), err.Error())
		return
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RetriesTotal.Add(float64(out.Metadata.RetryCount))
		r.cfg.Metrics.FailoversTotal.Add(float64(out.Metadata.FailoverCount))
		r.cfg.Metrics.RequestLatency.
			WithLabelValues(out.Metadata.ProviderID, out.Result.Model).
			Observe(time.Since(start).Seconds())
	}

	r.reply(s, gateway.TypeChatStreamEnd, f.ID, chatEnd{
		Content:  out.Result.Content,
		Model:    out.Result.Model,
		Usage:    out.Result.Usage,
		Metadata: out.Metadata,
	})
}

func chatErrorCode(err error) string {
	switch {
	case errors.Is(err, llm.ErrBudgetExceeded):
		return gateway.CodeBudgetExceeded
	case errors.Is(err, llm.ErrRateLimited):
		return gateway.CodeRateLimit
	case errors.Is(err, llm.ErrNoProvider):
		return gateway.CodeNotFound
	default:
		return gateway.CodeProvider
	}
}

func mustFrame(frameType, id string, payload any) gateway.Frame {
	f, err := gateway.NewFrame(frameType, id, payload)
	if err != nil {
		return gateway.ErrorFrame(id, gateway.CodeInternal, "encode frame")
	}
	return f
}

// --- agent lifecycle ---

type spawnResult struct {
	AgentID string `json:"agentId"`
	State   string `json:"state"`
}

func (r *Router) handleSpawn(ctx context.Context, s gateway.Session, f gateway.Frame) {
	var p SpawnPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		r.fail(s, f.ID, gateway.CodeValidation, "malformed spawn payload")
		return
	}

	var m *manifest.Manifest
	var err error
	switch {
	case len(p.Manifest) > 0:
		m, err = manifest.Parse(p.Manifest)
	case p.ManifestPath != "":
		m, err = manifest.Load(p.ManifestPath)
	default:
		r.fail(s, f.ID, gateway.CodeValidation, "spawn requires manifest or manifestPath")
		return
	}
	if err != nil {
		r.fail(s, f.ID, gateway.CodeValidation, err.Error())
		return
	}
	if m.Signature != "" {
		if err := m.Verify(r.cfg.ManifestSecret); err != nil {
			r.audit(audit.Entry{
				Action: "agent.spawn", ResourceType: "agent", ResourceID: m.ID,
				Outcome: audit.OutcomeDenied, Details: map[string]any{"reason": "bad manifest signature"},
			})
			r.fail(s, f.ID, gateway.CodeAuth, "manifest signature invalid")
			return
		}
	}

	if r.cfg.SpawnAllowed != nil && !r.cfg.SpawnAllowed() {
		r.fail(s, f.ID, gateway.CodeInternal, "service degraded: agent spawns suspended")
		return
	}

	if r.cfg.Store != nil {
		row := &store.Agent{ID: m.ID, Name: m.Name, State: string(worker.StateStarting)}
		if r.cfg.NodeID != "" {
			row.NodeID.String, row.NodeID.Valid = r.cfg.NodeID, true
		}
		if err := r.cfg.Store.CreateAgent(ctx, row); err != nil {
			r.fail(s, f.ID, gateway.CodeValidation, fmt.Sprintf("agent id %q not available", m.ID))
			return
		}
	}

	if err := r.grantManifestCapabilities(m); err != nil {
		r.fail(s, f.ID, gateway.CodeValidation, err.Error())
		return
	}

	if err := r.cfg.Supervisor.Spawn(ctx, m); err != nil {
		r.audit(audit.Entry{
			Action: "agent.spawn", ResourceType: "agent", ResourceID: m.ID,
			Outcome: audit.OutcomeError, Details: map[string]any{"error": err.Error()},
		})
		code := gateway.CodeInternal
		if errors.Is(err, worker.ErrAgentExists) {
			code = gateway.CodeValidation
		}
		r.fail(s, f.ID, code, err.Error())
		return
	}

	r.audit(audit.Entry{
		Action: "agent.spawn", ResourceType: "agent", ResourceID: m.ID,
		ActorID: s.ID(), Outcome: audit.OutcomeSuccess,
		Details: map[string]any{"trustLevel": m.TrustLevel},
	})
	r.reply(s, gateway.TypeResult, f.ID, spawnResult{AgentID: m.ID, State: string(worker.StateReady)})
}

// grantManifestCapabilities issues the agent's capability tokens. Explicit
// permissionGrants come first; compact permission strings fill in behind
// them.
func (r *Router) grantManifestCapabilities(m *manifest.Manifest) error {
	perms := make([]capability.Permission, 0, len(m.PermissionGrants)+len(m.Permissions))
	perms = append(perms, m.PermissionGrants...)
	for _, s := range m.Permissions {
		p, err := capability.ParsePermission(s)
		if err != nil {
			return err
		}
		perms = append(perms, p)
	}
	if len(perms) == 0 {
		return nil
	}
	_, err := r.cfg.Caps.Grant(capability.GrantRequest{
		AgentID:     m.ID,
		Permissions: perms,
		Purpose:     "agent manifest",
	}, "gateway")
	return err
}

func (r *Router) handleTerminate(ctx context.Context, s gateway.Session, f gateway.Frame) {
	var p TerminatePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.AgentID == "" {
		r.fail(s, f.ID, gateway.CodeValidation, "terminate requires agentId")
		return
	}

	if err := r.cfg.Supervisor.Terminate(ctx, p.AgentID); err != nil {
		code := gateway.CodeInternal
		if errors.Is(err, worker.ErrAgentNotFound) {
			code = gateway.CodeNotFound
		}
		r.fail(s, f.ID, code, err.Error())
		return
	}
	revoked := r.cfg.Caps.RevokeAll(p.AgentID)

	r.audit(audit.Entry{
		Action: "agent.terminate", ResourceType: "agent", ResourceID: p.AgentID,
		ActorID: s.ID(), Outcome: audit.OutcomeSuccess,
		Details: map[string]any{"tokensRevoked": revoked},
	})
	r.reply(s, gateway.TypeResult, f.ID, map[string]string{"agentId": p.AgentID, "state": string(worker.StateTerminated)})
}

// --- agent tasks ---

func (r *Router) handleAgentTask(ctx context.Context, s gateway.Session, f gateway.Frame) {
	var p TaskPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.AgentID == "" || len(p.Task) == 0 {
		r.fail(s, f.ID, gateway.CodeValidation, "task payload requires agentId and task")
		return
	}

	if p.Internal {
		if r.cfg.InternalToken == "" ||
			subtle.ConstantTimeCompare([]byte(p.InternalToken), []byte(r.cfg.InternalToken)) != 1 {
			r.fail(s, f.ID, gateway.CodeAuth, "invalid internal token")
			return
		}
	}

	// Agents on another node are served there.
	if r.cfg.Forwarder != nil {
		nodeID, local, err := r.cfg.Forwarder.NodeFor(ctx, p.AgentID)
		if err == nil && !local {
			reply, err := r.cfg.Forwarder.Forward(ctx, nodeID, f)
			if err != nil {
				r.fail(s, f.ID, gateway.CodeInternal, "cross-node forward: "+err.Error())
				return
			}
			_ = s.Send(reply)
			return
		}
	}

	var task AgentTask
	if err := json.Unmarshal(p.Task, &task); err != nil || task.Type == "" {
		r.fail(s, f.ID, gateway.CodeValidation, "task requires a type")
		return
	}

	switch task.Type {
	case TaskInvokeTool:
		r.handleInvokeTool(ctx, s, f, p.AgentID, task)
	case TaskSearchMemory, TaskStoreFact, TaskRecordEpisode, TaskLearnProcedure:
		if r.cfg.Memory == nil {
			r.fail(s, f.ID, gateway.CodeNotFound, "memory is not configured")
			return
		}
		out, err := r.cfg.Memory.Handle(ctx, p.AgentID, task.Type, task.Payload)
		if err != nil {
			r.fail(s, f.ID, gateway.CodeInternal, err.Error())
			return
		}
		r.reply(s, gateway.TypeResult, f.ID, json.RawMessage(out))
	case TaskListTools:
		m, err := r.cfg.Supervisor.Manifest(p.AgentID)
		if err != nil {
			r.fail(s, f.ID, gateway.CodeNotFound, err.Error())
			return
		}
		r.reply(s, gateway.TypeResult, f.ID, map[string]any{"tools": r.cfg.Tools.ListFor(m)})
	default:
		r.fail(s, f.ID, gateway.CodeValidation, "unknown task type: "+task.Type)
	}
}

func (r *Router) handleInvokeTool(ctx context.Context, s gateway.Session, f gateway.Frame, agentID string, task AgentTask) {
	m, err := r.cfg.Supervisor.Manifest(agentID)
	if err != nil {
		r.fail(s, f.ID, gateway.CodeNotFound, err.Error())
		return
	}
	tool, ok := r.cfg.Tools.Get(task.ToolID)
	if !ok {
		r.fail(s, f.ID, gateway.CodeNotFound, "unknown tool: "+task.ToolID)
		return
	}

	// Policy gate on the resource the tool targets.
	decision := policy.Allow
	resource := tool.ID
	capResource := ""
	if tool.PolicyRequest != nil {
		req, ok := tool.PolicyRequest(task.Arguments)
		if !ok {
			r.fail(s, f.ID, gateway.CodeValidation, "tool arguments incomplete")
			return
		}
		res := r.cfg.Policy.Evaluate(req)
		decision = res.Decision
		resource = req.Describe()
		capResource = capabilityResource(req)
		if res.Decision == policy.Block {
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.BlockedToolCalls.Inc()
			}
			r.audit(audit.Entry{
				Action: "tool.invoke", ResourceType: "tool", ResourceID: tool.ID,
				ActorID: agentID, Outcome: audit.OutcomeBlocked,
				Details: map[string]any{"rule": res.RuleID, "resource": resource, "reason": res.Reason},
			})
			r.fail(s, f.ID, gateway.CodePermissionDenied,
				fmt.Sprintf("blocked by policy rule %s", res.RuleID))
			return
		}
	}

	// Approval gate: supervised trust always; otherwise tools flagged for
	// confirmation and policy approve decisions.
	needsApproval := m.Supervised() || tool.RequiresConfirmation || decision == policy.Approve
	if needsApproval && (task.Approval == nil || task.Approval.ApprovedBy == "") {
		r.audit(audit.Entry{
			Action: "tool.invoke", ResourceType: "tool", ResourceID: tool.ID,
			ActorID: agentID, Outcome: audit.OutcomeDenied,
			Details: map[string]any{"reason": "approval required"},
		})
		r.fail(s, f.ID, gateway.CodePermissionDenied, "approval required")
		return
	}

	// Capability gate.
	if _, err := r.cfg.Caps.Check(agentID, tool.Category, tool.Action, capResource); err != nil {
		r.audit(audit.Entry{
			Action: "tool.invoke", ResourceType: "tool", ResourceID: tool.ID,
			ActorID: agentID, Outcome: audit.OutcomeDenied,
			Details: map[string]any{"reason": err.Error()},
		})
		r.fail(s, f.ID, gateway.CodePermissionDenied, "missing capability: "+tool.Category+"."+tool.Action)
		return
	}

	out, err := r.cfg.Supervisor.Dispatch(ctx, agentID, task)
	if err != nil {
		r.audit(audit.Entry{
			Action: "tool.invoke", ResourceType: "tool", ResourceID: tool.ID,
			ActorID: agentID, Outcome: audit.OutcomeError,
			Details: map[string]any{"error": err.Error()},
		})
		r.fail(s, f.ID, gateway.CodeInternal, err.Error())
		return
	}

	r.audit(audit.Entry{
		Action: "tool.invoke", ResourceType: "tool", ResourceID: tool.ID,
		ActorID: agentID, Outcome: audit.OutcomeSuccess,
		Details: map[string]any{"resource": resource},
	})
	r.reply(s, gateway.TypeResult, f.ID, json.RawMessage(out))
}

// capabilityResource extracts the bare resource a capability token would
// name, per surface.
func capabilityResource(req policy.Request) string {
	switch req.Surface {
	case policy.SurfaceFile:
		return req.Path
	case policy.SurfaceNetwork:
		return req.Host
	case policy.SurfaceShell:
		return req.Command
	case policy.SurfaceSecret:
		return req.Name
	}
	return ""
}

func (r *Router) audit(e audit.Entry) {
	if r.cfg.Audit != nil {
		r.cfg.Audit.Append(e)
	}
}

// statePayload is the agent.state.changed event body.
type statePayload struct {
	AgentID string `json:"agentId"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// OnAgentStateChange publishes lifecycle transitions and persists the new
// state. Wire it into the supervisor's OnStateChange hook.
func (r *Router) OnAgentStateChange(agentID string, from, to worker.AgentState) {
	if r.cfg.Publish != nil {
		r.cfg.Publish("agent.state.changed", mustFrame(gateway.TypeSystem, "", map[string]any{
			"event":   "agent.state.changed",
			"payload": statePayload{AgentID: agentID, From: string(from), To: string(to)},
		}))
	}
	if r.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.cfg.Store.UpdateAgentState(ctx, agentID, string(to)); err != nil {
			r.log.Warn("persist agent state", "agent", agentID, "state", to, "err", err)
		}
	}
}
