package tasks

import (
	"sort"
	"strings"
	"sync"

	"github.com/wardenhq/warden/internal/warden/manifest"
	"github.com/wardenhq/warden/internal/warden/policy"
)

// Tool describes one invokable tool: its identity, the capability it
// requires, and how its arguments map onto a policy request.
type Tool struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Description          string `json:"description,omitempty"`
	RequiresConfirmation bool   `json:"requiresConfirmation,omitempty"`

	// Category and Action name the capability an agent needs to invoke the
	// tool.
	Category string `json:"-"`
	Action   string `json:"-"`

	// PolicyRequest derives the access request the tool's invocation makes,
	// from its arguments. Nil for tools that touch no guarded resource.
	PolicyRequest func(args map[string]any) (policy.Request, bool) `json:"-"`
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// builtinTools are the tools every worker ships with.
func builtinTools() []Tool {
	return []Tool{
		{
			ID:          "builtin:calculate",
			Name:        "Calculate",
			Description: "Evaluate an arithmetic expression.",
			Category:    "tools",
			Action:      "execute",
		},
		{
			ID:          "builtin:echo",
			Name:        "Echo",
			Description: "Return the input unchanged.",
			Category:    "tools",
			Action:      "execute",
		},
		{
			ID:          "builtin:file_read",
			Name:        "Read file",
			Description: "Read a file from the worker filesystem.",
			Category:    "filesystem",
			Action:      "read",
			PolicyRequest: func(args map[string]any) (policy.Request, bool) {
				path := stringArg(args, "path")
				if path == "" {
					return policy.Request{}, false
				}
				return policy.FileRequest(path, policy.OpRead), true
			},
		},
	}
}

// ToolRegistry holds the builtin tools plus any registered MCP tools.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a registry seeded with the builtin tools.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, t := range builtinTools() {
		r.tools[t.ID] = t
	}
	return r
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.ID] = t
}

// Get looks a tool up by id.
func (r *ToolRegistry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// ListFor returns the tools the agent's manifest permits, honoring the
// manifest's explicit tool toggles, sorted by id.
func (r *ToolRegistry) ListFor(m *manifest.Manifest) []Tool {
	disabled := make(map[string]bool)
	for _, ref := range m.Tools {
		if !ref.Enabled {
			disabled[ref.ID] = true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if disabled[t.ID] {
			continue
		}
		if manifestPermits(m, t.Category, t.Action) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// manifestPermits checks the manifest's permission surface for
// category.action. Explicit permissionGrants take precedence over the
// compact permission strings.
func manifestPermits(m *manifest.Manifest, category, action string) bool {
	for _, g := range m.PermissionGrants {
		if g.Category != category && g.Category != "*" {
			continue
		}
		for _, a := range g.Actions {
			if a == action || a == "*" {
				return true
			}
		}
	}
	for _, p := range m.Permissions {
		spec := p
		if i := strings.IndexByte(spec, ':'); i >= 0 {
			spec = spec[:i]
		}
		if spec == category+"."+action || spec == category+".*" || spec == "*" {
			return true
		}
	}
	return false
}
