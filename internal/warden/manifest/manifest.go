// Package manifest parses, validates, and signs agent manifests.
//
// A manifest is the declarative description of an agent: identity,
// permissions, limits, trust level, and tools. Validation runs against an
// embedded JSON schema with every field enumerated; unknown fields are
// rejected rather than silently carried along. Signatures are an HMAC over
// the canonical JSON form with the signature field removed.
package manifest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wardenhq/warden/internal/warden/capability"
)

var (
	// ErrInvalid wraps schema validation failures.
	ErrInvalid = errors.New("manifest: invalid")
	// ErrBadSignature means the manifest signature does not verify.
	ErrBadSignature = errors.New("manifest: bad signature")
	// ErrUnsigned means verification was requested but no signature present.
	ErrUnsigned = errors.New("manifest: not signed")
)

// Trust levels control how much supervision an agent's tool calls get.
const (
	TrustSupervised          = "supervised"
	TrustSemiAutonomous      = "semi-autonomous"
	TrustMonitoredAutonomous = "monitored-autonomous"
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("manifest/schema.json", schemaJSON)

// Limits bounds an agent's resource consumption. Zero means unlimited.
type Limits struct {
	MaxTokensPerRequest   int     `json:"maxTokensPerRequest,omitempty"`
	TokensPerMinute       int     `json:"tokensPerMinute,omitempty"`
	MaxMemoryMB           int     `json:"maxMemoryMB,omitempty"`
	MaxConcurrentRequests int     `json:"maxConcurrentRequests,omitempty"`
	CostBudgetUSD         float64 `json:"costBudgetUSD,omitempty"`
	CPUCores              float64 `json:"cpuCores,omitempty"`
	DiskQuotaMB           int     `json:"diskQuotaMB,omitempty"`
}

// MCPServer references an MCP tool server the agent may use.
type MCPServer struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	URL     string   `json:"url,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// ToolRef enables or disables one tool for the agent.
type ToolRef struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled,omitempty"`
}

// Manifest is the declarative agent description.
type Manifest struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name"`
	Version          string                  `json:"version,omitempty"`
	Description      string                  `json:"description,omitempty"`
	Permissions      []string                `json:"permissions,omitempty"`
	PermissionGrants []capability.Permission `json:"permissionGrants,omitempty"`
	TrustLevel       string                  `json:"trustLevel,omitempty"`
	Limits           *Limits                 `json:"limits,omitempty"`
	PreferredModel   string                  `json:"preferredModel,omitempty"`
	MCPServers       []MCPServer             `json:"mcpServers,omitempty"`
	Tools            []ToolRef               `json:"tools,omitempty"`
	RequiredSkills   []string                `json:"requiredSkills,omitempty"`
	A2ASkills        []string                `json:"a2aSkills,omitempty"`
	Signature        string                  `json:"signature,omitempty"`
	SignedAt         string                  `json:"signedAt,omitempty"`
}

// Parse validates raw JSON against the schema and decodes it. Unknown fields
// fail validation.
func Parse(raw []byte) (*Manifest, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if m.TrustLevel == "" {
		m.TrustLevel = TrustSemiAutonomous
	}
	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return m, nil
}

// Serialize renders the manifest as JSON. Parse(Serialize(m)) yields m for
// every valid manifest.
func (m *Manifest) Serialize() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest: serialize: %w", err)
	}
	return data, nil
}

// Supervised reports whether the manifest requires approval for every tool
// call.
func (m *Manifest) Supervised() bool {
	return m.TrustLevel == TrustSupervised
}

// canonical returns the deterministic JSON form used for signing: the
// manifest without its signature field, object keys sorted.
func (m *Manifest) canonical() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("manifest: canonicalize: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("manifest: canonicalize: %w", err)
	}
	delete(doc, "signature")
	// encoding/json writes map keys in sorted order, which is exactly the
	// canonical form both sides must agree on.
	return json.Marshal(doc)
}

// Sign computes and stores the manifest signature. SignedAt is stamped when
// empty so re-signing an already stamped manifest stays reproducible.
func (m *Manifest) Sign(secret []byte) error {
	if m.SignedAt == "" {
		m.SignedAt = time.Now().UTC().Format(time.RFC3339)
	}
	sig, err := m.signature(secret)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Verify checks the manifest signature against secret.
func (m *Manifest) Verify(secret []byte) error {
	if m.Signature == "" {
		return ErrUnsigned
	}
	want, err := m.signature(secret)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(m.Signature)), []byte(want)) != 1 {
		return ErrBadSignature
	}
	return nil
}

func (m *Manifest) signature(secret []byte) (string, error) {
	payload, err := m.canonical()
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
