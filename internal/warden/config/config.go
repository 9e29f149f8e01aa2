// Package config loads the gateway's configuration from the environment and
// enforces the production hardening rules at startup.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/wardenhq/warden/common/environment"
)

// Worker runtime selection.
const (
	RuntimeLocal     = "local"
	RuntimeContainer = "container"
)

// minSecretLen is the floor for authentication secrets in production.
const minSecretLen = 32

// Config is the gateway's startup configuration.
type Config struct {
	// GatewayPort serves the WebSocket endpoint.
	GatewayPort int
	// HealthPort serves /health and /metrics.
	HealthPort int

	// GatewayAuthToken authenticates client sessions.
	GatewayAuthToken string
	// PermissionSecret signs capability tokens and manifests.
	PermissionSecret string
	// InternalAuthToken authenticates agent-to-agent internal tasks. Empty
	// disables internal tasks.
	InternalAuthToken string

	// Hardening reports whether production hardening was enforced.
	Hardening bool

	// WorkerRuntime is local or container.
	WorkerRuntime string
	// WorkerCommand is the worker binary for the local runtime.
	WorkerCommand string
	// WorkerImage is the container image for the container runtime.
	WorkerImage string

	// AllowedPaths and AllowedDomains seed the policy allowlists.
	AllowedPaths    []string
	AllowedDomains  []string
	AllowAllPaths   bool
	AllowAllDomains bool

	// PolicyTemplate is strict, balanced, or permissive.
	PolicyTemplate string
	// PolicyFile optionally replaces the template with rules from YAML.
	PolicyFile string

	// OpenAIAPIKey enables the OpenAI-compatible provider when set.
	OpenAIAPIKey string
	// OpenAIBaseURL overrides the provider endpoint (Azure, Ollama, …).
	OpenAIBaseURL string
	// OpenAIModels lists the models served through the provider.
	OpenAIModels []string

	// LLMFailover enables model fallback; LLMFallbackModels lists targets.
	LLMFailover       bool
	LLMFallbackModels []string
	// LLMBudgetUSD caps spend per LLMBudgetPeriod. Zero tracks only.
	LLMBudgetUSD    float64
	LLMBudgetPeriod string

	// ClusterMode enables leader election, node registry, and forwarding.
	ClusterMode bool
	// ClusterNodeID is this node's identity. Defaults to the hostname.
	ClusterNodeID string
	// ClusterLeaderLockKey names the leader advisory lock.
	ClusterLeaderLockKey string
	// ClusterWSURL is the address peers dial to reach this node.
	ClusterWSURL string

	// DatabaseURL is a Postgres DSN or a SQLite path.
	DatabaseURL string

	// Version overrides the built-in version string in /health. Build
	// pipelines set it to the release tag.
	Version string
}

// Load reads the environment and validates it. Violations of the hardening
// rules are errors: the caller should refuse to start.
func Load() (*Config, error) {
	cfg := &Config{
		GatewayPort:          environment.IntOr("GATEWAY_PORT", 18789),
		HealthPort:           environment.IntOr("HEALTH_PORT", 18790),
		Hardening:            environment.BoolOr("ENFORCE_PRODUCTION_HARDENING", false),
		WorkerRuntime:        environment.StringOr("AGENT_WORKER_RUNTIME", RuntimeLocal),
		WorkerCommand:        environment.StringOr("AGENT_WORKER_COMMAND", "warden-worker"),
		WorkerImage:          environment.StringOr("AGENT_WORKER_IMAGE", "warden-worker:latest"),
		AllowedPaths:         environment.StringSliceOr("ALLOWED_PATHS", nil),
		AllowedDomains:       environment.StringSliceOr("ALLOWED_DOMAINS", nil),
		AllowAllPaths:        environment.BoolOr("ALLOW_ALL_PATHS", false),
		AllowAllDomains:      environment.BoolOr("ALLOW_ALL_DOMAINS", false),
		PolicyTemplate:       environment.StringOr("WARDEN_POLICY_TEMPLATE", "balanced"),
		PolicyFile:           environment.StringOr("WARDEN_POLICY_FILE", ""),
		OpenAIAPIKey:         environment.StringOr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        environment.StringOr("OPENAI_BASE_URL", ""),
		OpenAIModels:         environment.StringSliceOr("OPENAI_MODELS", []string{"gpt-4o", "gpt-4o-mini"}),
		LLMFailover:          environment.BoolOr("LLM_FAILOVER", true),
		LLMFallbackModels:    environment.StringSliceOr("LLM_FALLBACK_MODELS", nil),
		LLMBudgetUSD:         environment.Float64Or("LLM_BUDGET_USD", 0),
		LLMBudgetPeriod:      environment.StringOr("LLM_BUDGET_PERIOD", "daily"),
		ClusterMode:          environment.BoolOr("CLUSTER_MODE", false),
		ClusterNodeID:        environment.StringOr("CLUSTER_NODE_ID", ""),
		ClusterLeaderLockKey: environment.StringOr("CLUSTER_LEADER_LOCK_KEY", "warden-leader"),
		ClusterWSURL:         environment.StringOr("CLUSTER_WS_URL", ""),
		DatabaseURL:          environment.StringOr("DATABASE_URL", "warden.db"),
		Version:              environment.StringOr("WARDEN_VERSION", ""),
	}
	cfg.InternalAuthToken = environment.StringOr("INTERNAL_AUTH_TOKEN", "")

	if err := cfg.loadSecrets(); err != nil {
		return nil, err
	}

	if cfg.WorkerRuntime != RuntimeLocal && cfg.WorkerRuntime != RuntimeContainer {
		return nil, fmt.Errorf("config: AGENT_WORKER_RUNTIME must be %q or %q, got %q",
			RuntimeLocal, RuntimeContainer, cfg.WorkerRuntime)
	}

	// An explicit allowlist always beats an allow-all flag.
	if cfg.AllowAllPaths && len(cfg.AllowedPaths) > 0 {
		slog.Warn("ALLOW_ALL_PATHS ignored: ALLOWED_PATHS is set")
		cfg.AllowAllPaths = false
	}
	if cfg.AllowAllDomains && len(cfg.AllowedDomains) > 0 {
		slog.Warn("ALLOW_ALL_DOMAINS ignored: ALLOWED_DOMAINS is set")
		cfg.AllowAllDomains = false
	}

	if cfg.Hardening {
		if cfg.AllowAllPaths {
			return nil, fmt.Errorf("config: ALLOW_ALL_PATHS is not permitted with production hardening")
		}
		if cfg.AllowAllDomains {
			return nil, fmt.Errorf("config: ALLOW_ALL_DOMAINS is not permitted with production hardening")
		}
		if cfg.InternalAuthToken != "" && len(cfg.InternalAuthToken) < minSecretLen {
			return nil, fmt.Errorf("config: INTERNAL_AUTH_TOKEN must be at least %d characters", minSecretLen)
		}
	}

	if cfg.ClusterMode {
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") &&
			!strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, fmt.Errorf("config: CLUSTER_MODE requires a Postgres DATABASE_URL")
		}
		if cfg.ClusterWSURL == "" {
			return nil, fmt.Errorf("config: CLUSTER_MODE requires CLUSTER_WS_URL")
		}
	}
	if cfg.ClusterNodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "warden-" + randomToken(4)
		}
		cfg.ClusterNodeID = host
	}

	return cfg, nil
}

// loadSecrets applies the secret rules: under hardening every secret is
// required and length-checked; in development missing secrets are generated
// and logged so local clients can still connect.
func (c *Config) loadSecrets() error {
	if c.Hardening {
		token, err := environment.RequiredSecret("GATEWAY_AUTH_TOKEN", minSecretLen)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		secret, err := environment.RequiredSecret("PERMISSION_SECRET", minSecretLen)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		c.GatewayAuthToken, c.PermissionSecret = token, secret
		return nil
	}

	c.GatewayAuthToken = environment.StringOr("GATEWAY_AUTH_TOKEN", "")
	if c.GatewayAuthToken == "" {
		c.GatewayAuthToken = randomToken(minSecretLen / 2)
		slog.Warn("GATEWAY_AUTH_TOKEN not set, generated one for this run",
			"token", c.GatewayAuthToken)
	}
	c.PermissionSecret = environment.StringOr("PERMISSION_SECRET", "")
	if c.PermissionSecret == "" {
		c.PermissionSecret = randomToken(minSecretLen / 2)
		slog.Warn("PERMISSION_SECRET not set, generated one for this run")
	}
	return nil
}

func randomToken(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("config: read random: %v", err))
	}
	return hex.EncodeToString(buf)
}
