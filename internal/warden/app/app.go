// Package app wires the gateway's subsystems together and owns the process
// lifecycle: startup ordering, background loops, and the graceful shutdown
// sequence.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wardenhq/warden/internal/warden/audit"
	"github.com/wardenhq/warden/internal/warden/budget"
	"github.com/wardenhq/warden/internal/warden/capability"
	"github.com/wardenhq/warden/internal/warden/cluster"
	"github.com/wardenhq/warden/internal/warden/config"
	"github.com/wardenhq/warden/internal/warden/degrade"
	"github.com/wardenhq/warden/internal/warden/gateway"
	"github.com/wardenhq/warden/internal/warden/llm"
	"github.com/wardenhq/warden/internal/warden/manifest"
	"github.com/wardenhq/warden/internal/warden/metrics"
	"github.com/wardenhq/warden/internal/warden/policy"
	"github.com/wardenhq/warden/internal/warden/scheduler"
	"github.com/wardenhq/warden/internal/warden/store"
	"github.com/wardenhq/warden/internal/warden/tasks"
	"github.com/wardenhq/warden/internal/warden/worker"
)

// Version is stamped into /health responses.
const Version = "0.4.0"

// drainTimeout bounds the session drain during shutdown.
const drainTimeout = 10 * time.Second

// App is the assembled gateway process.
type App struct {
	cfg *config.Config
	log *slog.Logger

	store    *store.Store
	pgpool   *pgxpool.Pool
	auditLog *audit.Log
	policy   *policy.Engine
	caps     *capability.Manager
	llm      *llm.Router
	sup      *worker.Supervisor
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	router   *tasks.Router
	gw       *gateway.Server

	elector   cluster.Elector
	nodeReg   *cluster.Registry
	forwarder *cluster.Forwarder
	sched     *scheduler.Scheduler
	health    *degrade.Manager

	wsServer     *http.Server
	healthServer *http.Server
	startedAt    time.Time
}

// New builds the application from configuration. Nothing runs until Run.
func New(cfg *config.Config) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.With("component", "app"),
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.store = st

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)

	a.auditLog = audit.New(st, audit.Config{
		OnDepth: func(depth int) {
			a.metrics.AuditBufferDepth.Set(float64(depth))
		},
	})

	if err := a.buildPolicy(); err != nil {
		return nil, err
	}
	if err := a.buildCapabilities(); err != nil {
		return nil, err
	}

	if err := a.buildLLM(); err != nil {
		return nil, err
	}
	a.buildSupervisor()
	if err := a.buildCluster(); err != nil {
		return nil, err
	}
	a.buildScheduler()
	a.buildDegrade()
	a.buildGateway()
	return a, nil
}

// buildPolicy loads the rule set and seeds it with the configured allowlists.
func (a *App) buildPolicy() error {
	auditFn := func(req policy.Request, res policy.Result) {
		if res.Decision != policy.Block {
			return
		}
		a.auditLog.Append(audit.Entry{
			Action:       "policy.block",
			ResourceType: string(req.Surface),
			ResourceID:   req.Describe(),
			Outcome:      audit.OutcomeBlocked,
			Details:      map[string]any{"rule": res.RuleID, "reason": res.Reason},
		})
	}

	var (
		eng *policy.Engine
		err error
	)
	if a.cfg.PolicyFile != "" {
		eng, err = policy.LoadFile(a.cfg.PolicyFile, auditFn)
	} else {
		eng, err = policy.FromTemplate(a.cfg.PolicyTemplate, auditFn)
	}
	if err != nil {
		return err
	}

	for i, p := range a.cfg.AllowedPaths {
		rules := []policy.Rule{
			{ID: fmt.Sprintf("env-path-%d", i), Surface: policy.SurfaceFile,
				Decision: policy.Allow, Pattern: p, Priority: 50, Enabled: true},
			{ID: fmt.Sprintf("env-path-%d-sub", i), Surface: policy.SurfaceFile,
				Decision: policy.Allow, Pattern: strings.TrimSuffix(p, "/") + "/**", Priority: 50, Enabled: true},
		}
		for _, r := range rules {
			if err := eng.AddRule(r); err != nil {
				return err
			}
		}
	}
	for i, d := range a.cfg.AllowedDomains {
		if err := eng.AddRule(policy.Rule{
			ID: fmt.Sprintf("env-domain-%d", i), Surface: policy.SurfaceNetwork,
			Decision: policy.Allow, Host: d, Priority: 50, Enabled: true,
		}); err != nil {
			return err
		}
	}
	if a.cfg.AllowAllPaths {
		if err := eng.SetDefault(policy.SurfaceFile, policy.Allow); err != nil {
			return err
		}
	}
	if a.cfg.AllowAllDomains {
		if err := eng.SetDefault(policy.SurfaceNetwork, policy.Allow); err != nil {
			return err
		}
	}
	a.policy = eng
	return nil
}

func (a *App) buildCapabilities() error {
	caps, err := capability.NewManager([]byte(a.cfg.PermissionSecret),
		func(action, outcome, tokenID, agentID string, details map[string]any) {
			a.auditLog.Append(audit.Entry{
				Action:       action,
				ResourceType: "capability",
				ResourceID:   tokenID,
				ActorID:      agentID,
				Outcome:      audit.Outcome(outcome),
				Details:      details,
			})
		})
	if err != nil {
		return err
	}
	a.caps = caps
	return nil
}

func (a *App) buildLLM() error {
	period := budget.Period(a.cfg.LLMBudgetPeriod)
	switch period {
	case budget.Hourly, budget.Daily, budget.Weekly, budget.Monthly:
	default:
		return fmt.Errorf("app: unknown budget period %q", a.cfg.LLMBudgetPeriod)
	}

	a.llm = llm.NewRouter(llm.RouterConfig{
		FailoverEnabled:  a.cfg.LLMFailover,
		ModelPreferences: a.cfg.LLMFallbackModels,
		ProbeInterval:    30 * time.Second,
		Budget:           budget.NewTracker(a.cfg.LLMBudgetUSD, period),
	})

	if a.cfg.OpenAIAPIKey != "" || a.cfg.OpenAIBaseURL != "" {
		a.llm.Register(llm.NewOpenAI(llm.OpenAIConfig{
			ID:      "openai",
			APIKey:  a.cfg.OpenAIAPIKey,
			BaseURL: a.cfg.OpenAIBaseURL,
			Models:  a.cfg.OpenAIModels,
		}), llm.ProviderSettings{Priority: 10})
	}
	return nil
}

func (a *App) buildSupervisor() {
	factory := a.localTransport
	if a.cfg.WorkerRuntime == config.RuntimeContainer {
		factory = a.containerTransport
	}
	a.sup = worker.NewSupervisor(worker.Config{
		NewTransport: factory,
		OnStateChange: func(agentID string, from, to worker.AgentState) {
			a.metrics.ActiveWorkers.Set(float64(len(a.sup.Agents())))
			if a.router != nil {
				a.router.OnAgentStateChange(agentID, from, to)
			}
		},
	})
}

func (a *App) localTransport(m *manifest.Manifest) (worker.Transport, error) {
	return worker.NewLocal(m.ID, worker.LocalConfig{
		Command: a.cfg.WorkerCommand,
		Env: []string{
			"WARDEN_AGENT_ID=" + m.ID,
		},
	}), nil
}

func (a *App) containerTransport(m *manifest.Manifest) (worker.Transport, error) {
	cc := worker.ContainerConfig{
		Image: a.cfg.WorkerImage,
		Env:   map[string]string{"WARDEN_AGENT_ID": m.ID},
	}
	if m.Limits != nil {
		cc.MemoryMB = int64(m.Limits.MaxMemoryMB)
		cc.CPUCores = m.Limits.CPUCores
	}
	for _, p := range m.Permissions {
		if strings.HasPrefix(p, "network.") {
			cc.AllowNetwork = true
			break
		}
	}
	return worker.NewContainer(m.ID, cc)
}

func (a *App) buildCluster() error {
	if !a.cfg.ClusterMode {
		a.elector = cluster.NewStandaloneElector()
		return nil
	}

	pool, err := pgxpool.New(context.Background(), a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("app: cluster pool: %w", err)
	}
	a.pgpool = pool
	a.elector = cluster.NewPostgresElector(cluster.PostgresElectorConfig{
		DSN:      a.cfg.DatabaseURL,
		LockName: a.cfg.ClusterLeaderLockKey,
	})
	a.nodeReg = cluster.NewRegistry(cluster.RegistryConfig{
		NodeID: a.cfg.ClusterNodeID,
		WSURL:  a.cfg.ClusterWSURL,
	}, a.store)
	a.forwarder = cluster.NewForwarder(cluster.ForwarderConfig{
		NodeID:    a.cfg.ClusterNodeID,
		AuthToken: a.cfg.GatewayAuthToken,
	}, a.store)
	return nil
}

func (a *App) buildScheduler() {
	var locks cluster.JobLocks = cluster.NewLocalLocks()
	if a.pgpool != nil {
		locks = cluster.NewPostgresLocks(a.pgpool)
	}
	a.sched = scheduler.New(scheduler.Config{
		Locks:    locks,
		IsLeader: func() bool { return a.elector.IsLeader() },
	})

	// Expired capability tokens are held per node, so every node sweeps its
	// own.
	_ = a.sched.Register(scheduler.JobConfig{
		ID:        "capability-cleanup",
		Name:      "Expired capability sweep",
		Interval:  time.Minute,
		NodeLocal: true,
	}, func(ctx context.Context) error {
		if n := a.caps.Cleanup(); n > 0 {
			a.log.Debug("swept expired capability tokens", "count", n)
		}
		return nil
	})

	// Leader-only: drop registry rows of nodes that stopped heartbeating.
	_ = a.sched.Register(scheduler.JobConfig{
		ID:       "node-sweep",
		Name:     "Stale node sweep",
		Interval: time.Minute,
	}, func(ctx context.Context) error {
		stale := time.Now().UTC().Add(-5 * time.Minute)
		nodes, err := a.store.ListNodes(ctx, time.Time{})
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.LastSeenAt.Before(stale) {
				if err := a.store.RemoveNode(ctx, n.NodeID); err != nil {
					return err
				}
				a.log.Info("removed stale node", "node", n.NodeID)
			}
		}
		return nil
	})
}

func (a *App) buildDegrade() {
	a.health = degrade.New(degrade.Config{
		OnLevelChange: func(from, to degrade.Level) {
			a.auditLog.Append(audit.Entry{
				Action:       "degrade.level",
				ResourceType: "system",
				ResourceID:   string(to),
				Outcome:      audit.OutcomeSuccess,
				Details:      map[string]any{"from": string(from), "to": string(to)},
			})
		},
	})
	a.health.Register("database", func(ctx context.Context) error {
		return a.store.DB().PingContext(ctx)
	}, nil)
	a.health.Register("llm", func(ctx context.Context) error {
		health := a.llm.Health()
		if len(health) == 0 {
			return nil // no providers configured, nothing to degrade
		}
		for _, ok := range health {
			if ok {
				return nil
			}
		}
		return errors.New("all providers unhealthy")
	}, a.llm.ResetBreakers)
}

func (a *App) buildGateway() {
	a.router = tasks.NewRouter(tasks.Config{
		Policy:         a.policy,
		Caps:           a.caps,
		Audit:          a.auditLog,
		Supervisor:     a.sup,
		LLM:            a.llm,
		Store:          a.store,
		Metrics:        a.metrics,
		Forwarder:      a.taskForwarder(),
		ManifestSecret: []byte(a.cfg.PermissionSecret),
		InternalToken:  a.cfg.InternalAuthToken,
		NodeID:         a.cfg.ClusterNodeID,
		SpawnAllowed:   func() bool { return a.health.SpawnAllowed() },
		Publish: func(topic string, f gateway.Frame) {
			if a.gw != nil {
				a.gw.BroadcastTopic(topic, f)
			}
		},
	})
	a.gw = gateway.NewServer(gateway.Config{
		AuthToken: a.cfg.GatewayAuthToken,
		Handler:   a.router,
		Metrics:   a.metrics,
	})

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", a.gw)
	a.wsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.GatewayPort),
		Handler: wsMux,
	}
	a.healthServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HealthPort),
		Handler: gateway.HealthMux(a.healthInfo, a.registry),
	}
}

// taskForwarder adapts the cluster forwarder, which is nil outside cluster
// mode; a typed nil must not leak into the interface.
func (a *App) taskForwarder() tasks.Forwarder {
	if a.forwarder == nil {
		return nil
	}
	return a.forwarder
}

// healthInfo assembles the GET /health snapshot.
func (a *App) healthInfo() gateway.HealthInfo {
	status := "ok"
	if a.health.GetLevel() != degrade.LevelNormal {
		status = "degraded"
	}
	breakers := a.llm.BreakerStates()
	var providers []gateway.ProviderHealth
	for id, healthy := range a.llm.Health() {
		providers = append(providers, gateway.ProviderHealth{
			ID:      id,
			Healthy: healthy,
			Breaker: breakers[id],
		})
	}
	version := Version
	if a.cfg.Version != "" {
		version = a.cfg.Version
	}
	return gateway.HealthInfo{
		Status:      status,
		Version:     version,
		Uptime:      time.Since(a.startedAt).Seconds(),
		Providers:   providers,
		Agents:      len(a.sup.Agents()),
		Connections: a.gw.Count(),
	}
}

// Run starts every background loop and serves until a termination signal or
// ctx cancellation, then shuts down in order.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.startedAt = time.Now()

	go a.auditLog.Run(ctx)
	go a.llm.Run(ctx)
	go a.sup.Run(ctx)
	go a.elector.Run(ctx)
	if a.nodeReg != nil {
		go a.nodeReg.Run(ctx)
	}
	go a.sched.Run(ctx)
	go a.health.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		a.log.Info("gateway listening", "addr", a.wsServer.Addr)
		if err := a.wsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		a.log.Info("health listening", "addr", a.healthServer.Addr)
		if err := a.healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		a.log.Error("server failed", "err", err)
		a.shutdown()
		return err
	case <-ctx.Done():
		a.log.Info("shutting down", "reason", "context cancelled")
	}

	a.shutdown()
	return nil
}

// shutdown runs the ordered teardown: stop accepting sessions, announce,
// terminate workers, drain, flush audit, release leadership, close storage.
func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// New TCP connections stop first; Drain flips the gateway to refuse new
	// sessions and announces shutdown to the connected ones.
	go func() {
		c, stop := context.WithTimeout(shutdownCtx, drainTimeout)
		defer stop()
		_ = a.wsServer.Shutdown(c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sup.TerminateAll(shutdownCtx)
	}()
	a.gw.Drain(drainTimeout)
	wg.Wait()

	_ = a.healthServer.Shutdown(shutdownCtx)

	a.auditLog.Flush(shutdownCtx)
	a.auditLog.Close()

	a.elector.Resign(shutdownCtx)
	if a.forwarder != nil {
		a.forwarder.Close()
	}
	if a.pgpool != nil {
		a.pgpool.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", "err", err)
	}
	a.log.Info("shutdown complete")
}
