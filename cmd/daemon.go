package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/api"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/bus"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/config"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/events"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fleet"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/identity"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/infrastructure/sqlite"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/journal"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/orchestrator"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/persist"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/provider"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/registry"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/session"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/supervisor"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/topology"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/tracing"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/watcher"
	// The built-in local capability provider registers itself on import;
	// external providers plug in the same way.
	_ "github.com/Punky2280/dat-bitch-cartrita-sub004/internal/capability"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestrator daemon",
	Long: `Run the orchestrator as a long-lived daemon: it builds the agent
hierarchy from the topology manifest, opens the journal, replays
unfinished tasks, and serves the HTTP and WebSocket API.

Example:
  cartrita daemon                  # listen on the configured address
  cartrita daemon --addr :8080     # override the listen address`,
	RunE: runDaemon,
}

var daemonAddr string

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonAddr, "addr", "", "Address to listen on (overrides config)")
}

// defaultLocalQuota admits the built-in local provider when no providers
// are configured, so a fresh install handles tasks out of the box.
var defaultLocalQuota = provider.Quota{
	RequestsPerWindow: 60,
	TokensPerWindow:   100_000,
	MaxConcurrent:     4,
}

// restoreQuotas applies journaled provider quota state to the pool: the
// last journaled quota for providers the config file no longer names, and
// the last closed window's counters when that window is still current.
func restoreQuotas(pool provider.Pool, rec *journal.Recovery) {
	for id, q := range rec.Quotas {
		quota := provider.Quota{
			RequestsPerWindow: q.RequestsPerWindow,
			TokensPerWindow:   q.TokensPerWindow,
			MaxConcurrent:     q.MaxConcurrent,
		}
		err := pool.Restore(id, quota, q.LastRollStart, q.LastUsedRequests, q.LastUsedTokens)
		if err != nil {
			log.Warn(log.CatPool, "Provider quota restore skipped", "provider", id, "error", err)
		}
	}
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	cleanup, err := log.Init(cfg.Log.Path)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.Info(log.CatConfig, "Cartrita daemon starting", "version", version)

	traces, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Journal first: everything downstream may append to it.
	db, err := sqlite.NewDB(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("opening journal database: %w", err)
	}
	store := sqlite.NewJournalStore(db)
	journalWriter, err := journal.NewWriter(ctx, store)
	if err != nil {
		return fmt.Errorf("creating journal writer: %w", err)
	}

	// Terminal results go to SQLite through the async sink so the dispatch
	// path never waits on disk.
	sink := persist.NewAsync(sqlite.NewResultSink(db), 0)

	feed := events.NewFeed()

	pool := provider.New(provider.Config{
		OnQuotaRoll: func(id types.ProviderID, closing provider.Snapshot) {
			_, _ = journalWriter.Append(journal.QuotaRoll, journal.QuotaRollPayload{
				ProviderID:   id,
				WindowStart:  closing.WindowStart,
				UsedRequests: closing.UsedRequests,
				UsedTokens:   closing.UsedTokens,
			})
			feed.Publish(events.Event{Type: events.ProviderQuotaRolled, Timestamp: time.Now(), ProviderID: id})
		},
		OnConfigChange: func(id types.ProviderID, quota provider.Quota) {
			_, _ = journalWriter.Append(journal.ConfigChange, journal.ConfigChangePayload{
				ProviderID:        id,
				RequestsPerWindow: quota.RequestsPerWindow,
				TokensPerWindow:   quota.TokensPerWindow,
				MaxConcurrent:     quota.MaxConcurrent,
			})
			feed.Publish(events.Event{Type: events.ProviderReconfigured, Timestamp: time.Now(), ProviderID: id})
		},
		OnHealthChange: func(id types.ProviderID, from, to provider.Health) {
			log.Info(log.CatPool, "Provider health changed", "provider", id, "from", from, "to", to)
			feed.Publish(events.Event{
				Type: events.ProviderHealthChanged, Timestamp: time.Now(),
				ProviderID: id, Detail: fmt.Sprintf("%s -> %s", from, to),
			})
		},
	})

	retryCfg := provider.ExecutorConfig{}
	if len(cfg.Providers) > 0 {
		for _, p := range cfg.Providers {
			if err := pool.Configure(types.ProviderID(p.ID), p.Quota()); err != nil {
				return fmt.Errorf("configuring provider %s: %w", p.ID, err)
			}
		}
		first := cfg.Providers[0].Retry
		retryCfg = provider.ExecutorConfig{
			MaxAttempts:     first.MaxAttempts,
			InitialInterval: first.InitialBackoff,
			MaxInterval:     first.MaxBackoff,
		}
	} else if err := pool.Configure(types.ProviderID("local"), defaultLocalQuota); err != nil {
		return fmt.Errorf("configuring local provider: %w", err)
	}
	executor := provider.NewExecutor(pool, retryCfg)

	directory := registry.New(registry.Config{
		OnTransition: func(agent types.Agent, from, to types.AgentState) {
			feed.Publish(events.Event{
				Type: events.AgentStateChanged, Timestamp: time.Now(),
				AgentID: agent.ID, Detail: fmt.Sprintf("%s -> %s", from, to),
			})
		},
	})

	msgBus := bus.New(bus.Config{
		MailboxSize: cfg.Bus.MailboxCapacity,
		DropOldest:  cfg.Bus.DropPolicy.Partial != "newest",
		OnOverloaded: func(id types.AgentID) {
			_ = directory.MarkDegraded(id, "mailbox not draining")
		},
	})

	rootID := types.AgentID("root")
	var topo *topology.Topology
	if cfg.Topology.ManifestPath != "" {
		topo, err = topology.Load(cfg.Topology.ManifestPath, rootID)
	} else {
		topo, err = topology.Default(rootID)
	}
	if err != nil {
		return fmt.Errorf("resolving topology: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		ID:       rootID,
		Bus:      msgBus,
		Registry: directory,
		Topology: topo,
		Journal:  journalWriter,
		Sink:     sink,
		Feed:     feed,
		Classification: orchestrator.Classification{
			Enabled:    cfg.Orchestrator.Classification.Enabled,
			Capability: types.Capability(cfg.Orchestrator.Classification.Capability),
		},
		DefaultJoin:     types.JoinMode(cfg.Orchestrator.Join.DefaultMode),
		DefaultDeadline: cfg.Orchestrator.DefaultTaskDeadline,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	if err := orch.Start(); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	// The registry insists on parents before children: the orchestrator
	// is registered by Start above, then supervisors, then the fleet.
	knobs := make(map[string]config.SupervisorConfig, len(cfg.Supervisors))
	for _, s := range cfg.Supervisors {
		knobs[s.ID] = s
	}
	supervisors := make([]*supervisor.Supervisor, 0, len(topo.Supervisors()))
	for _, spec := range topo.Supervisors() {
		k := knobs[string(spec.ID)]
		sup, err := supervisor.New(supervisor.Config{
			Spec:          spec,
			Bus:           msgBus,
			Registry:      directory,
			SpecFor:       topo.Spec,
			MaxInFlight:   k.MaxInFlight,
			QueueCapacity: k.QueueCapacity,
		})
		if err != nil {
			return fmt.Errorf("creating supervisor %s: %w", spec.ID, err)
		}
		if err := sup.Start(); err != nil {
			return fmt.Errorf("starting supervisor %s: %w", spec.ID, err)
		}
		supervisors = append(supervisors, sup)
	}

	runner := fleet.New(fleet.Config{
		Bus:      msgBus,
		Registry: directory,
		Executor: executor,
	})
	if err := runner.SpawnAll(topo.Agents()); err != nil {
		return fmt.Errorf("spawning fleet: %w", err)
	}

	if rec, err := journal.Replay(ctx, store); err != nil {
		log.Warn(log.CatJournal, "Journal recovery incomplete", "error", err)
	} else {
		restoreQuotas(pool, rec)
		if replayed := orch.RecoverFrom(rec); replayed > 0 {
			log.Info(log.CatJournal, "Replayed unfinished tasks", "count", replayed)
		}
	}

	verifier := identity.NewStaticVerifier(cfg.Identity.Tokens)
	revoker := identity.NewRevoker()

	hub, err := session.NewHub(session.Config{
		Verifier:          verifier,
		Engine:            orch,
		Feed:              feed,
		IdleTimeout:       cfg.Session.IdleTimeout,
		ClientBufferBytes: cfg.Session.ClientBufferBytes,
		SubmitPerSecond:   cfg.Session.SubmitPerSecond,
		SubmitBurst:       cfg.Session.SubmitBurst,
		MaxSessions:       cfg.Session.MaxSessions,
	})
	if err != nil {
		return fmt.Errorf("creating session hub: %w", err)
	}
	// A revoked principal loses every live session, not just new logins.
	revoker.OnRevoke(hub.RevokePrincipal)

	addr := daemonAddr
	if addr == "" {
		addr = cfg.API.Addr
	}
	server, err := api.NewServer(api.ServerConfig{
		Addr: addr,
		Handler: api.HandlerConfig{
			Engine:     orch,
			Verifier:   verifier,
			Revoker:    revoker,
			Hub:        hub,
			Pool:       pool,
			Registry:   directory,
			Feed:       feed,
			AdminToken: cfg.API.AdminToken,
		},
		Middleware: tracing.Middleware(traces.Tracer()),
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Hot reload of provider quotas, when a config file exists on disk.
	if path := resolveConfigPath(); path != "" {
		reloader, err := watcher.NewReloader(watcher.ReloaderConfig{
			Path:    path,
			Pool:    pool,
			Journal: journalWriter,
			Current: cfg,
		})
		if err != nil {
			log.Warn(log.CatConfig, "Config watcher unavailable", "error", err)
		} else {
			log.SafeGo("config-reloader", func() { _ = reloader.Run(ctx) })
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("Cartrita daemon started on port %d\n", server.Port())
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first, then drain inner layers outward-in.
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn(log.CatHTTP, "Error stopping API server", "error", err)
	}
	hub.Close()
	orch.Close()
	for _, sup := range supervisors {
		sup.Close()
	}
	runner.Close()
	directory.Close()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Warn(log.CatPool, "Error shutting down provider pool", "error", err)
	}
	sink.Close()
	if err := journalWriter.Close(); err != nil {
		log.Warn(log.CatJournal, "Error closing journal", "error", err)
	}
	feed.Close()
	_ = db.Close()
	if err := traces.Shutdown(shutdownCtx); err != nil {
		log.Warn(log.CatConfig, "Error flushing traces", "error", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}
