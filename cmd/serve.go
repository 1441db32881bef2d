package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dorklabs/dorkos/internal/adapter"
	"github.com/dorklabs/dorkos/internal/config"
	"github.com/dorklabs/dorkos/internal/db"
	"github.com/dorklabs/dorkos/internal/gateway"
	"github.com/dorklabs/dorkos/internal/manifest"
	"github.com/dorklabs/dorkos/internal/mesh"
	"github.com/dorklabs/dorkos/internal/pulse"
	"github.com/dorklabs/dorkos/internal/relay"
	"github.com/dorklabs/dorkos/internal/runtime"
	"github.com/dorklabs/dorkos/internal/telemetry"
	"github.com/dorklabs/dorkos/internal/trace"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the DorkOS server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Info("dorkos starting", "version", Version, "config", cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(filepath.Join(cfg.DataDir, "dorkos.db"))
	if err != nil {
		slog.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	traceStore := trace.NewStore(conn, time.Duration(cfg.Relay.TraceFlushMs)*time.Millisecond)
	defer traceStore.Close()

	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	}
	if tel != nil {
		defer tel.Shutdown(context.Background())
	}

	rt := runtime.NewCLIRuntime("claude", cfg.DefaultCwd)
	features := cfg.Features()

	var bus *relay.Relay
	if features.Relay {
		opts := relay.Options{
			Budgets: relay.BudgetDefaults{
				MaxHops:    cfg.Relay.DefaultMaxHops,
				TTL:        time.Duration(cfg.Relay.DefaultTTLMs) * time.Millisecond,
				CallBudget: cfg.Relay.DefaultCallBudget,
			},
			QueueSize:       cfg.Relay.SubscriberQueue,
			EnqueueDeadline: time.Duration(cfg.Relay.EnqueueDeadlineMs) * time.Millisecond,
		}
		if tel != nil {
			opts.Tracer = tel.Tracer
		}
		bus = relay.New(traceStore, opts)
		defer bus.Close()
	}

	var registry *mesh.Registry
	if features.Mesh {
		registry, err = mesh.NewRegistry(manifest.NewStore(), mesh.NewDenyStore(conn), mesh.Options{
			Boundary:  cfg.Boundary,
			ScanRoots: cfg.Mesh.ScanRoots,
			MaxDepth:  cfg.Mesh.MaxDepth,
		})
		if err != nil {
			slog.Error("mesh registry failed", "error", err)
			os.Exit(1)
		}
		defer registry.Close()
	}

	pulseStore := pulse.NewStore(conn)
	var scheduler *pulse.Scheduler
	if features.Pulse {
		opts := pulse.Options{
			Runtime:           rt,
			MaxConcurrentRuns: cfg.Pulse.MaxConcurrentRuns,
			RetentionCount:    cfg.Pulse.RetentionCount,
			DefaultCwd:        cfg.DefaultCwd,
		}
		if bus != nil {
			opts.Publisher = bus
		}
		scheduler = pulse.NewScheduler(pulseStore, opts)
		if err := scheduler.Start(); err != nil {
			slog.Error("scheduler start failed", "error", err)
			os.Exit(1)
		}
		defer scheduler.Stop()
	}

	adapters := adapter.NewManager()
	if bus != nil {
		agentOpts := adapter.AgentAdapterOptions{
			Runtime:       rt,
			Runs:          pulseStore,
			MaxConcurrent: cfg.Relay.AgentMaxConc,
			DefaultCwd:    cfg.DefaultCwd,
		}
		if registry != nil {
			agentOpts.Resolver = registry
		}
		if err := adapters.StartBuiltin(ctx, adapter.NewAgentAdapter("agent", bus, agentOpts)); err != nil {
			slog.Error("agent adapter start failed", "error", err)
			os.Exit(1)
		}
		defer adapters.StopAll()
	}

	server := gateway.New(gateway.Deps{
		Config:     cfg,
		ConfigPath: cfgPath,
		Registry:   registry,
		Pulse:      pulseStore,
		Scheduler:  scheduler,
		Relay:      bus,
		Trace:      traceStore,
		Runtime:    rt,
		Adapters:   adapters,
	})
	defer server.Shutdown(5 * time.Second)

	if err := server.Start(ctx, cfg.Port); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
	slog.Info("dorkos shutting down")
}
