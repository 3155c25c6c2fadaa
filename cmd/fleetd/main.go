// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentfleet/fleetd/pkg/blackboard"
	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/gateway"
	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/logger"
	"github.com/agentfleet/fleetd/pkg/mail"
	"github.com/agentfleet/fleetd/pkg/metrics"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/scheduler"
	"github.com/agentfleet/fleetd/pkg/spawn"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/store/memory"
	"github.com/agentfleet/fleetd/pkg/store/sqlite"
	"github.com/agentfleet/fleetd/pkg/task"
	"github.com/agentfleet/fleetd/pkg/trigger"
	"github.com/agentfleet/fleetd/pkg/workflow"
	"github.com/agentfleet/fleetd/pkg/workitem"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

// spawnedTeam is the team new queue-spawned workers join when the request
// carries no team of its own.
const spawnedTeam = "fleet"

// errUsage marks flag parse failures so main can exit 2 instead of 1.
var errUsage = errors.New("bad usage")

var (
	configPath string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:           "fleetd",
		Short:         "Multi-agent fleet coordination server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "fleetd.json", "path to the config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(serveCmd(), statusCmd(), versionCmd())

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if gitCommit != "" {
				v += fmt.Sprintf(" (git: %s)", gitCommit)
			}
			fmt.Printf("fleetd %s\n", v)
			if buildTime != "" {
				fmt.Printf("  Build: %s\n", buildTime)
			}
			fmt.Printf("  Go: %s\n", runtime.Version())
		},
	}
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running server's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				addr = "http://" + cfg.Server.Addr()
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(addr + "/health")
			if err != nil {
				return fmt.Errorf("server unreachable: %w", err)
			}
			defer resp.Body.Close()
			var health gateway.HealthResponse
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("decode health response: %w", err)
			}
			fmt.Printf("status:  %s\nversion: %s\n", health.Status, health.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server base URL (default from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func openBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return sqlite.New(cfg.Storage.DBPath)
	case "memory":
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if closer, ok := st.(io.Closer); ok {
		defer closer.Close()
	}
	logger.InfoCF("main", "storage ready", map[string]any{
		"backend": cfg.Storage.Backend,
		"path":    cfg.Storage.DBPath,
	})

	b := bus.NewEventBus()
	defer b.Close()

	tasks := task.NewService(st, b)
	items := workitem.NewService(st, b)
	mailSvc := mail.NewService(st, b)
	board := blackboard.NewService(st, b)

	reg := registry.New(st, b)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load worker roster: %w", err)
	}

	spawner := spawn.SpawnerFunc(func(ctx context.Context, req *store.SpawnRequest) error {
		_, err := reg.Register(ctx, registry.RegisterSpec{
			Handle:       identity.Handle(identity.NewSlug(req.TargetAgentType)),
			TeamName:     spawnedTeam,
			SwarmID:      req.SwarmID,
			SpawnMode:    store.SpawnNative,
			DepthLevel:   req.DepthLevel,
			ParentHandle: req.ParentHandle,
		})
		return err
	})
	ctrl := spawn.NewController(st, b, spawner, spawn.Limits{
		SoftLimit: cfg.Spawn.SoftLimit,
		HardLimit: cfg.Spawn.HardLimit,
		MaxDepth:  cfg.Spawn.MaxDepth,
	})
	ctrl.SetActive(reg.ActiveCount())
	reg.OnExit(ctrl.OnWorkerExit)

	engine := workflow.NewEngine(st, st, tasks, ctrl, b)

	matcher := trigger.NewMatcher(st, engine, b)
	matcher.Start()
	defer matcher.Stop()

	m := metrics.New()
	m.Observe(b)
	defer m.Close()
	m.RegisterGauge("fleetd_workers_active", "Workers currently in an active state.", func() float64 {
		return float64(reg.ActiveCount())
	})
	m.RegisterGauge("fleetd_spawn_pending", "Spawn requests waiting in the queue.", func() float64 {
		status, err := ctrl.Status(context.Background())
		if err != nil {
			return 0
		}
		return float64(status.Pending)
	})

	sched := scheduler.New(engine, ctrl, reg, matcher, cfg.TickInterval())
	sched.Start(ctx)
	defer sched.Stop()

	auth := gateway.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiresIn, st)
	gateway.SetVersion(version)
	srv := gateway.NewServer(cfg, auth, gateway.Services{
		Tasks:       tasks,
		WorkItems:   items,
		Mail:        mailSvc,
		Blackboard:  board,
		Spawner:     ctrl,
		Registry:    reg,
		Workflows:   workflow.NewService(st),
		Engine:      engine,
		Triggers:    matcher,
		Checkpoints: st,
		Metrics:     m,
	}, b)

	logger.InfoCF("main", "fleetd starting", map[string]any{
		"version": version,
		"env":     cfg.Env,
		"addr":    cfg.Server.Addr(),
	})
	return srv.Start(ctx)
}
