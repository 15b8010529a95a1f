package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"mosaic-hq/mosaic/pkg/auth"
	"mosaic-hq/mosaic/pkg/cli"
	"mosaic-hq/mosaic/pkg/config"
	"mosaic-hq/mosaic/pkg/dispatch"
	"mosaic-hq/mosaic/pkg/health"
	"mosaic-hq/mosaic/pkg/httppool"
	"mosaic-hq/mosaic/pkg/logpipe"
	"mosaic-hq/mosaic/pkg/registry"
	"mosaic-hq/mosaic/pkg/routing"
	"mosaic-hq/mosaic/pkg/server"
	"mosaic-hq/mosaic/pkg/telemetry/logging"
	"mosaic-hq/mosaic/pkg/telemetry/metrics"
	"mosaic-hq/mosaic/pkg/workers"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the mosaic gateway",
	Long: `Start the mosaic gateway with the specified configuration.

The gateway listens on the configured address, authenticates clients with
proxy keys, and forwards LLM API requests to provider groups with per-key
health tracking and rotation.

Examples:
  # Start with default config
  mosaic run

  # Start with custom config
  mosaic run --config /etc/mosaic/config.yaml

  # Override listen address
  mosaic run --listen 0.0.0.0:8080

  # Validate config without starting
  mosaic run --dry-run`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the gateway")
}

func runGateway(cmd *cobra.Command, args []string) error {
	if err := config.Initialize(cfgFile); err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	cfg := config.GetConfig()

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	_, sink, err := logging.Setup(cfg.Logging, logging.Options{
		SinkPath: cfg.Storage.ProcessLogPath,
	})
	if err != nil {
		return cli.NewConfigError("logging", err.Error())
	}
	if sink != nil {
		defer sink.Close()
	}

	fmt.Printf("Mosaic v%s\n", Version)
	fmt.Printf("Loading configuration from: %s\n", cfgFile)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	storeCfg := registry.DefaultSQLiteConfig()
	storeCfg.Path = cfg.Storage.RegistryPath
	store, err := registry.NewStore(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer store.Close()

	tracker := health.NewTracker(store)
	store.SetHealthEvictor(tracker)
	if err := hydrateTracker(store, tracker); err != nil {
		slog.Warn("failed to restore key health state", "error", err)
	}

	selector := routing.NewSelector(tracker, time.Now().UnixNano())

	pool := httppool.NewPool()
	defer pool.Close()

	var pipeline *logpipe.Pipeline
	var logStore *logpipe.Store
	if cfg.RequestLogging.Enabled {
		logStore, err = logpipe.NewStore(cfg.Storage.RegistryPath)
		if err != nil {
			return fmt.Errorf("failed to open request log store: %w", err)
		}
		defer logStore.Close()

		var gauges logpipe.Gauges
		if m != nil {
			gauges = m
		}
		pipeline = logpipe.NewPipeline(logStore, cfg.RequestLogging.Queue, gauges)
		pipeline.Start()
		defer pipeline.Stop()
	}

	var sessions *auth.SessionManager
	if cfg.Auth.JWTSecret != "" {
		sessions, err = auth.NewSessionManager(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.SessionTimeoutSeconds)*time.Second)
		if err != nil {
			return cli.NewConfigError("auth.jwt_secret", err.Error())
		}
	}

	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Config:   cfg,
		Store:    store,
		Pool:     pool,
		Selector: selector,
		Tracker:  tracker,
		Pipeline: pipeline,
		Sessions: sessions,
		Metrics:  m,
	})

	ctx := cli.SetupSignalHandler()

	var requestLogs, processLogs workers.RetentionTarget
	if logStore != nil {
		requestLogs = logStore
	}
	if sink != nil {
		processLogs = sink
	}
	manager := workers.NewManager(cfg, store, tracker, pool, requestLogs, processLogs)
	manager.Start(ctx)
	defer manager.Stop()

	watcher := config.NewWatcher(cfgFile, nil)
	if err := watcher.Start(ctx); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	srv := server.NewServer(cfg.Server, dispatcher.Handler())

	fmt.Printf("✓ Gateway listening on %s\n", cfg.Server.ListenAddress)
	if cfg.Metrics.Enabled {
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", cfg.Server.ListenAddress)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	if err := srv.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}

	fmt.Println("✓ Gateway stopped")
	return nil
}

// hydrateTracker restores persisted key and model health so a restart
// does not put known-dead keys or vanished models back into rotation.
func hydrateTracker(store *registry.Store, tracker *health.Tracker) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	groups, err := store.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := tracker.Hydrate(ctx, g.ID); err != nil {
			return err
		}
		if err := tracker.HydrateModels(ctx, g.ID); err != nil {
			return err
		}
	}
	return nil
}
