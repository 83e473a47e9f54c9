package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wtthornton/tappmcp/internal/alerts"
	"github.com/wtthornton/tappmcp/internal/analytics"
	"github.com/wtthornton/tappmcp/internal/api"
	"github.com/wtthornton/tappmcp/internal/broadcast"
	"github.com/wtthornton/tappmcp/internal/config"
	"github.com/wtthornton/tappmcp/internal/invoker"
	"github.com/wtthornton/tappmcp/internal/logging"
	"github.com/wtthornton/tappmcp/internal/mcp"
	"github.com/wtthornton/tappmcp/internal/monitor"
	"github.com/wtthornton/tappmcp/internal/registry"
	"github.com/wtthornton/tappmcp/internal/storage"
	"github.com/wtthornton/tappmcp/internal/trace"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes: 0 clean shutdown, 1 startup failure, 2 fatal runtime error.
const (
	exitStartupFailure = 1
	exitFatalRuntime   = 2
)

var rootCmd = &cobra.Command{
	Use:     "tappmcp",
	Short:   "tappmcp - smart tool-orchestration server",
	Long:    `tappmcp is a tool-orchestration server: it registers tools, resources, and prompts, executes them with tracing and pooling, and serves live analytics over HTTP and WebSocket`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tappmcp %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitStartupFailure)
	}
}

func runServer() {
	// Baseline logger for early startup messages.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "tappmcp",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(exitStartupFailure)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "tappmcp",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Msg("Starting tappmcp server")

	thresholds := config.DefaultThresholds()
	if cfg.ThresholdsPath != "" {
		if loaded, err := config.LoadThresholds(cfg.ThresholdsPath); err != nil {
			log.Warn().Err(err).Str("path", cfg.ThresholdsPath).Msg("Falling back to default thresholds")
		} else {
			thresholds = loaded
		}
	}

	store, err := storage.NewSQLiteStore(storage.SQLiteConfig{
		DBPath:        cfg.StoragePath(),
		RetentionDays: cfg.TraceRetentionDays,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to open trace store")
		os.Exit(exitStartupFailure)
	}
	defer store.Close()

	alertMgr := alerts.NewManager(alerts.Config{})

	hub := broadcast.NewHub(nil, 0)
	pipeline := analytics.New(analytics.Config{
		OverflowCount: hub.Dropped,
	}, store, alertMgr, hub, thresholds)
	hub.SetSnapshots(pipeline)

	var watcher *config.ThresholdWatcher
	if cfg.ThresholdsPath != "" {
		watcher, err = config.NewThresholdWatcher(cfg.ThresholdsPath, pipeline.SetThresholds)
		if err != nil {
			log.Warn().Err(err).Msg("Threshold watcher unavailable")
		} else if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Threshold watcher failed to start")
		} else {
			defer watcher.Stop()
		}
	}

	reg := registry.New()
	if err := registerBuiltins(reg, pipeline, time.Now()); err != nil {
		log.Error().Err(err).Msg("Failed to register built-in entries")
		os.Exit(exitStartupFailure)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = reg.InitializeAll(initCtx, cfg.MaxConnectionsPerResource)
	initCancel()
	if err != nil {
		log.Error().Err(err).Msg("Registry initialization failed")
		os.Exit(exitStartupFailure)
	}

	inv := invoker.New(reg, pipeline, trace.Options{
		SensitiveKeys: trace.DefaultSensitiveKeys,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run()
	go pipeline.Run()

	supervisor := monitor.New(monitor.Config{}, reg, alertMgr, hub)
	supervisor.Start(ctx)

	httpServer := api.New(api.Config{
		Addr:       fmt.Sprintf(":%d", cfg.HealthPort),
		Version:    Version,
		Pipeline:   pipeline,
		Alerts:     alertMgr,
		Supervisor: supervisor,
		Hub:        hub,
	})
	stdioServer := mcp.NewServer(inv, reg, os.Stdout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.Run(gctx)
	})
	g.Go(func() error {
		err := stdioServer.Run(gctx, os.Stdin)
		if err == nil || err == context.Canceled {
			// Client closed stdin: begin a clean shutdown.
			cancel()
			return nil
		}
		return err
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	case <-gctx.Done():
	}

	runErr := g.Wait()

	// Reverse-order teardown: stop intake, then the loops, then the
	// registry, then storage (deferred).
	inv.Shutdown()
	supervisor.Stop()
	hub.Stop()
	pipeline.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Registry shutdown reported errors")
	}

	if runErr != nil && runErr != context.Canceled {
		log.Error().Err(runErr).Msg("Server terminated with a fatal error")
		logging.Shutdown()
		store.Close()
		os.Exit(exitFatalRuntime)
	}
	log.Info().Msg("Shutdown complete")
}
