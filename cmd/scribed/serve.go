package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/manthysbr/scribed/internal/adapters/docker"
	"github.com/manthysbr/scribed/internal/adapters/duckdb"
	"github.com/manthysbr/scribed/internal/adapters/execrunner"
	"github.com/manthysbr/scribed/internal/adapters/filestore"
	redisadapter "github.com/manthysbr/scribed/internal/adapters/redis"
	"github.com/manthysbr/scribed/internal/config"
	"github.com/manthysbr/scribed/internal/core/ports"
	"github.com/manthysbr/scribed/internal/core/services"
	"github.com/manthysbr/scribed/pkg/kernel"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const httpDrainTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP job service",
	Long:  "Run the HTTP job service. Jobs persisted by a previous run are recovered at startup; SIGINT or SIGTERM stops it gracefully.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.Log)
	logger.Info("starting scribed", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, logger, cfg); err != nil {
		logger.Error("scribed stopped with error", "error", err)
		return err
	}
	logger.Info("scribed stopped")
	return nil
}

func serve(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	store, closeStore, err := openSnapshotStore(logger, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	artifacts, err := filestore.NewArtifactStore(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("failed to init artifact store: %w", err)
	}

	launcher, closeLauncher, err := newLauncher(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer closeLauncher()

	registry := services.NewProcessRegistry(logger, cfg.Process.KillGrace, cfg.Process.ShutdownGrace)
	shutdown := services.NewShutdownSignal()
	stages := services.NewStages(logger, launcher, registry, shutdown, toolConfig(cfg))
	pipeline := services.NewPipeline(logger, stages, artifacts, cfg.Storage.TempDir, cfg.Jobs.DefaultPrompt)
	scheduler := services.NewJobScheduler(logger, services.SchedulerConfig{MaxConcurrentJobs: 1})

	var (
		sink   ports.EventSink
		mirror *redisadapter.Mirror
	)
	if cfg.Redis.Addr != "" {
		client := redisadapter.Connect(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		mirror = redisadapter.NewMirror(logger, client, cfg.Redis.ChannelPrefix, 0)
		sink = mirror
		logger.Info("mirroring job events to redis", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.ChannelPrefix)
	}

	lifecycle := services.NewJobLifecycle(logger, services.LifecycleConfig{
		LogDir:         cfg.Storage.LogDir(),
		DefaultModel:   cfg.Jobs.DefaultModel,
		HistorySize:    cfg.Events.History,
		QueueSize:      cfg.Events.Queue,
		SubscriberWait: cfg.Cleanup.SubscriberWait,
		CleanupGrace:   cfg.Cleanup.Grace,
		CleanupTick:    cfg.Cleanup.Tick,
		KeepAlive:      cfg.Stream.KeepAlive,
	}, scheduler, registry, store, pipeline, shutdown, sink)

	if n, err := lifecycle.Recover(ctx); err != nil {
		logger.Warn("job recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered jobs", "count", n)
	}

	apiServer, err := kernel.NewServer(logger, lifecycle, version)
	if err != nil {
		return fmt.Errorf("failed to init api server: %w", err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           c.Handler(apiServer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	if mirror != nil {
		g.Go(func() error {
			return mirror.Run(gCtx)
		})
	}

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// Jobs stop first so open event streams end before the HTTP drain.
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpDrainTimeout)
		defer cancel()
		if err := lifecycle.Shutdown(shutdownCtx); err != nil {
			logger.Warn("job shutdown incomplete", "error", err)
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openSnapshotStore(logger *slog.Logger, cfg *config.Config) (ports.SnapshotStore, func(), error) {
	if cfg.Store.Backend == "duckdb" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DuckDBPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create state dir: %w", err)
		}
		repo, err := duckdb.NewRepository(logger, cfg.Store.DuckDBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init duckdb store: %w", err)
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logger.Warn("failed to close duckdb store", "error", err)
			}
		}, nil
	}

	store, err := filestore.NewJobStore(logger, cfg.Storage.JobsDir())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init job store: %w", err)
	}
	return store, func() {}, nil
}

func newLauncher(ctx context.Context, logger *slog.Logger, cfg *config.Config) (ports.ProcessLauncher, func(), error) {
	if cfg.Tools.Runtime != "docker" {
		return execrunner.NewLauncher(logger), func() {}, nil
	}

	if err := os.MkdirAll(cfg.Storage.TempDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	l, err := docker.NewLauncher(logger, docker.Config{
		Image:  cfg.Tools.DockerImage,
		Shared: []string{cfg.Storage.TempDir},
	})
	if err != nil {
		return nil, nil, err
	}
	if n, err := l.Reap(ctx); err != nil {
		logger.Warn("failed to reap leftover tool containers", "error", err)
	} else if n > 0 {
		logger.Info("reaped leftover tool containers", "count", n)
	}
	return l, func() { _ = l.Close() }, nil
}

func toolConfig(cfg *config.Config) services.ToolConfig {
	return services.ToolConfig{
		Fetch:            cfg.Tools.Fetch,
		Trim:             cfg.Tools.Trim,
		Transcribe:       cfg.Tools.Transcribe,
		Summarize:        cfg.Tools.Summarize,
		SummarizeArgs:    cfg.Tools.SummarizeArgs,
		MetadataTimeout:  cfg.Timeouts.Metadata,
		DownloadTimeout:  cfg.Timeouts.Download,
		TrimTimeout:      cfg.Timeouts.Trim,
		SummarizeTimeout: cfg.Timeouts.Summarize,
	}
}
