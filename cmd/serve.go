package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docrag/intake/internal/api"
	"github.com/docrag/intake/internal/backend"
	"github.com/docrag/intake/internal/breaker"
	"github.com/docrag/intake/internal/clock/system"
	"github.com/docrag/intake/internal/config"
	"github.com/docrag/intake/internal/dedup"
	dedupmem "github.com/docrag/intake/internal/dedup/memory"
	dedupsqlite "github.com/docrag/intake/internal/dedup/sqlite"
	"github.com/docrag/intake/internal/id/uuid"
	"github.com/docrag/intake/internal/intake"
	"github.com/docrag/intake/internal/logging"
	"github.com/docrag/intake/internal/pathguard"
	"github.com/docrag/intake/internal/queue"
	"github.com/docrag/intake/internal/ratelimit"
	"github.com/docrag/intake/internal/ssrf"
	"github.com/docrag/intake/internal/storage/memory"
	"github.com/docrag/intake/internal/storage/postgres"
	"github.com/docrag/intake/internal/telemetry"
	"github.com/docrag/intake/internal/webhook"
	"github.com/docrag/intake/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the intake HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	telemetry.Init()

	clk := system.New()

	mappings := make([]pathguard.Mapping, 0, len(cfg.Paths.Mappings))
	for _, m := range cfg.Paths.Mappings {
		mappings = append(mappings, pathguard.Mapping{
			ContainerPrefix: m.ContainerPrefix,
			HostPrefix:      m.HostPrefix,
		})
	}
	paths, err := pathguard.New(pathguard.Config{
		AllowedRoots:    cfg.Paths.AllowedRoots,
		AllowUnsafe:     cfg.Paths.AllowUnsafe,
		ContainerPrefix: cfg.Paths.ContainerPrefix,
		Mappings:        mappings,
		DataDir:         cfg.Paths.DataDir,
	})
	if err != nil {
		return fmt.Errorf("configure path allowlist: %w", err)
	}
	logger.Info("path allowlist ready", zap.Strings("roots", paths.Roots()))

	guard := ssrf.New(ssrf.Config{
		AllowedHosts:      cfg.Webhook.AllowedHosts,
		AllowPrivateHosts: cfg.Webhook.AllowPrivateHosts,
	})

	var dedupStore dedup.Store
	switch cfg.Dedup.Store {
	case "memory":
		dedupStore = dedupmem.NewStore()
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Dedup.Path), 0o755); err != nil {
			return fmt.Errorf("create dedup directory: %w", err)
		}
		dedupStore, err = dedupsqlite.NewStore(cfg.Dedup.Path)
		if err != nil {
			return err
		}
	}
	defer dedupStore.Close()

	jobStore := memory.NewJobStore(cfg.Jobs.HistoryLimit, clk)
	jobQueue := queue.New(cfg.Jobs.QueueDepth)
	brk := breaker.New(cfg.Breaker.FailureThreshold, time.Duration(cfg.Breaker.OpenSeconds)*time.Second, clk)

	engine := backend.NewClient(cfg.Engine.BaseURL, &http.Client{
		Timeout: time.Duration(cfg.Engine.TimeoutSeconds) * time.Second,
	})

	dispatcher := webhook.NewDispatcher(guard, jobStore, logger.Named("webhook"), webhook.Config{
		Timeout:      time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
		PerHostRate:  rate.Limit(cfg.Webhook.PerHostRate),
		PerHostBurst: cfg.Webhook.PerHostBurst,
	})

	var archive worker.Archiver
	if cfg.Archive.DSN != "" {
		jobArchive, err := postgres.NewJobArchive(ctx, cfg.Archive.DSN, cfg.Archive.Table)
		if err != nil {
			return err
		}
		defer jobArchive.Close()
		archive = jobArchive
		logger.Info("job archive enabled", zap.String("table", cfg.Archive.Table))
	}

	server := api.NewServer(api.Deps{
		JobStore: jobStore,
		Queue:    jobQueue,
		Backend:  engine,
		Breaker:  brk,
		Paths:    paths,
		Webhooks: guard,
		Dedup:    dedupStore,
		Hasher:   dedup.NewSHA256Hasher(),
		Limiter:  ratelimit.New(cfg.Limits.RequestsPerWindow, cfg.RateWindow(), clk),
		IDGen:    uuid.NewUUIDGenerator(),
		Clock:    clk,
		Deliver:  dispatcher,
		Logger:   logger.Named("api"),
	}, cfg)

	workCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	pool := worker.NewPool(worker.Config{
		Queue:          jobQueue,
		Store:          jobStore,
		Backend:        engine,
		Breaker:        brk,
		Router:         intake.NewParserRouter(cfg.Jobs.PageThreshold, intake.Parser(cfg.Jobs.DefaultParser)),
		Dedup:          dedupStore,
		Notifier:       server,
		Deliver:        dispatcher,
		Archive:        archive,
		Clock:          clk,
		Logger:         logger.Named("worker"),
		Workers:        cfg.Jobs.Workers,
		ProcessTimeout: cfg.ProcessTimeout(),
	})
	pool.Start(workCtx)
	logger.Info("worker pool started",
		zap.Int("workers", cfg.Jobs.Workers),
		zap.Int("queue_depth", cfg.Jobs.QueueDepth))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("shutting down", zap.String("reason", "context canceled"))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	// Stop admissions, let workers drain what is already queued.
	jobQueue.Close()
	pool.Wait()
	logger.Info("worker pool drained")
	return nil
}
