// Package app wires every component of the control plane together: it
// reads configuration, connects to infrastructure, runs migrations, and
// starts the selected run mode (api or scheduler).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/wisbric/forgebay/internal/audit"
	"github.com/wisbric/forgebay/internal/config"
	"github.com/wisbric/forgebay/internal/events"
	"github.com/wisbric/forgebay/internal/gitdriver"
	"github.com/wisbric/forgebay/internal/httpserver"
	"github.com/wisbric/forgebay/internal/notify"
	"github.com/wisbric/forgebay/internal/platform"
	"github.com/wisbric/forgebay/internal/telemetry"
	"github.com/wisbric/forgebay/pkg/allocation"
	"github.com/wisbric/forgebay/pkg/mergegate"
	"github.com/wisbric/forgebay/pkg/previewdb"
	"github.com/wisbric/forgebay/pkg/run"
	"github.com/wisbric/forgebay/pkg/slot"
	"github.com/wisbric/forgebay/pkg/worktree"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or scheduler).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting forgebay", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "scheduler":
		return runScheduler(ctx, cfg, logger, db, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// components holds every domain object shared between the API and
// scheduler modes, so reap_expired (and any future scheduled operation)
// drives the exact same Manager instances the HTTP handlers use.
type components struct {
	machine      *run.Machine
	slots        *slot.Manager
	worktrees    *worktree.Manager
	previewDBs   *previewdb.Coordinator
	orchestrator *allocation.Orchestrator
	gate         *mergegate.Gate
	auditWriter  *audit.Writer
}

func build(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) *components {
	eventStore := events.NewStore()
	broadcaster := events.NewBroadcaster(rdb, logger)
	auditWriter := audit.NewWriter(db, logger)
	slackNotifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)

	machine := run.NewMachine(db, eventStore, broadcaster, auditWriter)
	machine.SetNotifier(slackNotifier)

	gitDriver := gitdriver.NewShellDriver(cfg.RepoRoot, "origin")

	slots := slot.NewManager(db, rdb, cfg.SlotIDs, cfg.SlotLeaseTTL, cfg.ExpireToFailed,
		eventStore, broadcaster, auditWriter, machine, logger)
	machine.SetSlotReleaser(slots)

	worktrees := worktree.NewManager(db, cfg.WorktreeRoot, cfg.MainBranch, gitDriver,
		eventStore, broadcaster, auditWriter, logger)

	resetDriver := previewdb.NewPgxResetDriver(cfg.DatabaseURL, "forgebay_app")
	previewDBs := previewdb.NewCoordinator(db, resetDriver, eventStore, broadcaster, auditWriter, logger,
		cfg.PreviewDBName, cfg.SeedFilePath, cfg.SnapshotFilePath)

	orchestrator := allocation.NewOrchestrator(slots, worktrees, previewDBs, logger)

	var healthProbe mergegate.HealthProbe
	switch {
	case cfg.DeployHealthURL != "":
		healthProbe = mergegate.NewHTTPHealthProbe(cfg.DeployHealthURL, cfg.DeployStepTimeout)
	case cfg.DeployHealthCommand != "":
		healthProbe = mergegate.NewExecHealthProbe(cfg.DeployHealthCommand, cfg.DeployStepTimeout)
	}
	var deployDriver mergegate.DeployDriver
	if cfg.DeployReloadCommand != "" {
		deployDriver = mergegate.NewExecDeployDriver(cfg.DeployReloadCommand, cfg.DeployStepTimeout)
	}
	gate := mergegate.NewGate(db, machine, nil, gitDriver, deployDriver, healthProbe, slots, worktrees,
		eventStore, broadcaster, auditWriter, logger, cfg.RepoRoot, cfg.MainBranch, cfg.MergeGateRecheckRequired)

	return &components{
		machine:      machine,
		slots:        slots,
		worktrees:    worktrees,
		previewDBs:   previewDBs,
		orchestrator: orchestrator,
		gate:         gate,
		auditWriter:  auditWriter,
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	c := build(cfg, logger, db, rdb)
	c.auditWriter.Start(ctx)
	defer c.auditWriter.Close()

	if err := c.slots.EnsureSlots(ctx); err != nil {
		return fmt.Errorf("provisioning slot pool: %w", err)
	}

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	runHandler := run.NewHandler(db, c.machine, logger, c.auditWriter)
	slotHandler := slot.NewHandler(db, c.slots, cfg.SlotIDs, logger)
	worktreeHandler := worktree.NewHandler(db, c.worktrees, cfg.SlotIDs, logger)
	mergegateHandler := mergegate.NewHandler(db, c.gate, logger)
	releasesHandler := mergegate.NewReleasesHandler(db, logger)
	allocationHandler := allocation.NewHandler(c.orchestrator, logger)
	previewDBHandler := previewdb.NewHandler(db, c.previewDBs, logger)
	auditHandler := audit.NewHandler(db, logger)

	srv.APIRouter.Mount("/runs", runHandler.Routes(mergegateHandler.RunRoutes, allocationHandler.RunRoutes))
	srv.APIRouter.Mount("/slots", slotHandler.Routes())
	srv.APIRouter.Mount("/worktrees", worktreeHandler.Routes())
	srv.APIRouter.Mount("/preview-dbs", previewDBHandler.Routes())
	srv.APIRouter.Mount("/releases", releasesHandler.Routes())
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runScheduler hosts the periodic caller the core deliberately does not
// embed: one cron entry invoking reap_expired on the configured cadence.
// It is a thin adapter; all reaping logic lives in slot.Manager.ReapExpired.
func runScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	c := build(cfg, logger, db, rdb)
	c.auditWriter.Start(ctx)
	defer c.auditWriter.Close()

	if err := c.slots.EnsureSlots(ctx); err != nil {
		return fmt.Errorf("provisioning slot pool: %w", err)
	}

	sched := cron.New()
	_, err := sched.AddFunc(cfg.ReapExpiredCron, func() {
		reapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		n, err := c.slots.ReapExpired(reapCtx)
		if err != nil {
			logger.Error("reap_expired failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("reap_expired reaped leases", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("registering reap_expired cron entry: %w", err)
	}

	logger.Info("scheduler started", "reap_expired_cron", cfg.ReapExpiredCron)
	sched.Start()
	<-ctx.Done()
	logger.Info("stopping scheduler")
	stopCtx := sched.Stop()
	<-stopCtx.Done()
	return nil
}
