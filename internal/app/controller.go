package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/plane-run/plane/internal/config"
	"github.com/plane-run/plane/internal/controllerapi"
	"github.com/plane-run/plane/internal/controllerdb"
	"github.com/plane-run/plane/internal/httpserver"
	"github.com/plane-run/plane/internal/platform"
	"github.com/plane-run/plane/internal/telemetry"
	"github.com/plane-run/plane/pkg/scheduler"
)

// RunController starts the controller binary: the authoritative store,
// the two NOTIFY fanout buses, the connect/sweep scheduler, and the
// HTTP+websocket surface.
func RunController(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	logger.Info("starting plane-controller", "listen", cfg.ListenAddr())

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	db := controllerdb.New(pool)
	stateBus := controllerdb.NewEventBus(pool, "plane_backend_state", logger)
	actionBus := controllerdb.NewEventBus(pool, "plane_backend_action", logger)
	go func() {
		if err := stateBus.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("backend-state event bus stopped", "error", err)
		}
	}()
	go func() {
		if err := actionBus.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("backend-action event bus stopped", "error", err)
		}
	}()

	sched := scheduler.New(db, stateBus, actionBus, logger)
	go sched.RunSweep(ctx)
	go sched.RunCleanup(ctx, time.Duration(cfg.CleanupMinAgeDays)*24*time.Hour)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	srv := httpserver.NewServer(cfg, logger, metricsReg)
	srv.UseReadyCheck(func(ctx context.Context) error { return pool.Ping(ctx) })

	api := controllerapi.New(db, stateBus, actionBus, sched, controllerapi.StatusInfo{Version: "dev"}, logger)
	api.Mount(srv.Router)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the status-stream endpoint and websocket upgrades are long-lived
		IdleTimeout:  120 * time.Second,
	}
	return runHTTPUntilDone(ctx, httpSrv, logger, "controller")
}
