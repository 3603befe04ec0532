// Package app wires each of Plane's three binaries (controller, drone,
// proxy) from config down to its components, keeping config loading
// (cmd/*/main.go) separate from dependency wiring (this package).
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/plane-run/plane/internal/config"
	"github.com/plane-run/plane/internal/telemetry"
)

// runHTTPUntilDone starts srv in the background and blocks until ctx is
// canceled, then shuts it down gracefully. Shared by all three binaries'
// admin/health HTTP surfaces.
func runHTTPUntilDone(ctx context.Context, srv *http.Server, logger *slog.Logger, what string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(what+" listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("%s: %w", what, err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down " + what)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	return logger
}
