package app

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/plane-run/plane/internal/config"
	"github.com/plane-run/plane/internal/httpserver"
	"github.com/plane-run/plane/internal/telemetry"
	"github.com/plane-run/plane/pkg/droneexecutor"
	"github.com/plane-run/plane/pkg/dronestore"
	"github.com/plane-run/plane/pkg/runtime"
	"github.com/plane-run/plane/pkg/types"
)

// RunDrone starts the drone binary: the local durable store, the Docker
// runtime, and the top-level executor loop.
func RunDrone(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	name := cfg.NodeName
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determining node name: %w", err)
		}
		name = hostname
	}

	store, err := dronestore.Open(cfg.DroneDBPath)
	if err != nil {
		return fmt.Errorf("opening drone store: %w", err)
	}
	defer store.Close()

	dialURL, err := droneSocketURL(cfg.ControllerURL, types.ClusterName(cfg.Cluster), name, cfg.Pool)
	if err != nil {
		return fmt.Errorf("building controller dial URL: %w", err)
	}

	exec := droneexecutor.New(droneexecutor.Config{
		NodeName:      name,
		Cluster:       types.ClusterName(cfg.Cluster),
		ControllerURL: dialURL,
		Runtime:       runtime.NewDockerRuntime(64),
		Store:         store,
		Logger:        logger,
	})

	srv := httpserver.NewServer(cfg, logger, telemetry.NewMetricsRegistry())
	httpSrv := &http.Server{Addr: cfg.ListenAddr(), Handler: srv}
	go func() {
		if err := runHTTPUntilDone(ctx, httpSrv, logger, "drone admin server"); err != nil {
			logger.Error("drone admin server stopped", "error", err)
		}
	}()

	return exec.Run(ctx)
}

// droneSocketURL rewrites base (e.g. "ws://controller:8080", the config
// default) into the cluster-scoped drone socket path, carrying the
// drone's name and pool as query parameters the controller reads at
// RegisterNode time instead of over a Hello frame.
func droneSocketURL(base string, cluster types.ClusterName, name, pool string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = fmt.Sprintf("/c/%s/drone-socket", cluster)
	q := url.Values{"name": {name}}
	if pool != "" {
		q.Set("pool", pool)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
