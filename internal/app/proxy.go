package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/plane-run/plane/internal/config"
	"github.com/plane-run/plane/internal/httpserver"
	"github.com/plane-run/plane/internal/telemetry"
	"github.com/plane-run/plane/pkg/certmanager"
	"github.com/plane-run/plane/pkg/connmonitor"
	"github.com/plane-run/plane/pkg/proxyclient"
	"github.com/plane-run/plane/pkg/proxyserver"
	"github.com/plane-run/plane/pkg/routemap"
	"github.com/plane-run/plane/pkg/types"
)

// RunProxy starts the proxy binary: the route cache, connection monitor,
// leased ACME cert manager, and the TLS-terminating reverse proxy itself.
func RunProxy(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	name := cfg.NodeName
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determining node name: %w", err)
		}
		name = hostname
	}

	// conns and client reference each other (keep-alives flow proxy ->
	// controller through client, removals flow controller -> proxy through
	// conns); client's callback closes over the conns variable, which is
	// only assigned its real value below but not read until client.Run
	// starts processing inbound frames.
	var conns *connmonitor.Monitor

	dialURL, err := proxySocketURL(cfg.ControllerURL, types.ClusterName(cfg.Cluster), name)
	if err != nil {
		return fmt.Errorf("building controller dial URL: %w", err)
	}
	client := proxyclient.New(proxyclient.Config{
		ControllerURL: dialURL,
		Logger:        logger,
		OnBackendRemoved: func(backend types.BackendName) {
			conns.Forget(string(backend))
		},
	})
	conns = connmonitor.New(client, connmonitor.WithActiveGauge(func(n int) {
		telemetry.ConnectionsActive.Set(float64(n))
	}))
	go conns.Run(ctx)

	routes := routemap.New(client,
		routemap.WithSizeGauge(func(n int) { telemetry.RouteMapSize.Set(float64(n)) }),
		routemap.WithCoalesceCounter(func() { telemetry.RouteMapRequestsCoalescedTotal.Inc() }),
	)

	certMgr, err := certmanager.New(certmanager.Config{
		Domain:    cfg.Cluster,
		Email:     cfg.AcmeEmail,
		Directory: cfg.AcmeDirectory,
		CertPath:  cfg.AcmeCertPath,
		KeyPath:   cfg.AcmeKeyPath,
		Lease:     client,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("constructing cert manager: %w", err)
	}

	proxySrv := proxyserver.New(routes, conns, logger, cfg.RootRedirectURL)

	tlsSrv := &http.Server{
		Addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.ProxyHTTPSPort),
		Handler:   proxySrv,
		TLSConfig: &tls.Config{GetCertificate: certMgr.GetCertificate},
	}

	adminSrv := httpserver.NewServer(cfg, logger, telemetry.NewMetricsRegistry(
		telemetry.RouteMapSize, telemetry.RouteMapRequestsCoalescedTotal, telemetry.ConnectionsActive,
	))
	adminHTTPSrv := &http.Server{Addr: cfg.ListenAddr(), Handler: adminSrv}

	go client.Run(ctx)
	go func() {
		if err := certMgr.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("cert manager stopped", "error", err)
		}
	}()
	go func() {
		if err := runHTTPUntilDone(ctx, adminHTTPSrv, logger, "proxy admin server"); err != nil {
			logger.Error("proxy admin server stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", "addr", tlsSrv.Addr)
		if err := tlsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy tls server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down proxy")
		return tlsSrv.Close()
	case err := <-errCh:
		return err
	}
}

// proxySocketURL rewrites base into the cluster-scoped proxy socket path,
// carrying the proxy's name as a query parameter.
func proxySocketURL(base string, cluster types.ClusterName, name string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = fmt.Sprintf("/c/%s/proxy-socket", cluster)
	u.RawQuery = url.Values{"name": {name}}.Encode()
	return u.String(), nil
}
