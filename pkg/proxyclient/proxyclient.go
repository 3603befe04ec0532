// Package proxyclient bridges the proxy's in-process collaborators —
// routemap.Map, connmonitor.Monitor, and certmanager.Manager — to the
// controller over one typed socket. It is
// the proxy-side mirror of pkg/droneexecutor.
package proxyclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plane-run/plane/pkg/certmanager"
	"github.com/plane-run/plane/pkg/connmonitor"
	"github.com/plane-run/plane/pkg/protocol"
	"github.com/plane-run/plane/pkg/routemap"
	"github.com/plane-run/plane/pkg/socket"
	"github.com/plane-run/plane/pkg/types"
)

// Client implements routemap.Resolver, connmonitor.Notifier, and
// certmanager.LeaseClient over a single connection to the controller.
type Client struct {
	sock   *socket.Socket[protocol.MessageFromProxy, protocol.MessageToProxy]
	logger *slog.Logger

	onBackendRemoved func(types.BackendName)
}

var (
	_ routemap.Resolver    = (*Client)(nil)
	_ connmonitor.Notifier = (*Client)(nil)
	_ certmanager.LeaseClient = (*Client)(nil)
)

// Config collects everything Client needs to start.
type Config struct {
	ControllerURL string
	Logger        *slog.Logger

	// OnBackendRemoved is called whenever the controller reports a
	// backend has reached a terminal state, so the caller can evict it
	// from connmonitor and the route cache.
	OnBackendRemoved func(types.BackendName)
}

// New wires a Client and its typed socket (not yet connected; call Run).
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{logger: logger, onBackendRemoved: cfg.OnBackendRemoved}
	c.sock = socket.New(socket.Config[protocol.MessageFromProxy, protocol.MessageToProxy]{
		URL:     cfg.ControllerURL,
		Logger:  logger,
		OnEvent: c.handleInbound,
	})
	return c
}

// Run blocks until ctx is canceled, reconnecting as needed.
func (c *Client) Run(ctx context.Context) { c.sock.Run(ctx) }

func (c *Client) handleInbound(msg protocol.MessageToProxy) {
	if msg.Kind != protocol.ToProxyBackendRemoved || c.onBackendRemoved == nil {
		return
	}
	c.onBackendRemoved(msg.RemovedBackend)
}

// ResolveRoute implements routemap.Resolver.
func (c *Client) ResolveRoute(ctx context.Context, token types.BearerToken) (*types.RouteInfo, error) {
	resp, err := c.sock.Request(ctx, protocol.MessageFromProxy{
		Kind:             protocol.FromProxyRouteInfoRequest,
		RouteInfoRequest: &protocol.RouteInfoRequest{Token: token},
	})
	if err != nil {
		return nil, err
	}
	if resp.RouteInfoResponse == nil {
		return nil, fmt.Errorf("route_info_response missing from controller reply")
	}
	return resp.RouteInfoResponse.Route, nil
}

// KeepAlive implements connmonitor.Notifier. It is fire-and-forget: a
// dropped keepalive just means the idle sweep sees the backend as
// inactive a little sooner than it otherwise would.
func (c *Client) KeepAlive(backend string) {
	err := c.sock.SendEvent(protocol.MessageFromProxy{
		Kind:             protocol.FromProxyKeepAlive,
		KeepAliveBackend: types.BackendName(backend),
	})
	if err != nil {
		c.logger.Warn("sending keep-alive", "backend", backend, "error", err)
	}
}

// RequestLease implements certmanager.LeaseClient.
func (c *Client) RequestLease(ctx context.Context) (bool, error) {
	resp, err := c.certRequest(ctx, protocol.CertLeaseRequestAction, "")
	if err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// SetTxtValue implements certmanager.LeaseClient.
func (c *Client) SetTxtValue(ctx context.Context, value string) error {
	_, err := c.certRequest(ctx, protocol.CertSetTxtRecordAction, value)
	return err
}

// ReleaseLease implements certmanager.LeaseClient.
func (c *Client) ReleaseLease(ctx context.Context) error {
	_, err := c.certRequest(ctx, protocol.CertReleaseLeaseAction, "")
	return err
}

func (c *Client) certRequest(ctx context.Context, action protocol.CertLeaseAction, txtValue string) (*protocol.CertManagerResponse, error) {
	resp, err := c.sock.Request(ctx, protocol.MessageFromProxy{
		Kind:               protocol.FromProxyCertManagerReq,
		CertManagerRequest: &protocol.CertManagerRequest{Action: action, TxtValue: txtValue},
	})
	if err != nil {
		return nil, err
	}
	if resp.CertManagerResponse == nil {
		return nil, fmt.Errorf("cert_manager_response missing from controller reply")
	}
	return resp.CertManagerResponse, nil
}
