// Package proxyserver is the TLS-terminating reverse proxy's HTTP
// handler: it resolves the bearer token in the request path through the
// route map, enforces the subdomain policy, rewrites the upstream
// request, and tracks connection activity.
package proxyserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/plane-run/plane/pkg/connmonitor"
	"github.com/plane-run/plane/pkg/routemap"
	"github.com/plane-run/plane/pkg/types"
)

// Server is the proxy's HTTP handler.
type Server struct {
	routes          *routemap.Map
	conns           *connmonitor.Monitor
	logger          *slog.Logger
	rootRedirectURL string
}

// New constructs a Server. rootRedirectURL may be empty, in which case a
// request with no token segment receives 400 instead of a redirect.
func New(routes *routemap.Map, conns *connmonitor.Monitor, logger *slog.Logger, rootRedirectURL string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{routes: routes, conns: conns, logger: logger, rootRedirectURL: rootRedirectURL}
}

// ServeHTTP implements the proxy's routing decision table.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, rest, ok := splitTokenPath(r.URL.Path)
	if !ok {
		if s.rootRedirectURL != "" {
			http.Redirect(w, r, s.rootRedirectURL, http.StatusMovedPermanently)
			return
		}
		http.Error(w, "missing token path segment", http.StatusBadRequest)
		return
	}

	route, found, err := s.routes.Lookup(r.Context(), token)
	if err != nil {
		s.logger.Warn("route resolution failed", "token", token, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusGone)
		return
	}
	if route.Address == "" {
		http.Error(w, "backend starting", http.StatusServiceUnavailable)
		return
	}
	if route.Subdomain != "" && !hostHasSubdomain(r.Host, route.Subdomain) {
		http.Error(w, "subdomain required", http.StatusForbidden)
		return
	}

	upstreamPath := rest
	if token.IsStatic() {
		upstreamPath = "/" + string(token) + rest
	}

	s.conns.Opened(string(route.BackendId))
	defer s.conns.Closed(string(route.BackendId))

	proxy := s.buildReverseProxy(route, upstreamPath)
	proxy.ServeHTTP(w, r)
}

func (s *Server) buildReverseProxy(route *types.RouteInfo, upstreamPath string) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = route.Address
			req.URL.Path = upstreamPath
			req.Header.Set("X-Plane-Secret-Token", string(route.SecretToken))

			proto := "http"
			if req.TLS != nil {
				proto = "https"
			}
			req.Header.Set("X-Forwarded-Proto", proto)

			if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
				req.Header.Set("X-Forwarded-For", host)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set("X-Plane-Backend-Id", string(route.BackendId))
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("upstream request failed", "backend", route.BackendId, "error", err)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}

// splitTokenPath extracts the leading path segment as a BearerToken. ok is
// false when the path has no non-empty first segment at all.
func splitTokenPath(path string) (token types.BearerToken, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.SplitN(trimmed, "/", 2)
	token = types.BearerToken(parts[0])
	if token == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		rest = "/" + parts[1]
	} else {
		rest = "/"
	}
	return token, rest, true
}

// hostHasSubdomain reports whether host's first label matches subdomain.
func hostHasSubdomain(host string, subdomain types.Subdomain) bool {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		h = host
	}
	labels := strings.SplitN(h, ".", 2)
	return labels[0] == string(subdomain)
}

// RemovedBackendListener reacts to a controller-pushed BackendRemoved
// event by forgetting the backend's connection state.
type RemovedBackendListener struct {
	Routes *routemap.Map
	Conns  *connmonitor.Monitor
}

// Handle clears backend's connection-monitor state. It does not touch
// Routes: the route map is keyed by token, not backend id, so a cached
// entry for the backend stays until its TTL runs out or Routes.Remove is
// called with its token.
func (l *RemovedBackendListener) Handle(_ context.Context, backend types.BackendName) {
	l.Conns.Forget(string(backend))
}
