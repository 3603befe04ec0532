package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plane-run/plane/internal/config"
)

// Server holds the HTTP server dependencies shared by all three Plane
// binaries (controller, drone, proxy each expose a small admin/health
// surface over this same router shape).
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // mount point for domain routes, e.g. /c/:cluster
	Logger    *slog.Logger
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints. Domain handlers should be mounted on APIRouter after calling
// NewServer.
func NewServer(cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	// Global middleware
	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (unauthenticated)
	s.Router.Get("/healthz", s.handleHealthz)

	// Prometheus metrics (unauthenticated)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.APIRouter = s.Router
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyChecker is an optional liveness dependency (e.g. the controller's
// Postgres pool) a binary can register so /readyz reflects real backing
// store health instead of always reporting ready.
type ReadyChecker func(ctx context.Context) error

// UseReadyCheck wires a readiness dependency into /readyz. The /readyz
// route exists only once this is called; binaries with no such dependency
// (drone, proxy) never call it and serve no /readyz route.
func (s *Server) UseReadyCheck(check ReadyChecker) {
	s.Router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := check(r.Context()); err != nil {
			s.Logger.Error("readiness check failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "dependency not ready")
			return
		}
		Respond(w, http.StatusOK, map[string]string{"status": "ready"})
	})
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status        string `json:"status"`
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HandleStatus returns process uptime. Mounted by binaries that want a
// richer status surface than the bare /healthz check.
func (s *Server) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(s.startedAt)
	Respond(w, http.StatusOK, statusResponse{
		Status:        "ok",
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	})
}
