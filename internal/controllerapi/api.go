// Package controllerapi is the controller's external surface: the HTTP connect/status/terminate/drain endpoints and the three
// websocket terminations (drone, proxy, DNS) that carry the typed-socket
// protocol from pkg/protocol.
package controllerapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/plane-run/plane/internal/controllerdb"
	"github.com/plane-run/plane/pkg/scheduler"
)

// Handler wires the controller's store and scheduler to chi routes.
type Handler struct {
	db        *controllerdb.Store
	stateBus  *controllerdb.EventBus
	actionBus *controllerdb.EventBus
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	buildInfo StatusInfo
}

// StatusInfo is the controller's self-reported build identity.
type StatusInfo struct {
	Version string
	Hash    string
}

// New constructs a Handler.
func New(db *controllerdb.Store, stateBus, actionBus *controllerdb.EventBus, sched *scheduler.Scheduler, info StatusInfo, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		db:        db,
		stateBus:  stateBus,
		actionBus: actionBus,
		scheduler: sched,
		logger:    logger,
		buildInfo: info,
		upgrader: websocket.Upgrader{
			// The three collaborator roles dial from other hosts in the
			// fleet, not a browser; there is no cookie-based session to
			// protect against cross-origin hijacking here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Mount installs every route this package serves onto r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/status", h.handleStatus)

	r.Route("/c/{cluster}", func(r chi.Router) {
		r.Post("/connect", h.handleConnect)
		r.Get("/drone-socket", h.handleDroneSocket)
		r.Get("/proxy-socket", h.handleProxySocket)

		r.Get("/d", h.handleListDrones)
		r.Get("/b", h.handleListBackends)
		r.Post("/d/{drone}/drain", h.handleDrain)

		r.Route("/b/{backend}", func(r chi.Router) {
			r.Get("/status", h.handleBackendStatus)
			r.Get("/status-stream", h.handleBackendStatusStream)
			r.Post("/soft-terminate", h.handleSoftTerminate)
			r.Post("/hard-terminate", h.handleHardTerminate)
		})
	})

	r.Get("/dns-socket", h.handleDnsSocket)
}
