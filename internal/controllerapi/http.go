package controllerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/plane-run/plane/internal/httpserver"
	"github.com/plane-run/plane/pkg/protocol"
	"github.com/plane-run/plane/pkg/types"
)

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, protocol.StatusResponse{
		Status:  "ok",
		Version: h.buildInfo.Version,
		Hash:    h.buildInfo.Hash,
	})
}

// handleConnect implements POST /c/:cluster/connect.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	cluster := types.ClusterName(chi.URLParam(r, "cluster"))
	if cluster == "" {
		writeApiError(w, types.NewApiError(types.ErrNoClusterProvided, "cluster path segment is required"))
		return
	}

	var req types.ConnectRequest
	if r.ContentLength != 0 {
		if err := httpserver.Decode(r, &req); err != nil {
			writeApiError(w, types.NewApiError(types.ErrOther, "decoding request body: "+err.Error()))
			return
		}
	}
	if req.SpawnConfig != nil && req.SpawnConfig.Cluster == "" {
		req.SpawnConfig.Cluster = cluster
	}
	if errs := httpserver.Validate(req); len(errs) > 0 {
		writeApiError(w, types.NewApiError(types.ErrOther, errs[0].Field+": "+errs[0].Message))
		return
	}

	resp, err := h.scheduler.Connect(r.Context(), req, func(cluster types.ClusterName, subdomain types.Subdomain, token types.BearerToken) string {
		return publicBackendURL(r, cluster, subdomain, token)
	})
	if err != nil {
		writeApiError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func publicBackendURL(r *http.Request, cluster types.ClusterName, subdomain types.Subdomain, token types.BearerToken) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := string(cluster)
	if subdomain != "" {
		host = string(subdomain) + "." + host
	}
	return fmt.Sprintf("%s://%s/%s/", scheme, host, token)
}

// handleBackendStatus implements GET /c/:cluster/b/:backend/status.
func (h *Handler) handleBackendStatus(w http.ResponseWriter, r *http.Request) {
	backend := types.BackendName(chi.URLParam(r, "backend"))
	b, err := h.db.GetBackend(r.Context(), backend)
	if err != nil {
		writeApiError(w, types.NewApiError(types.ErrNotFound, fmt.Sprintf("backend %s not found", backend)))
		return
	}
	httpserver.Respond(w, http.StatusOK, types.BackendStatusStreamEntry{State: b.State, Time: b.LastStatusTime})
}

// handleBackendStatusStream implements GET /c/:cluster/b/:backend/status-
// stream as server-sent events: the current state immediately, then every
// subsequent transition from the state EventBus, until the backend reaches
// a terminal state or the client disconnects.
func (h *Handler) handleBackendStatusStream(w http.ResponseWriter, r *http.Request) {
	backend := types.BackendName(chi.URLParam(r, "backend"))

	// Subscribe before fetching the current state: a transition published
	// between the two would otherwise be visible in neither the initial
	// snapshot nor the live stream. A notification that duplicates what the
	// snapshot already reflects is harmless; one lost in the gap is not.
	notifications, unsubscribe := h.stateBus.Subscribe(string(backend))
	defer unsubscribe()

	b, err := h.db.GetBackend(r.Context(), backend)
	if err != nil {
		writeApiError(w, types.NewApiError(types.ErrNotFound, fmt.Sprintf("backend %s not found", backend)))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeApiError(w, types.NewApiError(types.ErrOther, "streaming unsupported by this response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEntry := func(entry types.BackendStatusStreamEntry) bool {
		data, err := json.Marshal(entry)
		if err != nil {
			h.logger.Warn("encoding status-stream entry", "backend", backend, "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return !entry.State.IsTerminal()
	}

	if !writeEntry(types.BackendStatusStreamEntry{State: b.State, Time: b.LastStatusTime}) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			var entry types.BackendStatusStreamEntry
			if err := json.Unmarshal(n.Payload, &entry); err != nil {
				h.logger.Warn("discarding malformed status-stream notification", "backend", backend, "error", err)
				continue
			}
			if !writeEntry(entry) {
				return
			}
		}
	}
}

func (h *Handler) handleSoftTerminate(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, types.TerminationSoft)
}

func (h *Handler) handleHardTerminate(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, types.TerminationHard)
}

// terminate implements POST /c/:cluster/b/:backend/{soft,hard}-terminate:
// it records the terminating state immediately (so a concurrent status
// read observes it right away) and enqueues the matching drone action.
func (h *Handler) terminate(w http.ResponseWriter, r *http.Request, kind types.TerminationKind) {
	backend := types.BackendName(chi.URLParam(r, "backend"))
	b, err := h.db.GetBackend(r.Context(), backend)
	if err != nil {
		writeApiError(w, types.NewApiError(types.ErrNotFound, fmt.Sprintf("backend %s not found", backend)))
		return
	}

	next := types.Terminating(types.TerminationSoft, types.ReasonExternal, b.LastStatus)
	if kind == types.TerminationHard {
		next = types.HardTerminating(types.ReasonExternal, b.LastStatus)
	}
	if err := h.db.UpdateState(r.Context(), h.stateBus, backend, next); err != nil {
		writeApiError(w, types.NewApiError(types.ErrDatabaseError, err.Error()))
		return
	}
	if err := h.enqueueTerminate(r.Context(), b, kind); err != nil {
		writeApiError(w, types.NewApiError(types.ErrDatabaseError, err.Error()))
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

func (h *Handler) enqueueTerminate(ctx context.Context, b types.Backend, kind types.TerminationKind) error {
	return h.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := h.db.EnqueueAction(ctx, tx, h.actionBus, types.BackendAction{
			Backend:       b.Id,
			DroneId:       b.DroneId,
			Action:        types.ActionTerminate,
			TerminateHard: kind == types.TerminationHard,
		}, nil, kind, types.ReasonExternal)
		return err
	})
}

// handleDrain implements POST /c/:cluster/d/:drone/drain; the CLI's --cancel flag is carried as a query parameter.
func (h *Handler) handleDrain(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "drone"), 10, 64)
	if err != nil {
		writeApiError(w, types.NewApiError(types.ErrOther, "drone must be a node id"))
		return
	}
	draining := r.URL.Query().Get("cancel") != "true"
	if err := h.db.SetDraining(r.Context(), types.NodeId(id), draining); err != nil {
		writeApiError(w, types.NewApiError(types.ErrDatabaseError, err.Error()))
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

// handleListDrones implements the supplemented GET /c/:cluster/d admin
// listing.
func (h *Handler) handleListDrones(w http.ResponseWriter, r *http.Request) {
	cluster := types.ClusterName(chi.URLParam(r, "cluster"))
	nodes, err := h.db.ListNodes(r.Context(), cluster, types.NodeKindDrone)
	if err != nil {
		writeApiError(w, types.NewApiError(types.ErrDatabaseError, err.Error()))
		return
	}
	httpserver.Respond(w, http.StatusOK, nodes)
}

// handleListBackends implements the supplemented GET /c/:cluster/b admin
// listing, paginated since a long-lived cluster can accumulate
// many terminated backend rows.
func (h *Handler) handleListBackends(w http.ResponseWriter, r *http.Request) {
	cluster := types.ClusterName(chi.URLParam(r, "cluster"))

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		writeApiError(w, types.NewApiError(types.ErrOther, err.Error()))
		return
	}

	backends, total, err := h.db.ListBackends(r.Context(), cluster, params.PageSize, params.Offset)
	if err != nil {
		writeApiError(w, types.NewApiError(types.ErrDatabaseError, err.Error()))
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(backends, params, total))
}

func writeApiError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*types.ApiError)
	if !ok {
		apiErr = types.NewApiError(types.ErrOther, err.Error())
	}
	httpserver.Respond(w, apiErr.StatusCode(), apiErr)
}
