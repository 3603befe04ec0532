package controllerapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/plane-run/plane/internal/controllerdb"
	"github.com/plane-run/plane/pkg/protocol"
	"github.com/plane-run/plane/pkg/scheduler"
	"github.com/plane-run/plane/pkg/types"
)

// handleDroneSocket implements GET /c/:cluster/drone-socket: a drone dials this once, identifying itself by name (and
// pool, for scheduling) via query parameters, then exchanges heartbeats,
// backend-state events, action deliveries, and renew-key RPCs for the
// lifetime of the connection.
func (h *Handler) handleDroneSocket(w http.ResponseWriter, r *http.Request) {
	cluster := types.ClusterName(chi.URLParam(r, "cluster"))
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name query parameter", http.StatusBadRequest)
		return
	}
	pool := r.URL.Query().Get("pool")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("drone socket upgrade failed", "name", name, "error", err)
		return
	}
	ws := newWsConn(conn)
	defer ws.close()

	nodeId, err := h.db.RegisterNode(r.Context(), types.Node{
		Name: name, Cluster: cluster, Pool: pool, Kind: types.NodeKindDrone, Ready: true,
	})
	if err != nil {
		h.logger.Error("registering drone node", "name", name, "error", err)
		return
	}
	h.logger.Info("drone connected", "name", name, "cluster", cluster, "node_id", nodeId)

	session := &droneSession{h: h, conn: ws, nodeId: nodeId, cluster: cluster}
	session.run(r.Context())
}

type droneSession struct {
	h       *Handler
	conn    *wsConn
	nodeId  types.NodeId
	cluster types.ClusterName
}

// run drives the connection: it seeds the outbox with whatever is already
// pending, subscribes for new enqueues, and reads inbound frames until the
// socket closes or ctx is canceled.
func (s *droneSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	notifications, unsubscribe := s.h.actionBus.Subscribe(strconv.FormatInt(int64(s.nodeId), 10))
	defer unsubscribe()

	go s.deliverOutbox(ctx)
	go s.watchOutbox(ctx, notifications)

	for {
		frame, err := s.conn.readFrame()
		if err != nil {
			s.h.logger.Debug("drone socket read ended", "node_id", s.nodeId, "error", err)
			return
		}
		if err := s.dispatch(ctx, frame); err != nil {
			s.h.logger.Warn("handling drone frame", "node_id", s.nodeId, "error", err)
		}
	}
}

// deliverOutbox sends every pending action once up front, covering
// whatever accumulated while the drone was disconnected.
func (s *droneSession) deliverOutbox(ctx context.Context) {
	actions, err := s.h.db.PendingActionsForDrone(ctx, s.nodeId)
	if err != nil {
		s.h.logger.Warn("listing pending actions", "node_id", s.nodeId, "error", err)
		return
	}
	for _, a := range actions {
		s.sendAction(a)
	}
}

// watchOutbox delivers every action enqueued after the connection opened.
func (s *droneSession) watchOutbox(ctx context.Context, notifications <-chan controllerdb.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			_ = n // the action id is in the payload, but re-querying the full row is simpler and always current
			actions, err := s.h.db.PendingActionsForDrone(ctx, s.nodeId)
			if err != nil {
				s.h.logger.Warn("listing pending actions after notify", "node_id", s.nodeId, "error", err)
				continue
			}
			for _, a := range actions {
				s.sendAction(a)
			}
		}
	}
}

func (s *droneSession) sendAction(a types.BackendAction) {
	msg := protocol.MessageToDrone{Kind: protocol.ToDroneAction, Action: ptr(scheduler.ActionMessage(a))}
	if err := s.conn.sendEvent(msg); err != nil {
		s.h.logger.Warn("sending action to drone", "node_id", s.nodeId, "backend", a.Backend, "error", err)
	}
}

func (s *droneSession) dispatch(ctx context.Context, frame wireFrame) error {
	var msg protocol.MessageFromDrone
	if err := decodeInto(frame.Message, &msg); err != nil {
		return err
	}

	switch frame.Kind {
	case frameEvent:
		return s.handleEvent(ctx, msg)
	case frameRequest:
		return s.handleRequest(ctx, frame.Id, msg)
	}
	return nil
}

func (s *droneSession) handleEvent(ctx context.Context, msg protocol.MessageFromDrone) error {
	switch msg.Kind {
	case protocol.FromDroneHeartbeat:
		ready := msg.Heartbeat == nil || msg.Heartbeat.Ready
		return s.h.db.Heartbeat(ctx, s.nodeId, ready)
	case protocol.FromDroneBackendEvent:
		return s.handleBackendEvent(ctx, msg.BackendEvent)
	case protocol.FromDroneBackendMetric:
		// Point-in-time resource samples are surfaced via /metrics, not
		// stored; nothing to do beyond having received them.
		return nil
	case protocol.FromDroneAckAction:
		return s.h.db.AckAction(ctx, msg.ActionId)
	}
	return nil
}

func (s *droneSession) handleBackendEvent(ctx context.Context, ev *protocol.BackendStateMessage) error {
	if ev == nil {
		return nil
	}
	if err := s.h.db.UpdateState(ctx, s.h.stateBus, ev.BackendId, ev.State); err != nil {
		return err
	}
	if ev.State.IsTerminal() {
		if err := s.h.db.WithTx(ctx, func(tx pgx.Tx) error {
			return s.h.db.DeleteTokensForBackend(ctx, tx, ev.BackendId)
		}); err != nil {
			s.h.logger.Warn("deleting tokens for terminated backend", "backend", ev.BackendId, "error", err)
		}
	}
	return s.conn.sendEvent(protocol.MessageToDrone{Kind: protocol.ToDroneAckEvent, AckEventId: ev.EventId})
}

func (s *droneSession) handleRequest(ctx context.Context, id int64, msg protocol.MessageFromDrone) error {
	if msg.Kind != protocol.FromDroneRenewKey || msg.RenewKey == nil {
		return nil
	}
	resp := s.renewKey(ctx, *msg.RenewKey)
	return s.conn.sendResponse(id, protocol.MessageToDrone{Kind: protocol.ToDroneRenewKeyResponse, RenewKeyResponse: &resp})
}

// renewWindow/softWindow/hardWindow/expiryWindow mirror the scheduler's
// deadline spacing: each renewal pushes the same three
// relative deadlines forward from now.
const (
	renewWindow  = 30 * time.Second
	softWindow   = 60 * time.Second
	hardWindow   = 90 * time.Second
	expiryWindow = 10 * time.Minute
)

func (s *droneSession) renewKey(ctx context.Context, req protocol.RenewKeyRequest) protocol.RenewKeyResponse {
	now := time.Now()
	deadlines := types.KeyDeadlines{
		RenewAt:         now.Add(renewWindow),
		SoftTerminateAt: now.Add(softWindow),
		HardTerminateAt: now.Add(hardWindow),
	}
	newToken, err := s.h.db.RenewKey(ctx, req.Backend, req.Token, deadlines, now.Add(expiryWindow))
	if err != nil {
		// Token mismatch or no such key: deny the renewal, matching
		// keymanager.Manager's expectation of a nil Deadlines on denial.
		return protocol.RenewKeyResponse{Backend: req.Backend}
	}
	return protocol.RenewKeyResponse{Backend: req.Backend, Deadlines: &deadlines, Token: newToken}
}

func ptr[T any](v T) *T { return &v }
