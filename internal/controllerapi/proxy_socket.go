package controllerapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/plane-run/plane/internal/controllerdb"
	"github.com/plane-run/plane/pkg/protocol"
	"github.com/plane-run/plane/pkg/types"
)

// handleProxySocket implements GET /c/:cluster/proxy-socket: a proxy dials this once and uses it for route-map
// misses, connection keep-alives, and the leased ACME cert-manager RPCs.
func (h *Handler) handleProxySocket(w http.ResponseWriter, r *http.Request) {
	cluster := types.ClusterName(chi.URLParam(r, "cluster"))
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name query parameter", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("proxy socket upgrade failed", "name", name, "error", err)
		return
	}
	ws := newWsConn(conn)
	defer ws.close()

	nodeId, err := h.db.RegisterNode(r.Context(), types.Node{
		Name: name, Cluster: cluster, Kind: types.NodeKindProxy, Ready: true,
	})
	if err != nil {
		h.logger.Error("registering proxy node", "name", name, "error", err)
		return
	}
	h.logger.Info("proxy connected", "name", name, "cluster", cluster, "node_id", nodeId)

	session := &proxySession{h: h, conn: ws, nodeId: nodeId, cluster: cluster, proxyName: types.ProxyName(name)}
	session.run(r.Context())
}

type proxySession struct {
	h         *Handler
	conn      *wsConn
	nodeId    types.NodeId
	cluster   types.ClusterName
	proxyName types.ProxyName
}

func (s *proxySession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	removed, unsubscribe := s.h.stateBus.SubscribeAll()
	defer unsubscribe()
	go s.watchRemovedBackends(ctx, removed)

	for {
		frame, err := s.conn.readFrame()
		if err != nil {
			s.h.logger.Debug("proxy socket read ended", "node_id", s.nodeId, "error", err)
			return
		}
		if err := s.dispatch(ctx, frame); err != nil {
			s.h.logger.Warn("handling proxy frame", "node_id", s.nodeId, "error", err)
		}
	}
}

// watchRemovedBackends pushes a BackendRemoved event to the proxy whenever
// any backend reaches its terminal state, so the proxy can evict its route-
// map and connection-monitor entries without waiting on a future miss.
func (s *proxySession) watchRemovedBackends(ctx context.Context, notifications <-chan controllerdb.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			var entry types.BackendStatusStreamEntry
			if err := decodeInto(n.Payload, &entry); err != nil {
				continue
			}
			if !entry.State.IsTerminal() {
				continue
			}
			msg := protocol.MessageToProxy{Kind: protocol.ToProxyBackendRemoved, RemovedBackend: types.BackendName(n.Key)}
			if err := s.conn.sendEvent(msg); err != nil {
				s.h.logger.Warn("notifying proxy of removed backend", "backend", n.Key, "error", err)
			}
		}
	}
}

func (s *proxySession) dispatch(ctx context.Context, frame wireFrame) error {
	var msg protocol.MessageFromProxy
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

func (s *proxySession) handleEvent(ctx context.Context, msg protocol.MessageFromProxy) error {
	if msg.Kind == protocol.FromProxyKeepAlive {
		return s.h.db.BumpKeepalive(ctx, msg.KeepAliveBackend)
	}
	return nil
}

func (s *proxySession) handleRequest(ctx context.Context, id int64, msg protocol.MessageFromProxy) error {
	switch msg.Kind {
	case protocol.FromProxyRouteInfoRequest:
		return s.handleRouteInfoRequest(ctx, id, msg.RouteInfoRequest)
	case protocol.FromProxyCertManagerReq:
		return s.handleCertManagerRequest(ctx, id, msg.CertManagerRequest)
	}
	return nil
}

func (s *proxySession) handleRouteInfoRequest(ctx context.Context, id int64, req *protocol.RouteInfoRequest) error {
	if req == nil {
		return nil
	}
	route, err := s.h.db.RouteInfoForToken(ctx, req.Token)
	if err != nil {
		s.h.logger.Warn("resolving route info", "token", req.Token, "error", err)
		route = nil
	}
	return s.conn.sendResponse(id, protocol.MessageToProxy{
		Kind:              protocol.ToProxyRouteInfoResponse,
		RouteInfoResponse: &protocol.RouteInfoResponse{Token: req.Token, Route: route},
	})
}

func (s *proxySession) handleCertManagerRequest(ctx context.Context, id int64, req *protocol.CertManagerRequest) error {
	if req == nil {
		return nil
	}
	resp := protocol.CertManagerResponse{Action: req.Action}
	var err error
	switch req.Action {
	case protocol.CertLeaseRequestAction:
		resp.Accepted, err = s.h.db.AcquireCertLease(ctx, s.cluster, s.proxyName)
	case protocol.CertSetTxtRecordAction:
		err = s.h.db.SetTxtValue(ctx, s.cluster, s.proxyName, req.TxtValue)
		resp.Accepted = err == nil
	case protocol.CertReleaseLeaseAction:
		err = s.h.db.ReleaseCertLease(ctx, s.cluster, s.proxyName)
		resp.Accepted = err == nil
	}
	if err != nil {
		s.h.logger.Warn("cert lease RPC failed", "action", req.Action, "proxy", s.proxyName, "error", err)
	}
	return s.conn.sendResponse(id, protocol.MessageToProxy{Kind: protocol.ToProxyCertManagerResp, CertManagerResponse: &resp})
}
