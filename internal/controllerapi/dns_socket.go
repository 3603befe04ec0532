package controllerapi

import (
	"context"
	"net/http"

	"github.com/plane-run/plane/pkg/protocol"
	"github.com/plane-run/plane/pkg/types"
)

// handleDnsSocket implements GET /dns-socket: the
// DNS collaborator asks, per cluster, what TXT value it should currently
// serve for the ACME DNS-01 challenge. One socket serves every cluster;
// the cluster is named in each request rather than the URL.
func (h *Handler) handleDnsSocket(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name query parameter", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("dns socket upgrade failed", "name", name, "error", err)
		return
	}
	ws := newWsConn(conn)
	defer ws.close()

	if _, err := h.db.RegisterNode(r.Context(), types.Node{Name: name, Kind: types.NodeKindDns, Ready: true}); err != nil {
		h.logger.Error("registering dns node", "name", name, "error", err)
		return
	}
	h.logger.Info("dns collaborator connected", "name", name)

	session := &dnsSession{h: h, conn: ws}
	session.run(r.Context())
}

type dnsSession struct {
	h    *Handler
	conn *wsConn
}

func (s *dnsSession) run(ctx context.Context) {
	for {
		frame, err := s.conn.readFrame()
		if err != nil {
			s.h.logger.Debug("dns socket read ended", "error", err)
			return
		}
		if err := s.dispatch(ctx, frame); err != nil {
			s.h.logger.Warn("handling dns frame", "error", err)
		}
	}
}

func (s *dnsSession) dispatch(ctx context.Context, frame wireFrame) error {
	if frame.Kind != frameRequest {
		return nil
	}
	var msg protocol.MessageFromDns
	if err := decodeInto(frame.Message, &msg); err != nil {
		return err
	}
	if msg.Kind != protocol.FromDnsTxtRecordRequest {
		return nil
	}

	value, err := s.h.db.GetTxtValue(ctx, msg.Cluster)
	if err != nil {
		s.h.logger.Debug("no active txt value for cluster", "cluster", msg.Cluster, "error", err)
		value = ""
	}
	return s.conn.sendResponse(frame.Id, protocol.MessageToDns{
		Kind: protocol.ToDnsTxtRecordResponse, Cluster: msg.Cluster, TxtValue: value,
	})
}
