package controllerapi

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// frameKind mirrors pkg/socket's private wire format so the controller
// speaks the same envelope the typed socket client dials with: one JSON
// object per websocket text frame, discriminated by kind.
type frameKind string

const (
	frameEvent    frameKind = "event"
	frameRequest  frameKind = "request"
	frameResponse frameKind = "response"
)

type wireFrame struct {
	Kind    frameKind       `json:"kind"`
	Id      int64           `json:"id,omitempty"`
	Message json.RawMessage `json:"message"`
}

// wsConn serializes writes to one websocket connection; gorilla/websocket
// connections support at most one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWsConn(c *websocket.Conn) *wsConn { return &wsConn{conn: c} }

func (c *wsConn) readFrame() (wireFrame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return wireFrame{}, err
	}
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return wireFrame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}

func (c *wsConn) write(f wireFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// sendEvent writes a fire-and-forget frame carrying msg.
func (c *wsConn) sendEvent(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return c.write(wireFrame{Kind: frameEvent, Message: data})
}

// sendResponse answers a request frame identified by id.
func (c *wsConn) sendResponse(id int64, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return c.write(wireFrame{Kind: frameResponse, Id: id, Message: data})
}

func (c *wsConn) close() error { return c.conn.Close() }

func decodeInto(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
