package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type testEvent struct {
	Value string `json:"value"`
}

func echoServer(t *testing.T, upgrader websocket.Upgrader) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if env.Kind != envelopeRequest {
				continue
			}
			reply := envelope{Kind: envelopeResponse, Id: env.Id, Message: env.Message}
			out, _ := json.Marshal(reply)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
}

func TestSocketRequestResponseRoundTrip(t *testing.T) {
	srv := echoServer(t, websocket.Upgrader{})
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	s := New(Config[testEvent, testEvent]{URL: wsURL})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Give the reconnect loop a moment to dial.
	time.Sleep(100 * time.Millisecond)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	got, err := s.Request(reqCtx, testEvent{Value: "ping"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if got.Value != "ping" {
		t.Errorf("Request() = %+v, want Value=ping", got)
	}
}

func TestSocketRequestAbandonedOnDisconnect(t *testing.T) {
	srv := echoServer(t, websocket.Upgrader{})
	wsURL := "ws" + srv.URL[len("http"):]
	s := New(Config[testEvent, testEvent]{URL: wsURL})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	// Close the server, then issue a request; it should fail rather than
	// hang forever.
	srv.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer reqCancel()
	_, err := s.Request(reqCtx, testEvent{Value: "ping"})
	if err == nil {
		t.Fatal("Request() should fail after server closes")
	}
}
