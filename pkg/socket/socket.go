// Package socket implements the duplex, reconnecting, request/reply-capable
// JSON message stream ("typed socket") that every collaborator node (drone,
// proxy, DNS) uses to talk to the controller.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	sendQueueSize   = 256
	initialInterval = 500 * time.Millisecond
	maxInterval     = 30 * time.Second
	backoffFactor   = 2.0

	// defaultRequestTimeout bounds a Request call when the caller's context
	// carries no earlier deadline of its own.
	defaultRequestTimeout = 10 * time.Second
)

// envelopeKind discriminates the three frame shapes on the wire: a
// fire-and-forget event, a request awaiting a reply, and a reply
// correlated back to a request by Id.
type envelopeKind string

const (
	envelopeEvent    envelopeKind = "event"
	envelopeRequest  envelopeKind = "request"
	envelopeResponse envelopeKind = "response"
)

// envelope is the wire frame: one JSON object per message, newline
// (length) delimited by the websocket framing itself.
type envelope struct {
	Kind    envelopeKind    `json:"kind"`
	Id      int64           `json:"id,omitempty"`
	Message json.RawMessage `json:"message"`
}

// ErrTransport is returned to a pending caller when the connection drops
// before its response arrives. Requests are not automatically retried by
// the socket; the caller must re-issue one.
type ErrTransport struct{ Reason string }

func (e *ErrTransport) Error() string { return fmt.Sprintf("typed socket transport error: %s", e.Reason) }

// Socket is a typed duplex stream between this process and one peer. TSend
// is the message type this side emits; TRecv is the message type this
// side receives. Both directions share the same underlying connection,
// with one client-role endpoint per process (drone, proxy, or DNS)
// dialing the controller.
type Socket[TSend, TRecv any] struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger

	onHello func() TSend
	onEvent func(TRecv)

	mu      sync.Mutex
	conn    *websocket.Conn
	nextId  int64
	pending map[int64]chan frameResult[TRecv]

	sendCh chan outboundFrame
	done   chan struct{}
	closed atomic.Bool

	reconnect *backoff.ExponentialBackOff
}

type frameResult[TRecv any] struct {
	msg TRecv
	err error
}

type outboundFrame struct {
	kind envelopeKind
	id   int64
	data json.RawMessage
}

// Config configures a Socket before Dial.
type Config[TSend, TRecv any] struct {
	URL    string
	Logger *slog.Logger
	// OnHello builds the Hello re-greet event sent immediately after every
	// successful (re)connection.
	OnHello func() TSend
	// OnEvent is invoked for every inbound fire-and-forget event.
	OnEvent func(TRecv)
}

// New constructs a Socket. Call Run to start the reconnect loop.
func New[TSend, TRecv any](cfg Config[TSend, TRecv]) *Socket[TSend, TRecv] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rb := backoff.NewExponentialBackOff()
	rb.InitialInterval = initialInterval
	rb.MaxInterval = maxInterval
	rb.Multiplier = backoffFactor
	rb.RandomizationFactor = 0.2
	rb.MaxElapsedTime = 0 // retry forever; the caller cancels via ctx

	return &Socket[TSend, TRecv]{
		url:       cfg.URL,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:    logger,
		onHello:   cfg.OnHello,
		onEvent:   cfg.OnEvent,
		pending:   make(map[int64]chan frameResult[TRecv]),
		sendCh:    make(chan outboundFrame, sendQueueSize),
		done:      make(chan struct{}),
		reconnect: rb,
	}
}

// Run dials and redials the socket until ctx is canceled, applying
// jittered exponential backoff between attempts.
func (s *Socket[TSend, TRecv]) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			wait := s.reconnect.NextBackOff()
			s.logger.Warn("typed socket dial failed", "url", s.url, "retry_in", wait, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		s.logger.Info("typed socket connected", "url", s.url)
		s.reconnect.Reset()
		s.setConn(conn)
		s.abandonPending()
		if s.onHello != nil {
			_ = s.SendEvent(s.onHello())
		}

		s.handleConnection(ctx, conn)
		s.setConn(nil)
		s.abandonPending()

		select {
		case <-ctx.Done():
			return
		default:
		}
		wait := s.reconnect.NextBackOff()
		s.logger.Info("typed socket disconnected, reconnecting", "retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Socket[TSend, TRecv]) setConn(c *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = c
}

func (s *Socket[TSend, TRecv]) abandonPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]chan frameResult[TRecv])
	s.mu.Unlock()

	for id, ch := range pending {
		ch <- frameResult[TRecv]{err: &ErrTransport{Reason: "connection closed before response"}}
		close(ch)
		delete(pending, id)
	}
}

// handleConnection pumps frames for one connection lifetime: a writer
// goroutine drains sendCh, a reader goroutine demuxes inbound envelopes
// into events, requests (not modeled client-side), and responses.
func (s *Socket[TSend, TRecv]) handleConnection(ctx context.Context, conn *websocket.Conn) {
	connDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-connDone:
				return
			case frame, ok := <-s.sendCh:
				if !ok {
					return
				}
				env := envelope{Kind: frame.kind, Id: frame.id, Message: frame.data}
				data, err := json.Marshal(env)
				if err != nil {
					s.logger.Error("marshal outbound frame", "error", err)
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					s.logger.Debug("write failed, connection likely closed", "error", err)
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("typed socket read ended", "error", err)
			break
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		switch env.Kind {
		case envelopeEvent:
			var msg TRecv
			if err := json.Unmarshal(env.Message, &msg); err != nil {
				s.logger.Warn("discarding malformed event", "error", err)
				continue
			}
			if s.onEvent != nil {
				s.onEvent(msg)
			}
		case envelopeResponse:
			s.mu.Lock()
			ch, ok := s.pending[env.Id]
			if ok {
				delete(s.pending, env.Id)
			}
			s.mu.Unlock()
			if !ok {
				continue
			}
			var msg TRecv
			if err := json.Unmarshal(env.Message, &msg); err != nil {
				ch <- frameResult[TRecv]{err: fmt.Errorf("decoding response: %w", err)}
			} else {
				ch <- frameResult[TRecv]{msg: msg}
			}
			close(ch)
		default:
			s.logger.Warn("unexpected frame kind from peer", "kind", env.Kind)
		}
	}

	close(connDone)
	<-writerDone
	conn.Close()
}

// SendEvent enqueues a fire-and-forget message. It returns an error if the
// socket has been permanently closed or the queue is still full after
// dropping; a full queue drops the oldest queued frame, whatever its kind.
// This generic socket treats every frame alike, so the drone's
// backend-state events can be dropped here too; they stay in
// pkg/dronestore's event log until the controller acknowledges them.
func (s *Socket[TSend, TRecv]) SendEvent(msg TSend) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.enqueue(outboundFrame{kind: envelopeEvent, data: data})
}

// Request sends msg and blocks until a correlated response arrives, ctx
// is canceled, or the connection drops (yielding ErrTransport). If ctx
// carries no deadline, one defaultRequestTimeout out is applied so a
// request can never hang forever on a peer that never replies.
func (s *Socket[TSend, TRecv]) Request(ctx context.Context, msg TSend) (TRecv, error) {
	var zero TRecv

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return zero, fmt.Errorf("marshal request: %w", err)
	}

	id := atomic.AddInt64(&s.nextId, 1)
	ch := make(chan frameResult[TRecv], 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.enqueue(outboundFrame{kind: envelopeRequest, id: id, data: data}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return zero, err
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return zero, ctx.Err()
	case result := <-ch:
		return result.msg, result.err
	}
}

func (s *Socket[TSend, TRecv]) enqueue(frame outboundFrame) error {
	if s.closed.Load() {
		return &ErrTransport{Reason: "socket closed"}
	}
	select {
	case s.sendCh <- frame:
		return nil
	default:
		select {
		case <-s.sendCh:
			s.logger.Warn("send queue full, dropped oldest frame")
		default:
		}
		select {
		case s.sendCh <- frame:
			return nil
		default:
			return &ErrTransport{Reason: "send queue full"}
		}
	}
}

// Close stops the socket permanently. Run's goroutine exits on its next
// context check.
func (s *Socket[TSend, TRecv]) Close() {
	s.closed.Store(true)
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// Done is closed once Run has returned, for callers that want to wait for
// a clean shutdown after canceling ctx.
func (s *Socket[TSend, TRecv]) Done() <-chan struct{} { return s.done }
