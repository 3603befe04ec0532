package controllerdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification is one fanned-out LISTEN/NOTIFY event. Key is the entity
// the event concerns (a backend id or a drone's node id formatted as a
// string) so subscribers can filter without re-parsing Payload.
type Notification struct {
	Key     string
	Payload json.RawMessage
}

type wireNotification struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// EventBus fans a single Postgres NOTIFY channel out to in-process
// subscribers, keyed by entity id. One EventBus per logical channel; the controller keeps
// one for backend state changes and one for outbox enqueues.
type EventBus struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string][]chan Notification
	all  []chan Notification
}

// NewEventBus constructs a bus over channel. Call Run to start listening.
func NewEventBus(pool *pgxpool.Pool, channel string, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		pool:    pool,
		channel: channel,
		logger:  logger,
		subs:    make(map[string][]chan Notification),
	}
}

// Publish writes a NOTIFY on the bus's channel. Pass db as the enclosing
// transaction when the publish must be atomic with the row change that
// triggered it (e.g. backend state update + journal insert + notify all
// commit together); pass the pool directly otherwise.
func (b *EventBus) Publish(ctx context.Context, db DBTX, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling notification payload: %w", err)
	}
	wire, err := json.Marshal(wireNotification{Key: key, Payload: data})
	if err != nil {
		return fmt.Errorf("marshaling notification envelope: %w", err)
	}
	return notify(ctx, db, b.channel, string(wire))
}

// Run holds a dedicated connection LISTENing on the bus's channel until
// ctx is canceled, fanning out every notification to current subscribers.
// It never returns a connection to the pool mid-run, matching Postgres's
// requirement that LISTEN state is per-session.
func (b *EventBus) Run(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("listen %s", b.channel)); err != nil {
		return fmt.Errorf("listen %s: %w", b.channel, err)
	}

	for {
		pgn, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("waiting for notification: %w", err)
		}

		var wire wireNotification
		if err := json.Unmarshal([]byte(pgn.Payload), &wire); err != nil {
			b.logger.Warn("dropping malformed notification", "channel", b.channel, "error", err)
			continue
		}
		b.dispatch(Notification{Key: wire.Key, Payload: wire.Payload})
	}
}

func (b *EventBus) dispatch(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[n.Key] {
		select {
		case ch <- n:
		default:
			b.logger.Warn("subscriber channel full, dropping notification", "key", n.Key)
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- n:
		default:
			b.logger.Warn("subscriber channel full, dropping notification", "channel", b.channel)
		}
	}
}

// Subscribe registers for notifications about one key (e.g. one backend
// id). The returned func unregisters and must be called when the caller
// is done (typically on request/connection teardown).
func (b *EventBus) Subscribe(key string) (<-chan Notification, func()) {
	ch := make(chan Notification, 16)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[key]
		for i, c := range list {
			if c == ch {
				b.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}
}

// SubscribeAll registers for every notification on the bus, regardless of
// key (used by a proxy session, which pushes a backend-removed event for
// every terminal state change; a drone session uses Subscribe with its own
// node id instead).
func (b *EventBus) SubscribeAll() (<-chan Notification, func()) {
	ch := make(chan Notification, 64)
	b.mu.Lock()
	b.all = append(b.all, ch)
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.all {
			if c == ch {
				b.all = append(b.all[:i], b.all[i+1:]...)
				break
			}
		}
		close(ch)
	}
}
