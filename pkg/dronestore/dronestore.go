// Package dronestore is the drone's embedded durable store: one row per
// backend holding its latest state, and an append-only event log the
// controller acknowledges at-least-once.
package dronestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/plane-run/plane/pkg/types"
)

// backendRow is the `backend(id, state_json)` table.
type backendRow struct {
	Id    string             `gorm:"primaryKey;column:id"`
	State types.BackendState `gorm:"column:state_json;serializer:json"`
}

func (backendRow) TableName() string { return "backend" }

// eventRow is the `event(id, backend_id, event_json, timestamp_ms)` table.
type eventRow struct {
	Id          int64  `gorm:"primaryKey;autoIncrement;column:id"`
	BackendId   string `gorm:"column:backend_id;index"`
	EventJson   []byte `gorm:"column:event_json"`
	TimestampMs int64  `gorm:"column:timestamp_ms"`
}

func (eventRow) TableName() string { return "event" }

// BackendEvent is the decoded form of one event row, handed to a listener
// or replayed on register.
type BackendEvent struct {
	EventId   int64
	BackendId types.BackendName
	State     types.BackendState
	Timestamp time.Time
}

// Listener receives one BackendEvent at a time, in event-id order.
type Listener func(BackendEvent)

// Store is the drone's embedded state store, opened over a single sqlite
// file.
type Store struct {
	db *gorm.DB

	mu       sync.Mutex
	listener Listener
}

// Open opens (creating if absent) the sqlite file at path and migrates
// its schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening drone store: %w", err)
	}
	if err := db.AutoMigrate(&backendRow{}, &eventRow{}); err != nil {
		return nil, fmt.Errorf("migrating drone store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RegisterEvent durably records backend's new state and appends an event
// in one transaction, then, after that transaction commits, invokes the
// installed listener (if any) with the new event.
func (s *Store) RegisterEvent(ctx context.Context, backend types.BackendName, state types.BackendState) (BackendEvent, error) {
	now := time.Now()
	var ev BackendEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := backendRow{Id: string(backend), State: state}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state_json"}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("upserting backend row: %w", err)
		}

		payload, err := state.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encoding state: %w", err)
		}
		eRow := eventRow{
			BackendId:   string(backend),
			EventJson:   payload,
			TimestampMs: now.UnixMilli(),
		}
		if err := tx.Create(&eRow).Error; err != nil {
			return fmt.Errorf("inserting event row: %w", err)
		}

		ev = BackendEvent{
			EventId:   eRow.Id,
			BackendId: backend,
			State:     state,
			Timestamp: now,
		}
		return nil
	})
	if err != nil {
		return BackendEvent{}, err
	}

	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l(ev)
	}
	return ev, nil
}

// RegisterListener installs l and, before returning, replays every
// currently-unacked event in event-id order.
func (s *Store) RegisterListener(ctx context.Context, l Listener) error {
	var rows []eventRow
	if err := s.db.WithContext(ctx).Order("id asc").Find(&rows).Error; err != nil {
		return fmt.Errorf("loading unacked events: %w", err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	for _, row := range rows {
		var state types.BackendState
		if err := state.UnmarshalBinary(row.EventJson); err != nil {
			return fmt.Errorf("decoding replayed event %d: %w", row.Id, err)
		}
		l(BackendEvent{
			EventId:   row.Id,
			BackendId: types.BackendName(row.BackendId),
			State:     state,
			Timestamp: time.UnixMilli(row.TimestampMs),
		})
	}
	return nil
}

// AckEvent removes eventId from the queue — the sole way an event leaves
// the log. The controller sends this only after committing
// the corresponding state change, so it is safe to delete unconditionally.
func (s *Store) AckEvent(ctx context.Context, eventId int64) error {
	return s.db.WithContext(ctx).Delete(&eventRow{}, eventId).Error
}

// ActiveBackends returns every backend whose last recorded state is not
// Terminated, for reconciliation against the runtime on startup.
func (s *Store) ActiveBackends(ctx context.Context) ([]types.Backend, error) {
	var rows []backendRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading backend rows: %w", err)
	}

	out := make([]types.Backend, 0, len(rows))
	for _, row := range rows {
		if row.State.IsTerminal() {
			continue
		}
		out = append(out, types.Backend{
			Id:    types.BackendName(row.Id),
			State: row.State,
		})
	}
	return out, nil
}
