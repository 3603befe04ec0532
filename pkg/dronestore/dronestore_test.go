package dronestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/plane-run/plane/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drone.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterEventInvokesListener(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var received []BackendEvent
	if err := s.RegisterListener(ctx, func(ev BackendEvent) {
		received = append(received, ev)
	}); err != nil {
		t.Fatalf("RegisterListener() error = %v", err)
	}

	ev, err := s.RegisterEvent(ctx, "backend-1", types.Ready("10.0.0.1:8080"))
	if err != nil {
		t.Fatalf("RegisterEvent() error = %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("listener received %d events, want 1", len(received))
	}
	if received[0].EventId != ev.EventId {
		t.Errorf("listener event id = %d, want %d", received[0].EventId, ev.EventId)
	}
}

func TestRegisterListenerReplaysUnacked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RegisterEvent(ctx, "backend-1", types.Scheduled()); err != nil {
		t.Fatalf("RegisterEvent() error = %v", err)
	}
	if _, err := s.RegisterEvent(ctx, "backend-1", types.Loading()); err != nil {
		t.Fatalf("RegisterEvent() error = %v", err)
	}

	var replayed []BackendEvent
	if err := s.RegisterListener(ctx, func(ev BackendEvent) {
		replayed = append(replayed, ev)
	}); err != nil {
		t.Fatalf("RegisterListener() error = %v", err)
	}

	if len(replayed) != 2 {
		t.Fatalf("replayed %d events, want 2", len(replayed))
	}
	if replayed[0].EventId >= replayed[1].EventId {
		t.Errorf("replay not in event-id order: %d then %d", replayed[0].EventId, replayed[1].EventId)
	}
}

func TestAckEventRemovesFromReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, err := s.RegisterEvent(ctx, "backend-1", types.Scheduled())
	if err != nil {
		t.Fatalf("RegisterEvent() error = %v", err)
	}
	if err := s.AckEvent(ctx, ev.EventId); err != nil {
		t.Fatalf("AckEvent() error = %v", err)
	}

	var replayed []BackendEvent
	if err := s.RegisterListener(ctx, func(e BackendEvent) {
		replayed = append(replayed, e)
	}); err != nil {
		t.Fatalf("RegisterListener() error = %v", err)
	}
	if len(replayed) != 0 {
		t.Errorf("replayed %d events after ack, want 0", len(replayed))
	}
}

func TestActiveBackendsExcludesTerminated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RegisterEvent(ctx, "backend-1", types.Ready("10.0.0.1:8080")); err != nil {
		t.Fatalf("RegisterEvent() error = %v", err)
	}
	if _, err := s.RegisterEvent(ctx, "backend-2", types.Terminated(types.StatusReady, types.ReasonExitSelf, nil)); err != nil {
		t.Fatalf("RegisterEvent() error = %v", err)
	}

	active, err := s.ActiveBackends(ctx)
	if err != nil {
		t.Fatalf("ActiveBackends() error = %v", err)
	}
	if len(active) != 1 || active[0].Id != "backend-1" {
		t.Errorf("ActiveBackends() = %+v, want only backend-1", active)
	}
}
