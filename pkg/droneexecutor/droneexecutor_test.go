package droneexecutor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/plane-run/plane/pkg/dronestore"
	"github.com/plane-run/plane/pkg/protocol"
	"github.com/plane-run/plane/pkg/runtime"
	"github.com/plane-run/plane/pkg/types"
)

func newTestExecutor(t *testing.T) (*Executor, *runtime.FakeRuntime) {
	t.Helper()
	store, err := dronestore.Open(filepath.Join(t.TempDir(), "drone.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	rt := runtime.NewFakeRuntime(8)
	e := New(Config{
		NodeName:      "drone-1",
		Cluster:       "default",
		ControllerURL: "ws://127.0.0.1:0/drone",
		Runtime:       rt,
		Store:         store,
	})
	return e, rt
}

func TestReapOrphansTerminatesActiveBackends(t *testing.T) {
	e, rt := newTestExecutor(t)
	ctx := context.Background()

	if _, err := e.store.RegisterEvent(ctx, "backend-orphan", types.Ready("10.0.0.1:9000")); err != nil {
		t.Fatalf("seed active backend: %v", err)
	}
	rt.Spawn(ctx, "backend-orphan", nil, types.AcquiredKey{}, nil)

	if err := e.reapOrphans(ctx); err != nil {
		t.Fatalf("reapOrphans() error = %v", err)
	}

	backends, err := e.store.ActiveBackends(ctx)
	if err != nil {
		t.Fatalf("ActiveBackends() error = %v", err)
	}
	for _, b := range backends {
		if b.Id == "backend-orphan" {
			t.Errorf("orphaned backend still active after reap: %+v", b)
		}
	}
	if rt.IsRunning("backend-orphan") {
		t.Error("orphaned backend still running in the runtime after reap")
	}
}

func TestSpawnThenTerminateLifecycle(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	am := protocol.BackendActionMessage{
		ActionId:  1,
		BackendId: "backend-1",
		Action: protocol.BackendAction{
			Kind: types.ActionSpawn,
			Key: types.AcquiredKey{
				Backend: "backend-1",
				Deadlines: types.KeyDeadlines{
					RenewAt:         time.Now().Add(time.Hour),
					SoftTerminateAt: time.Now().Add(2 * time.Hour),
					HardTerminateAt: time.Now().Add(3 * time.Hour),
				},
			},
		},
	}
	e.handleAction(ctx, am)

	e.mu.Lock()
	_, ok := e.managers["backend-1"]
	e.mu.Unlock()
	if !ok {
		t.Fatal("spawn action did not register a backend manager")
	}

	termAm := protocol.BackendActionMessage{
		ActionId:  2,
		BackendId: "backend-1",
		Action: protocol.BackendAction{
			Kind:              types.ActionTerminate,
			TerminationKind:   types.TerminationSoft,
			TerminationReason: types.ReasonExternal,
		},
	}
	e.handleAction(ctx, termAm)

	e.mu.Lock()
	mgr := e.managers["backend-1"]
	e.mu.Unlock()
	if mgr == nil {
		t.Fatal("manager disappeared before termination was recorded")
	}
	if mgr.State().Status != types.StatusTerminating {
		t.Errorf("State() = %v, want terminating", mgr.State())
	}
}

func TestTerminateUnmanagedBackendIsIdempotent(t *testing.T) {
	e, _ := newTestExecutor(t)
	am := protocol.BackendActionMessage{
		ActionId:  1,
		BackendId: "backend-missing",
		Action:    protocol.BackendAction{Kind: types.ActionTerminate},
	}
	e.handleAction(context.Background(), am)
}

func TestRenewKeyPropagatesContextCancellation(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.RenewKey(ctx, protocol.RenewKeyRequest{Backend: "backend-1", LocalTime: time.Now()})
	if err == nil {
		t.Fatal("expected RenewKey to fail with no controller connected")
	}
}
