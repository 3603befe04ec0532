package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/plane-run/plane/pkg/types"
)

func TestCpuDelta(t *testing.T) {
	tests := []struct {
		name        string
		prev, cur   MetricSample
		wantBackend uint64
		wantSys     uint64
	}{
		{
			name:        "normal increase",
			prev:        MetricSample{CpuUsedNanos: 100, SysCpuNanos: 1000},
			cur:         MetricSample{CpuUsedNanos: 150, SysCpuNanos: 1200},
			wantBackend: 50,
			wantSys:     200,
		},
		{
			name:        "counter reset clamps to zero",
			prev:        MetricSample{CpuUsedNanos: 500, SysCpuNanos: 500},
			cur:         MetricSample{CpuUsedNanos: 10, SysCpuNanos: 10},
			wantBackend: 0,
			wantSys:     0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, sys := CpuDelta(tt.prev, tt.cur)
			if backend != tt.wantBackend {
				t.Errorf("backend delta = %d, want %d", backend, tt.wantBackend)
			}
			if sys != tt.wantSys {
				t.Errorf("sys delta = %d, want %d", sys, tt.wantSys)
			}
		})
	}
}

func TestFakeRuntimeSpawnAndTerminate(t *testing.T) {
	fr := NewFakeRuntime(4)
	ctx := context.Background()

	res, err := fr.Spawn(ctx, "backend-1", nil, types.AcquiredKey{}, nil)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if res.Address == "" {
		t.Fatal("Spawn() returned empty address")
	}
	if !fr.IsRunning("backend-1") {
		t.Fatal("backend should be running after Spawn")
	}

	if err := fr.Terminate(ctx, "backend-1", false); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if fr.IsRunning("backend-1") {
		t.Fatal("backend should not be running after Terminate")
	}
}

func TestFakeRuntimeTerminateIdempotent(t *testing.T) {
	fr := NewFakeRuntime(4)
	if err := fr.Terminate(context.Background(), "never-spawned", true); err != nil {
		t.Errorf("Terminate() of nonexistent backend should succeed, got %v", err)
	}
}

func TestFakeRuntimeEventsOnSelfExit(t *testing.T) {
	fr := NewFakeRuntime(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := fr.Events(ctx)
	fr.ExitBackend("backend-2", 1)

	select {
	case ev := <-events:
		if ev.Backend != "backend-2" || ev.ExitCode != 1 {
			t.Errorf("event = %+v, want backend-2 exit=1", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for termination event")
	}
}
