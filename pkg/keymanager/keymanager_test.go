package keymanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/plane-run/plane/pkg/protocol"
	"github.com/plane-run/plane/pkg/types"
)

type fakeRenewer struct {
	mu    sync.Mutex
	calls int
	reply func(calls int) (protocol.RenewKeyResponse, error)
}

func (f *fakeRenewer) RenewKey(ctx context.Context, req protocol.RenewKeyRequest) (protocol.RenewKeyResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.reply(n)
}

func (f *fakeRenewer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestManagerRenewsAndLoops(t *testing.T) {
	renewer := &fakeRenewer{
		reply: func(n int) (protocol.RenewKeyResponse, error) {
			return protocol.RenewKeyResponse{
				Backend: "backend-1",
				Deadlines: &types.KeyDeadlines{
					RenewAt:         time.Now().Add(20 * time.Millisecond),
					SoftTerminateAt: time.Now().Add(time.Hour),
					HardTerminateAt: time.Now().Add(2 * time.Hour),
				},
			}, nil
		},
	}

	var termCalls int
	var mu sync.Mutex
	mgr := New(renewer, func(backend types.BackendName, kind types.TerminationKind, reason types.TerminationReason) {
		mu.Lock()
		termCalls++
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Acquire(ctx, types.AcquiredKey{
		Backend: "backend-1",
		Deadlines: types.KeyDeadlines{
			RenewAt:         time.Now().Add(10 * time.Millisecond),
			SoftTerminateAt: time.Now().Add(time.Hour),
			HardTerminateAt: time.Now().Add(2 * time.Hour),
		},
	})

	time.Sleep(100 * time.Millisecond)
	mgr.Release("backend-1")

	if renewer.callCount() < 2 {
		t.Errorf("expected multiple renewal calls, got %d", renewer.callCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if termCalls != 0 {
		t.Errorf("termination should not be signaled on healthy renewals, got %d calls", termCalls)
	}
}

func TestManagerSignalsHardTerminationPastHardDeadline(t *testing.T) {
	renewer := &fakeRenewer{
		reply: func(n int) (protocol.RenewKeyResponse, error) {
			return protocol.RenewKeyResponse{Backend: "backend-1", Deadlines: nil}, nil
		},
	}

	done := make(chan struct {
		kind   types.TerminationKind
		reason types.TerminationReason
	}, 4)
	mgr := New(renewer, func(backend types.BackendName, kind types.TerminationKind, reason types.TerminationReason) {
		done <- struct {
			kind   types.TerminationKind
			reason types.TerminationReason
		}{kind, reason}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	past := time.Now().Add(-time.Millisecond)
	mgr.Acquire(ctx, types.AcquiredKey{
		Backend: "backend-1",
		Deadlines: types.KeyDeadlines{
			RenewAt:         past,
			SoftTerminateAt: past,
			HardTerminateAt: past,
		},
	})

	select {
	case sig := <-done:
		if sig.kind != types.TerminationHard || sig.reason != types.ReasonKeyExpired {
			t.Errorf("signal = %+v, want hard/key_expired", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for termination signal")
	}
}
