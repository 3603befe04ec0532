package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/plane-run/plane/pkg/types"
)

// FakeRuntime is an in-memory Runtime used by tests that exercise the
// drone executor and backend manager without a real container engine.
type FakeRuntime struct {
	mu        sync.Mutex
	running   map[types.BackendName]string
	events    chan TerminationEvent
	addrSeq   int
	PrepareFn func(executable json.RawMessage) error
}

// NewFakeRuntime constructs a FakeRuntime with the given event buffer
// size for Events.
func NewFakeRuntime(eventBuffer int) *FakeRuntime {
	return &FakeRuntime{
		running: make(map[types.BackendName]string),
		events:  make(chan TerminationEvent, eventBuffer),
	}
}

func (f *FakeRuntime) Prepare(ctx context.Context, executable json.RawMessage) error {
	if f.PrepareFn != nil {
		return f.PrepareFn(executable)
	}
	return nil
}

func (f *FakeRuntime) Spawn(ctx context.Context, backend types.BackendName, executable json.RawMessage, acquiredKey types.AcquiredKey, staticToken *types.BearerToken) (SpawnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrSeq++
	addr := fmt.Sprintf("127.0.0.1:%d", 20000+f.addrSeq)
	f.running[backend] = addr
	return SpawnResult{Address: addr}, nil
}

func (f *FakeRuntime) Terminate(ctx context.Context, backend types.BackendName, hard bool) error {
	f.mu.Lock()
	_, ok := f.running[backend]
	delete(f.running, backend)
	f.mu.Unlock()
	if !ok {
		// Terminate is idempotent: terminating a non-existent container
		// succeeds.
		return nil
	}
	select {
	case f.events <- TerminationEvent{Backend: backend, ExitCode: 0}:
	default:
	}
	return nil
}

func (f *FakeRuntime) Events(ctx context.Context) <-chan TerminationEvent {
	out := make(chan TerminationEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (f *FakeRuntime) Logs(ctx context.Context, backend types.BackendName) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (f *FakeRuntime) Metrics(ctx context.Context, backend types.BackendName) (<-chan MetricSample, error) {
	ch := make(chan MetricSample)
	close(ch)
	return ch, nil
}

// ExitBackend lets a test simulate the container for backend exiting on
// its own (the self-exit path, backend manager Ready -> Terminated).
func (f *FakeRuntime) ExitBackend(backend types.BackendName, exitCode int) {
	f.mu.Lock()
	delete(f.running, backend)
	f.mu.Unlock()
	f.events <- TerminationEvent{Backend: backend, ExitCode: exitCode}
}

// IsRunning reports whether backend currently has a running container in
// this fake.
func (f *FakeRuntime) IsRunning(backend types.BackendName) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[backend]
	return ok
}
