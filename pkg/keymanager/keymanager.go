// Package keymanager runs the drone-side fencing-key renewal loop: one
// goroutine per acquired key that sleeps until its renew deadline, asks
// the controller to renew, and signals soft/hard termination if renewal
// is denied or a deadline is missed.
package keymanager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/plane-run/plane/pkg/protocol"
	"github.com/plane-run/plane/pkg/types"
)

// Renewer sends a RenewKeyRequest to the controller and waits for its
// reply. Implemented by the drone's socket wiring (pkg/droneexecutor).
type Renewer interface {
	RenewKey(ctx context.Context, req protocol.RenewKeyRequest) (protocol.RenewKeyResponse, error)
}

// TerminationSignal is invoked when a key's deadlines demand the backend
// start terminating.
type TerminationSignal func(backend types.BackendName, kind types.TerminationKind, reason types.TerminationReason)

// Manager owns one renewal goroutine per currently-acquired key.
type Manager struct {
	renewer Renewer
	onTerm  TerminationSignal
	logger  *slog.Logger

	mu      sync.Mutex
	cancels map[types.BackendName]context.CancelFunc
}

// New constructs a Manager. onTerm is called (possibly from a renewal
// goroutine) when a key's soft or hard deadline is reached without a
// successful renewal.
func New(renewer Renewer, onTerm TerminationSignal, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		renewer: renewer,
		onTerm:  onTerm,
		logger:  logger,
		cancels: make(map[types.BackendName]context.CancelFunc),
	}
}

// Acquire starts the renewal loop for a newly acquired key. Calling
// Acquire again for the same backend replaces any existing loop (a
// release-and-reacquire cycle that bumps the fencing token).
func (m *Manager) Acquire(ctx context.Context, key types.AcquiredKey) {
	m.mu.Lock()
	if cancel, ok := m.cancels[key.Backend]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancels[key.Backend] = cancel
	m.mu.Unlock()

	go m.run(loopCtx, key)
}

// Release stops the renewal loop for backend, e.g. once it has
// terminated.
func (m *Manager) Release(backend types.BackendName) {
	m.mu.Lock()
	cancel, ok := m.cancels[backend]
	delete(m.cancels, backend)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) run(ctx context.Context, key types.AcquiredKey) {
	deadlines := key.Deadlines
	token := key.Token
	for {
		waitFor := time.Until(deadlines.RenewAt)
		if waitFor > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(waitFor):
			}
		}

		resp, err := m.renewer.RenewKey(ctx, protocol.RenewKeyRequest{
			Backend:   key.Backend,
			LocalTime: time.Now(),
			Token:     token,
		})
		if ctx.Err() != nil {
			return
		}

		now := time.Now()
		switch {
		case err == nil && resp.Deadlines != nil:
			deadlines = *resp.Deadlines
			token = resp.Token
			continue
		case now.After(deadlines.HardTerminateAt):
			m.logger.Warn("key renewal denied past hard deadline", "backend", key.Backend, "error", err)
			m.onTerm(key.Backend, types.TerminationHard, types.ReasonKeyExpired)
			return
		case now.After(deadlines.SoftTerminateAt):
			m.logger.Warn("key renewal denied past soft deadline", "backend", key.Backend, "error", err)
			m.onTerm(key.Backend, types.TerminationSoft, types.ReasonKeyExpired)
			// Keep trying to renew until the hard deadline: a late
			// response can still save the backend from a hard kill.
			waitFor = time.Until(deadlines.HardTerminateAt)
			if waitFor <= 0 {
				m.onTerm(key.Backend, types.TerminationHard, types.ReasonKeyExpired)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(waitFor):
			}
			m.onTerm(key.Backend, types.TerminationHard, types.ReasonKeyExpired)
			return
		default:
			m.logger.Warn("key renewal denied, will retry before soft deadline", "backend", key.Backend, "error", err)
			deadlines.RenewAt = now.Add(time.Second)
		}
	}
}
