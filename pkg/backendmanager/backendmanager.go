// Package backendmanager implements the drone-side per-backend state
// machine: Scheduled -> Loading -> Starting -> Waiting -> Ready, with a
// termination branch reachable from any state.
package backendmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/plane-run/plane/pkg/runtime"
	"github.com/plane-run/plane/pkg/types"
)

const (
	reachabilityAttempts = 3000
	reachabilityInterval = 10 * time.Millisecond
	hardTerminateGrace   = 10 * time.Second
)

// Recorder durably records a new state for a backend and returns once the
// transition has been persisted.
type Recorder interface {
	Record(ctx context.Context, backend types.BackendName, state types.BackendState) error
}

// Manager drives a single backend through its lifecycle. It is created by
// the executor on receiving a Spawn action and starts at Loading.
type Manager struct {
	backend types.BackendName
	rt      runtime.Runtime
	rec     Recorder
	logger  *slog.Logger

	mu    sync.Mutex
	state types.BackendState
}

// New constructs a Manager for backend, already transitioned to Loading.
func New(backend types.BackendName, rt runtime.Runtime, rec Recorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend: backend,
		rt:      rt,
		rec:     rec,
		logger:  logger,
		state:   types.Loading(),
	}
}

// State returns the manager's last recorded state.
func (m *Manager) State() types.BackendState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition applies next if it respects the monotonic-rank invariant,
// recording it durably first. Serialized by m.mu since Run drives
// transitions from its own goroutine while Terminate and OnExit can be
// called concurrently by the executor.
func (m *Manager) transition(ctx context.Context, next types.BackendState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.CanTransitionTo(next) {
		m.logger.Debug("ignoring stale transition", "backend", m.backend, "from", m.state, "to", next)
		return nil
	}
	if err := m.rec.Record(ctx, m.backend, next); err != nil {
		return fmt.Errorf("recording state %s for %s: %w", next, m.backend, err)
	}
	m.state = next
	return nil
}

// Run drives Loading -> Starting -> Waiting -> Ready (or Terminating on
// failure) for a freshly spawned backend. executable, acquiredKey, and
// staticToken are passed straight to the runtime's Spawn call.
func (m *Manager) Run(ctx context.Context, executable json.RawMessage, acquiredKey types.AcquiredKey, staticToken *types.BearerToken) error {
	if err := m.rt.Prepare(ctx, executable); err != nil {
		m.logger.Warn("prepare failed", "backend", m.backend, "error", err)
		return m.Terminate(ctx, types.TerminationHard, types.ReasonErrorStarting)
	}
	if err := m.transition(ctx, types.Starting()); err != nil {
		return err
	}

	result, err := m.rt.Spawn(ctx, m.backend, executable, acquiredKey, staticToken)
	if err != nil {
		m.logger.Warn("spawn failed", "backend", m.backend, "error", err)
		return m.Terminate(ctx, types.TerminationHard, types.ReasonErrorStarting)
	}
	if err := m.transition(ctx, types.Waiting()); err != nil {
		return err
	}

	if !m.waitReachable(ctx, result.Address) {
		// Non-fatal: leaves the backend in Waiting until the controller's
		// expiration sweep terminates it.
		m.logger.Warn("backend never became reachable", "backend", m.backend, "address", result.Address)
		return nil
	}
	return m.transition(ctx, types.Ready(result.Address))
}

// waitReachable retries a TCP connect up to reachabilityAttempts times at
// reachabilityInterval (≈30s ceiling).
func (m *Manager) waitReachable(ctx context.Context, address string) bool {
	for i := 0; i < reachabilityAttempts; i++ {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		conn, err := net.DialTimeout("tcp", address, reachabilityInterval)
		if err == nil {
			conn.Close()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(reachabilityInterval):
		}
	}
	return false
}

// Terminate moves the backend into Terminating or HardTerminating from
// whatever state it is currently in. It then starts the runtime shutdown and a watchdog that
// escalates to hard termination after hardTerminateGrace if the
// container has not exited.
func (m *Manager) Terminate(ctx context.Context, kind types.TerminationKind, reason types.TerminationReason) error {
	lastStatus := m.State().Status
	var next types.BackendState
	if kind == types.TerminationHard {
		next = types.HardTerminating(reason, lastStatus)
	} else {
		next = types.Terminating(kind, reason, lastStatus)
	}
	if err := m.transition(ctx, next); err != nil {
		return err
	}

	hard := kind == types.TerminationHard
	if err := m.rt.Terminate(ctx, m.backend, hard); err != nil {
		m.logger.Warn("runtime terminate failed", "backend", m.backend, "error", err)
	}

	if !hard {
		go m.escalateIfStillRunning(ctx, reason)
	}
	return nil
}

// escalateIfStillRunning implements the Terminating -> HardTerminating
// rule: if the container has not exited within hardTerminateGrace of a
// soft terminate, escalate.
func (m *Manager) escalateIfStillRunning(ctx context.Context, reason types.TerminationReason) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(hardTerminateGrace):
	}
	if m.State().Status == types.StatusTerminated {
		return
	}
	m.logger.Info("escalating to hard termination", "backend", m.backend)
	_ = m.Terminate(ctx, types.TerminationHard, reason)
}

// OnExit handles a runtime termination event for this backend: it always
// lands in Terminated, carrying ExitSelf if no terminate request was
// already in flight.
func (m *Manager) OnExit(ctx context.Context, exitCode int) error {
	current := m.State()
	reason := types.ReasonExitSelf
	if current.Status == types.StatusTerminating || current.Status == types.StatusHardTerminating {
		reason = current.TerminationReason
	}
	next := types.Terminated(current.Status, reason, &exitCode)
	return m.transition(ctx, next)
}
