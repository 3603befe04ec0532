// Package droneexecutor is the drone's top-level loop: it owns one
// backendmanager.Manager per running backend, reaps orphans left behind by
// an unclean restart, and bridges the local state store and key manager to
// the controller over the typed socket.
package droneexecutor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/plane-run/plane/pkg/backendmanager"
	"github.com/plane-run/plane/pkg/dronestore"
	"github.com/plane-run/plane/pkg/keymanager"
	"github.com/plane-run/plane/pkg/protocol"
	"github.com/plane-run/plane/pkg/runtime"
	"github.com/plane-run/plane/pkg/socket"
	"github.com/plane-run/plane/pkg/types"
)

const orphanTerminateAttempts = 10

// heartbeatInterval is how often the drone re-sends its liveness ping.
// It must stay comfortably inside the controller's liveness window
// (controllerdb.livenessWindow, 30s) so a healthy, connected drone never
// ages out of ListEligibleDrones between pings.
const heartbeatInterval = 10 * time.Second

// shutdownDrainDelay bounds how long Run waits for the final ready=false
// heartbeat to reach the controller before tearing down the socket.
const shutdownDrainDelay = 500 * time.Millisecond

// Executor owns the drone's view of the world: the runtime, the local
// durable store, the key renewal loop, and every live backend manager.
type Executor struct {
	nodeName string
	cluster  types.ClusterName

	rt     runtime.Runtime
	store  *dronestore.Store
	sock   *socket.Socket[protocol.MessageFromDrone, protocol.MessageToDrone]
	keymgr *keymanager.Manager
	logger *slog.Logger

	mu       sync.Mutex
	managers map[types.BackendName]*backendmanager.Manager
}

// Config collects everything Executor needs to start.
type Config struct {
	NodeName      string
	Cluster       types.ClusterName
	ControllerURL string
	Runtime       runtime.Runtime
	Store         *dronestore.Store
	Logger        *slog.Logger
}

// New wires an Executor and its typed socket (not yet connected; call Run).
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		nodeName: cfg.NodeName,
		cluster:  cfg.Cluster,
		rt:       cfg.Runtime,
		store:    cfg.Store,
		logger:   logger,
		managers: make(map[types.BackendName]*backendmanager.Manager),
	}
	e.keymgr = keymanager.New(e, e.onKeyTermination, logger)
	e.sock = socket.New(socket.Config[protocol.MessageFromDrone, protocol.MessageToDrone]{
		URL:    cfg.ControllerURL,
		Logger: logger,
		OnHello: func() protocol.MessageFromDrone {
			return protocol.MessageFromDrone{Kind: protocol.FromDroneHeartbeat, Heartbeat: &protocol.Heartbeat{LocalTime: time.Now(), Ready: true}}
		},
		OnEvent: e.handleInbound,
	})
	return e
}

// Run reaps orphans left by an unclean restart, then opens the socket and
// the state-store forwarding listener, blocking until ctx is canceled. On
// cancellation it sends a final ready=false heartbeat before the socket
// tears down, so the controller doesn't have to wait out the full liveness
// window to learn this drone is going away.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("drone starting", "name", e.nodeName, "cluster", e.cluster)
	if err := e.reapOrphans(ctx); err != nil {
		return fmt.Errorf("reaping orphans: %w", err)
	}
	if err := e.store.RegisterListener(ctx, e.forwardEvent); err != nil {
		return fmt.Errorf("installing state store listener: %w", err)
	}
	go e.runExitWatcher(ctx)

	sockCtx, stopSock := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		if err := e.sock.SendEvent(protocol.MessageFromDrone{
			Kind:      protocol.FromDroneHeartbeat,
			Heartbeat: &protocol.Heartbeat{LocalTime: time.Now(), Ready: false},
		}); err != nil {
			e.logger.Warn("sending final heartbeat failed", "error", err)
		}
		time.Sleep(shutdownDrainDelay)
		stopSock()
	}()

	go e.runHeartbeat(ctx)
	e.sock.Run(sockCtx)
	return nil
}

// runHeartbeat re-sends a ready=true heartbeat on heartbeatInterval for as
// long as ctx is live, so a connected drone never ages out of the
// controller's liveness window.
func (e *Executor) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.sock.SendEvent(protocol.MessageFromDrone{
				Kind:      protocol.FromDroneHeartbeat,
				Heartbeat: &protocol.Heartbeat{LocalTime: time.Now(), Ready: true},
			})
			if err != nil {
				e.logger.Warn("sending heartbeat failed", "error", err)
			}
		}
	}
}

// reapOrphans implements the "no orphan survives a drone restart" rule.
func (e *Executor) reapOrphans(ctx context.Context) error {
	backends, err := e.store.ActiveBackends(ctx)
	if err != nil {
		return fmt.Errorf("listing active backends: %w", err)
	}
	for _, b := range backends {
		e.logger.Warn("reaping orphaned backend from prior drone instance", "backend", b.Id)

		hardTerminating := types.HardTerminating(types.ReasonKeyExpired, b.State.Status)
		if _, err := e.store.RegisterEvent(ctx, b.Id, hardTerminating); err != nil {
			return fmt.Errorf("recording orphan hard-terminating for %s: %w", b.Id, err)
		}

		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), orphanTerminateAttempts-1), ctx)
		terminateErr := backoff.Retry(func() error {
			return e.rt.Terminate(ctx, b.Id, true)
		}, bo)
		if terminateErr != nil {
			e.logger.Error("failed to terminate orphaned backend after retries", "backend", b.Id, "error", terminateErr)
		}

		terminated := types.Terminated(types.StatusHardTerminating, types.ReasonKeyExpired, nil)
		if _, err := e.store.RegisterEvent(ctx, b.Id, terminated); err != nil {
			return fmt.Errorf("recording orphan terminated for %s: %w", b.Id, err)
		}
	}
	return nil
}

// forwardEvent is the state-store listener: every durable state transition
// is relayed to the controller as a fire-and-forget BackendEvent. The
// controller's ack (handleInbound's ToDroneAckEvent case) is what actually
// removes the event from the local log.
func (e *Executor) forwardEvent(ev dronestore.BackendEvent) {
	err := e.sock.SendEvent(protocol.MessageFromDrone{
		Kind: protocol.FromDroneBackendEvent,
		BackendEvent: &protocol.BackendStateMessage{
			EventId:   protocol.BackendEventId(ev.EventId),
			BackendId: ev.BackendId,
			State:     ev.State,
			Timestamp: ev.Timestamp,
		},
	})
	if err != nil {
		e.logger.Warn("failed to enqueue backend event for controller", "backend", ev.BackendId, "error", err)
	}
}

// handleInbound dispatches one fire-and-forget frame from the controller.
func (e *Executor) handleInbound(msg protocol.MessageToDrone) {
	ctx := context.Background()
	switch msg.Kind {
	case protocol.ToDroneAction:
		if msg.Action != nil {
			e.handleAction(ctx, *msg.Action)
		}
	case protocol.ToDroneAckEvent:
		if err := e.store.AckEvent(ctx, int64(msg.AckEventId)); err != nil {
			e.logger.Warn("failed to ack event", "event_id", msg.AckEventId, "error", err)
		}
	default:
		e.logger.Debug("ignoring unexpected drone message kind", "kind", msg.Kind)
	}
}

func (e *Executor) handleAction(ctx context.Context, am protocol.BackendActionMessage) {
	switch am.Action.Kind {
	case types.ActionSpawn:
		e.spawn(ctx, am)
	case types.ActionTerminate:
		e.terminate(ctx, am)
	default:
		e.logger.Warn("unknown action kind", "kind", am.Action.Kind)
		return
	}
	if err := e.sock.SendEvent(protocol.MessageFromDrone{Kind: protocol.FromDroneAckAction, ActionId: am.ActionId}); err != nil {
		e.logger.Warn("failed to ack action", "action_id", am.ActionId, "error", err)
	}
}

func (e *Executor) spawn(ctx context.Context, am protocol.BackendActionMessage) {
	e.mu.Lock()
	if _, exists := e.managers[am.BackendId]; exists {
		e.mu.Unlock()
		e.logger.Debug("spawn action for already-managed backend, ignoring", "backend", am.BackendId)
		return
	}
	mgr := backendmanager.New(am.BackendId, e.rt, e, e.logger)
	e.managers[am.BackendId] = mgr
	e.mu.Unlock()

	e.keymgr.Acquire(ctx, am.Action.Key)
	go func() {
		if err := mgr.Run(ctx, am.Action.Executable, am.Action.Key, am.Action.StaticToken); err != nil {
			e.logger.Error("backend manager run failed", "backend", am.BackendId, "error", err)
		}
	}()
}

func (e *Executor) terminate(ctx context.Context, am protocol.BackendActionMessage) {
	e.mu.Lock()
	mgr, ok := e.managers[am.BackendId]
	e.mu.Unlock()
	if !ok {
		// Already terminated (or never spawned on this drone): idempotent.
		e.logger.Debug("terminate action for unmanaged backend, treating as already-terminated", "backend", am.BackendId)
		return
	}
	if err := mgr.Terminate(ctx, am.Action.TerminationKind, am.Action.TerminationReason); err != nil {
		e.logger.Error("terminate failed", "backend", am.BackendId, "error", err)
	}
}

// Record implements backendmanager.Recorder by durably appending the state
// transition to the local store; forwarding to the controller happens out
// of band via the RegisterListener callback installed in Run.
func (e *Executor) Record(ctx context.Context, backend types.BackendName, state types.BackendState) error {
	_, err := e.store.RegisterEvent(ctx, backend, state)
	if err == nil && state.IsTerminal() {
		e.mu.Lock()
		delete(e.managers, backend)
		e.mu.Unlock()
		e.keymgr.Release(backend)
	}
	return err
}

// RenewKey implements keymanager.Renewer over the typed socket's
// request/response channel.
func (e *Executor) RenewKey(ctx context.Context, req protocol.RenewKeyRequest) (protocol.RenewKeyResponse, error) {
	resp, err := e.sock.Request(ctx, protocol.MessageFromDrone{Kind: protocol.FromDroneRenewKey, RenewKey: &req})
	if err != nil {
		return protocol.RenewKeyResponse{}, err
	}
	if resp.RenewKeyResponse == nil {
		return protocol.RenewKeyResponse{}, fmt.Errorf("renew_key_response missing from controller reply")
	}
	return *resp.RenewKeyResponse, nil
}

// onKeyTermination is the keymanager.TerminationSignal: a missed deadline
// demands the backend start (or escalate) termination.
func (e *Executor) onKeyTermination(backend types.BackendName, kind types.TerminationKind, reason types.TerminationReason) {
	e.mu.Lock()
	mgr, ok := e.managers[backend]
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := mgr.Terminate(context.Background(), kind, reason); err != nil {
		e.logger.Error("key-expiration terminate failed", "backend", backend, "error", err)
	}
}

// runExitWatcher forwards runtime exit events to the owning backend
// manager's OnExit.
func (e *Executor) runExitWatcher(ctx context.Context) {
	for ev := range e.rt.Events(ctx) {
		e.mu.Lock()
		mgr, ok := e.managers[ev.Backend]
		e.mu.Unlock()
		if !ok {
			continue
		}
		if err := mgr.OnExit(ctx, ev.ExitCode); err != nil {
			e.logger.Error("recording exit failed", "backend", ev.Backend, "error", err)
		}
	}
}
