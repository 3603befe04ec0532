// Package runtime defines the capability set the drone executor needs from
// a container engine. This package defines the interface, a DockerRuntime
// that drives the docker CLI, and an in-memory fake implementation used by
// tests and by pkg/droneexecutor's own test suite.
package runtime

import (
	"context"
	"encoding/json"

	"github.com/plane-run/plane/pkg/types"
)

// SpawnResult is returned by a successful Spawn; Address is the reachable
// host:port the drone records as the backend's cluster address.
type SpawnResult struct {
	Address string
}

// TerminationEvent reports that a container has exited.
type TerminationEvent struct {
	Backend  types.BackendName
	ExitCode int
}

// MetricSample is one point-in-time resource measurement for a backend.
// CpuUsedNanos/SysCpuNanos are cumulative counters; CpuDelta computes the
// delta between two consecutive samples.
type MetricSample struct {
	Backend        types.BackendName
	MemUsed        uint64
	MemTotal       uint64
	MemActive      uint64
	MemInactive    uint64
	MemUnevictable uint64
	MemLimit       uint64
	CpuUsedNanos   uint64
	SysCpuNanos    uint64
}

// Runtime is the capability set the drone executor consumes to run
// backends. Implementations must make Terminate idempotent:
// terminating a backend that does not exist succeeds silently.
type Runtime interface {
	// Prepare pulls/prefetches whatever config.Executable names, before
	// Spawn is called for it.
	Prepare(ctx context.Context, executable json.RawMessage) error

	// Spawn creates and starts a container for backend, returning its
	// reachable address. acquiredKey and staticToken are made available
	// to the container (e.g. as environment variables) for it to present
	// back to the proxy/controller.
	Spawn(ctx context.Context, backend types.BackendName, executable json.RawMessage, acquiredKey types.AcquiredKey, staticToken *types.BearerToken) (SpawnResult, error)

	// Terminate stops backend. hard=false sends a graceful signal;
	// hard=true kills immediately.
	Terminate(ctx context.Context, backend types.BackendName, hard bool) error

	// Events returns a channel of termination events, multiplexed across
	// every container this Runtime has spawned. The channel is closed
	// when ctx is done.
	Events(ctx context.Context) <-chan TerminationEvent

	// Logs streams log lines for backend until ctx is done.
	Logs(ctx context.Context, backend types.BackendName) (<-chan string, error)

	// Metrics streams periodic resource samples for backend until ctx is
	// done.
	Metrics(ctx context.Context, backend types.BackendName) (<-chan MetricSample, error)
}

// CpuDelta computes nanoseconds of CPU used by the backend and the system
// between two consecutive samples of the same backend, clamping negative
// deltas (e.g. counter resets across a container restart) to zero.
func CpuDelta(prev, cur MetricSample) (backendNanos, sysNanos uint64) {
	backendNanos = saturatingSub(cur.CpuUsedNanos, prev.CpuUsedNanos)
	sysNanos = saturatingSub(cur.SysCpuNanos, prev.SysCpuNanos)
	return
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
