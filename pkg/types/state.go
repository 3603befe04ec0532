package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// BackendStatus is the tag of a BackendState. Ordering follows the rank
// table below.
type BackendStatus string

const (
	StatusScheduled       BackendStatus = "scheduled"
	StatusLoading         BackendStatus = "loading"
	StatusStarting        BackendStatus = "starting"
	StatusWaiting         BackendStatus = "waiting"
	StatusReady           BackendStatus = "ready"
	StatusTerminating     BackendStatus = "terminating"
	StatusHardTerminating BackendStatus = "hard_terminating"
	StatusTerminated      BackendStatus = "terminated"
)

// statusRank is the strictly-increasing rank function over BackendStatus.
// The controller's UpdateState uses this to ignore stale updates: a
// status update never moves a backend backward in this ordering.
var statusRank = map[BackendStatus]int{
	StatusScheduled:       1,
	StatusLoading:         10,
	StatusStarting:        20,
	StatusWaiting:         30,
	StatusReady:           40,
	StatusTerminating:     50,
	StatusHardTerminating: 60,
	StatusTerminated:      70,
}

// Rank returns the monotonic rank of a status, or -1 if unknown.
func (s BackendStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// TerminationKind distinguishes why a backend is being terminated.
type TerminationKind string

const (
	TerminationSoft TerminationKind = "soft"
	TerminationHard TerminationKind = "hard"
)

// TerminationReason explains what triggered termination.
type TerminationReason string

const (
	ReasonExternal      TerminationReason = "external"
	ReasonKeyExpired    TerminationReason = "key_expired"
	ReasonIdleTimeout   TerminationReason = "idle_timeout"
	ReasonExpired       TerminationReason = "expired"
	ReasonExitSelf      TerminationReason = "exit_self"
	ReasonErrorStarting TerminationReason = "error_starting"
	ReasonSwept         TerminationReason = "swept"
)

// BackendState is a tagged union over BackendStatus. Exactly one of the
// pointer fields matching Status is populated; a discriminated struct is
// the idiomatic Go rendering of a closed sum type that must also
// round-trip through JSON.
type BackendState struct {
	Status BackendStatus `json:"status"`

	// Ready
	Address string `json:"address,omitempty"`

	// Terminating / HardTerminating
	TerminationKind   TerminationKind   `json:"termination_kind,omitempty"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	LastStatus        BackendStatus     `json:"last_status,omitempty"`

	// Terminated
	ExitCode *int `json:"exit_code,omitempty"`
}

// Rank returns the monotonic rank of this state's status.
func (s BackendState) Rank() int { return s.Status.Rank() }

func Scheduled() BackendState { return BackendState{Status: StatusScheduled} }
func Loading() BackendState   { return BackendState{Status: StatusLoading} }
func Starting() BackendState  { return BackendState{Status: StatusStarting} }
func Waiting() BackendState   { return BackendState{Status: StatusWaiting} }

func Ready(address string) BackendState {
	return BackendState{Status: StatusReady, Address: address}
}

func Terminating(kind TerminationKind, reason TerminationReason, lastStatus BackendStatus) BackendState {
	return BackendState{
		Status:            StatusTerminating,
		TerminationKind:   kind,
		TerminationReason: reason,
		LastStatus:        lastStatus,
	}
}

func HardTerminating(reason TerminationReason, lastStatus BackendStatus) BackendState {
	return BackendState{
		Status:            StatusHardTerminating,
		TerminationReason: reason,
		LastStatus:        lastStatus,
	}
}

func Terminated(lastStatus BackendStatus, termination TerminationReason, exitCode *int) BackendState {
	return BackendState{
		Status:            StatusTerminated,
		LastStatus:        lastStatus,
		TerminationReason: termination,
		ExitCode:          exitCode,
	}
}

// IsTerminal reports whether s is the Terminated state.
func (s BackendState) IsTerminal() bool { return s.Status == StatusTerminated }

// CanTransitionTo reports whether moving from s to next respects the
// monotonic-rank invariant: a state update with a
// strictly smaller rank than the current one is silently ignored.
func (s BackendState) CanTransitionTo(next BackendState) bool {
	return next.Rank() >= s.Rank()
}

// MarshalBinary / UnmarshalBinary let BackendState be stored directly as a
// JSON column/value in both Postgres (jsonb) and the drone's embedded
// sqlite store.
func (s BackendState) MarshalBinary() ([]byte, error) { return json.Marshal(s) }

func (s *BackendState) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, s)
}

// String implements fmt.Stringer for logging.
func (s BackendState) String() string {
	switch s.Status {
	case StatusReady:
		return fmt.Sprintf("Ready{%s}", s.Address)
	case StatusTerminating:
		return fmt.Sprintf("Terminating{%s,%s}", s.TerminationKind, s.TerminationReason)
	case StatusHardTerminating:
		return fmt.Sprintf("HardTerminating{%s}", s.TerminationReason)
	case StatusTerminated:
		ec := "none"
		if s.ExitCode != nil {
			ec = fmt.Sprintf("%d", *s.ExitCode)
		}
		return fmt.Sprintf("Terminated{exit=%s}", ec)
	default:
		return string(s.Status)
	}
}

// BackendStatusStreamEntry is one item on the status stream (§6,
// GET .../status-stream). It carries the state plus the time it was
// recorded, independent of storage representation.
type BackendStatusStreamEntry struct {
	State BackendState `json:"state"`
	Time  time.Time    `json:"time"`
}
