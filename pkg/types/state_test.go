package types

import "testing"

func TestBackendStatusRankMonotonic(t *testing.T) {
	order := []BackendStatus{
		StatusScheduled, StatusLoading, StatusStarting, StatusWaiting,
		StatusReady, StatusTerminating, StatusHardTerminating, StatusTerminated,
	}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("rank(%s)=%d should be < rank(%s)=%d", order[i-1], order[i-1].Rank(), order[i], order[i].Rank())
		}
	}
}

func TestBackendStatusRankUnknown(t *testing.T) {
	if got := BackendStatus("bogus").Rank(); got != -1 {
		t.Errorf("Rank() of unknown status = %d, want -1", got)
	}
}

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from BackendState
		to   BackendState
		want bool
	}{
		{"forward", Scheduled(), Loading(), true},
		{"same rank", Ready("10.0.0.1:8080"), Ready("10.0.0.2:8080"), true},
		{"skip ahead", Scheduled(), Ready("10.0.0.1:8080"), true},
		{"regress rejected", Ready("10.0.0.1:8080"), Starting(), false},
		{"terminal then earlier rejected", Terminated(StatusReady, ReasonExitSelf, nil), Waiting(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackendStateJSONRoundTrip(t *testing.T) {
	exit := 137
	states := []BackendState{
		Scheduled(),
		Ready("10.0.0.1:8080"),
		Terminating(TerminationSoft, ReasonIdleTimeout, StatusReady),
		HardTerminating(ReasonKeyExpired, StatusWaiting),
		Terminated(StatusReady, ReasonExitSelf, &exit),
	}
	for _, s := range states {
		data, err := s.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary() error = %v", err)
		}
		var got BackendState
		if err := got.UnmarshalBinary(data); err != nil {
			t.Fatalf("UnmarshalBinary() error = %v", err)
		}
		if got.Status != s.Status || got.Rank() != s.Rank() {
			t.Errorf("round-trip mismatch: got %+v, want %+v", got, s)
		}
	}
}

func TestBackendStateIsTerminal(t *testing.T) {
	if Ready("x").IsTerminal() {
		t.Error("Ready should not be terminal")
	}
	if !Terminated(StatusReady, ReasonExitSelf, nil).IsTerminal() {
		t.Error("Terminated should be terminal")
	}
}
