package scheduler

import (
	"testing"

	"github.com/plane-run/plane/pkg/types"
)

func TestSubdomainPrefix(t *testing.T) {
	if got := subdomainPrefix(""); got != "" {
		t.Fatalf("expected empty prefix for no subdomain, got %q", got)
	}
	if got := subdomainPrefix("app"); got != "app." {
		t.Fatalf("expected %q, got %q", "app.", got)
	}
}

func TestActionMessageCarriesHardTermination(t *testing.T) {
	msg := ActionMessage(types.BackendAction{
		ActionId:      42,
		Backend:       "backend-1",
		DroneId:       7,
		Action:        types.ActionTerminate,
		TerminateHard: true,
	})

	if msg.ActionId != 42 || msg.BackendId != "backend-1" || msg.DroneId != 7 {
		t.Fatalf("unexpected envelope identity: %+v", msg)
	}
	if msg.Action.TerminationKind != types.TerminationHard {
		t.Fatalf("expected hard termination kind, got %v", msg.Action.TerminationKind)
	}
}

func TestKeyHolderCompatible(t *testing.T) {
	backend := types.Backend{Subdomain: "app"}

	if !keyHolderCompatible(nil, backend) {
		t.Fatal("expected nil spawn config to be compatible with any subdomain")
	}
	if !keyHolderCompatible(&types.SpawnConfig{}, backend) {
		t.Fatal("expected unset subdomain request to be compatible")
	}
	if !keyHolderCompatible(&types.SpawnConfig{Subdomain: "app"}, backend) {
		t.Fatal("expected matching subdomain to be compatible")
	}
	if keyHolderCompatible(&types.SpawnConfig{Subdomain: "other"}, backend) {
		t.Fatal("expected mismatched subdomain to be incompatible")
	}
}

func TestActionMessageSoftBySpawnDefault(t *testing.T) {
	msg := ActionMessage(types.BackendAction{
		ActionId: 1,
		Backend:  "backend-2",
		Action:   types.ActionSpawn,
	})
	if msg.Action.TerminationKind != types.TerminationSoft {
		t.Fatalf("expected soft default, got %v", msg.Action.TerminationKind)
	}
}
