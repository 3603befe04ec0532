package controllerdb

import (
	"testing"
	"time"

	"github.com/plane-run/plane/pkg/types"
)

func TestEventBusDispatchRoutesByKey(t *testing.T) {
	bus := NewEventBus(nil, "plane_backend_state", nil)

	chA, closeA := bus.Subscribe("backend-a")
	defer closeA()
	chB, closeB := bus.Subscribe("backend-b")
	defer closeB()

	bus.dispatch(Notification{Key: "backend-a", Payload: []byte(`{"status":"ready"}`)})

	select {
	case n := <-chA:
		if string(n.Payload) != `{"status":"ready"}` {
			t.Fatalf("unexpected payload: %s", n.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber for backend-a never received notification")
	}

	select {
	case n := <-chB:
		t.Fatalf("subscriber for backend-b should not have received anything, got %+v", n)
	default:
	}
}

func TestEventBusSubscribeAllReceivesEveryKey(t *testing.T) {
	bus := NewEventBus(nil, "plane_backend_action", nil)

	all, closeAll := bus.SubscribeAll()
	defer closeAll()

	bus.dispatch(Notification{Key: "1"})
	bus.dispatch(Notification{Key: "2"})

	for _, want := range []string{"1", "2"} {
		select {
		case n := <-all:
			if n.Key != want {
				t.Fatalf("got key %q, want %q", n.Key, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("never received notification for key %q", want)
		}
	}
}

func TestEventBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus(nil, "plane_backend_state", nil)

	ch, unsubscribe := bus.Subscribe("backend-a")
	unsubscribe()

	bus.dispatch(Notification{Key: "backend-a"})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestNullableTerminationHelpersTreatEmptyAsNull(t *testing.T) {
	if got := nullableTerminationKind(""); got != nil {
		t.Fatalf("expected nil for empty kind, got %v", got)
	}
	if got := nullableTerminationKind(types.TerminationHard); got != "hard" {
		t.Fatalf("expected %q, got %v", "hard", got)
	}
	if got := nullableTerminationReason(""); got != nil {
		t.Fatalf("expected nil for empty reason, got %v", got)
	}
	if got := nullableTerminationReason(types.ReasonExpired); got != "expired" {
		t.Fatalf("expected %q, got %v", "expired", got)
	}
}
