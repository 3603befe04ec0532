package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/plane-run/plane/pkg/types"
)

func TestMessageFromDroneRoundTrip(t *testing.T) {
	msg := MessageFromDrone{
		Kind: FromDroneBackendEvent,
		BackendEvent: &BackendStateMessage{
			EventId:   42,
			BackendId: "backend-abc",
			State:     types.Ready("10.0.0.1:8080"),
			Timestamp: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got MessageFromDrone
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Kind != FromDroneBackendEvent {
		t.Errorf("Kind = %v, want %v", got.Kind, FromDroneBackendEvent)
	}
	if got.BackendEvent == nil || got.BackendEvent.BackendId != "backend-abc" {
		t.Fatalf("BackendEvent = %+v", got.BackendEvent)
	}
	if got.BackendEvent.State.Status != types.StatusReady {
		t.Errorf("State.Status = %v, want ready", got.BackendEvent.State.Status)
	}
}

func TestRouteInfoResponseNotFound(t *testing.T) {
	resp := RouteInfoResponse{Token: "tok-1", Route: nil}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got RouteInfoResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Route != nil {
		t.Errorf("Route = %+v, want nil", got.Route)
	}
}

func TestBackendActionSpawnRoundTrip(t *testing.T) {
	static := types.NewStaticBearerToken()
	action := BackendAction{
		Kind:       types.ActionSpawn,
		Executable: json.RawMessage(`{"image":"example/app"}`),
		Key: types.AcquiredKey{
			Key:     types.KeyConfig{Name: "session", Namespace: "default", Tag: ""},
			Backend: "backend-abc",
			Token:   1,
		},
		StaticToken: &static,
	}
	data, err := json.Marshal(action)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got BackendAction
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Kind != types.ActionSpawn {
		t.Errorf("Kind = %v, want spawn", got.Kind)
	}
	if got.StaticToken == nil || !got.StaticToken.IsStatic() {
		t.Errorf("StaticToken = %v, want a static token", got.StaticToken)
	}
}
