package controllerapi

import (
	"encoding/json"
	"testing"
)

func TestDecodeIntoRoundTrips(t *testing.T) {
	type payload struct {
		Backend string `json:"backend"`
	}
	raw, err := json.Marshal(payload{Backend: "b-1"})
	if err != nil {
		t.Fatal(err)
	}
	var got payload
	if err := decodeInto(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.Backend != "b-1" {
		t.Fatalf("got %+v", got)
	}
}

func TestDecodeIntoRejectsMalformedJSON(t *testing.T) {
	if err := decodeInto(json.RawMessage(`{not json`), &struct{}{}); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestWireFrameMarshalsKindAndId(t *testing.T) {
	f := wireFrame{Kind: frameResponse, Id: 42, Message: json.RawMessage(`{"ok":true}`)}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	var round wireFrame
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatal(err)
	}
	if round.Kind != frameResponse || round.Id != 42 {
		t.Fatalf("got %+v", round)
	}
}
