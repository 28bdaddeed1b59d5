package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewFrameCarriesPayload(t *testing.T) {
	f, err := NewFrame(EventTyping, "lobby", TypingPayload{UserID: "alice", IsTyping: true})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if f.Type != EventTyping || f.RoomID != "lobby" {
		t.Errorf("frame = %+v, want typing frame for lobby", f)
	}
	if f.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	var p TypingPayload
	if err := f.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.UserID != "alice" || !p.IsTyping {
		t.Errorf("payload = %+v, want alice typing", p)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	f, err := NewFrame(EventMessage, "lobby", MessagePayload{
		ID:        "srv-1",
		AuthorID:  "bob",
		Content:   "hi",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != EventMessage || got.RoomID != "lobby" {
		t.Errorf("frame = %+v, want message frame for lobby", got)
	}
	var p MessagePayload
	if err := got.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.ID != "srv-1" || p.Content != "hi" {
		t.Errorf("payload = %+v", p)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("Decode accepted non-JSON input")
	}
	if _, err := Decode([]byte(`{"room_id":"lobby"}`)); err == nil {
		t.Error("Decode accepted a frame without a type")
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	f := Frame{Type: EventJoinRoom, RoomID: "lobby"}
	var p TypingPayload
	if err := f.DecodePayload(&p); err == nil {
		t.Error("DecodePayload accepted an empty payload")
	}
}
