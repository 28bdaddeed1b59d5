// Package wire defines the frame schema spoken over the persistent WebSocket
// connection: a small envelope carrying a typed JSON payload.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roomsync/internal/model"
)

type EventType string

const (
	EventMessage    EventType = "message"
	EventTyping     EventType = "typing"
	EventUserStatus EventType = "user_status"
	EventUserJoined EventType = "user_joined"
	EventUserLeft   EventType = "user_left"
	EventRoomInfo   EventType = "room_info"
	EventJoinRoom   EventType = "join_room"
	EventLeaveRoom  EventType = "leave_room"
	EventError      EventType = "error"

	// Reserved for servers that relay heartbeats as JSON events. This client
	// heartbeats with WebSocket control frames instead.
	EventPing EventType = "ping"
	EventPong EventType = "pong"
)

// Frame is one discrete unit on the wire. Payload stays raw until the event
// type is known; malformed payloads are dropped by the receiver, not fatal.
type Frame struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"room_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload carries a chat line. ClientMessageID correlates a server
// confirmation with the optimistic local copy; servers echo it unchanged.
type MessagePayload struct {
	ID              string            `json:"id,omitempty"`
	ClientMessageID string            `json:"client_message_id,omitempty"`
	AuthorID        string            `json:"author_id"`
	Content         string            `json:"content"`
	ContentType     model.ContentType `json:"content_type,omitempty"`
	ReplyToID       string            `json:"reply_to_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// TypingPayload signals typing start/stop for one user in one room.
type TypingPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// UserStatusPayload reports a user's online/offline transition.
type UserStatusPayload struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// RoomMember is one roster entry inside a room_info snapshot.
type RoomMember struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// RoomInfoPayload is the authoritative snapshot of a room's roster. It fully
// replaces whatever the client holds for that room.
type RoomInfoPayload struct {
	RoomID  string       `json:"room_id"`
	Name    string       `json:"name,omitempty"`
	Members []RoomMember `json:"members"`
}

// ErrorPayload is an application-level error from the server. When
// ClientMessageID is set the error refers to a specific pending send.
type ErrorPayload struct {
	Code            string `json:"code,omitempty"`
	Message         string `json:"message"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// NewFrame builds a frame with the payload marshaled in place.
func NewFrame(t EventType, roomID string, payload any) (Frame, error) {
	f := Frame{Type: t, RoomID: roomID, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// Decode parses a raw transport frame. An empty type is rejected so garbage
// input never reaches the dispatcher.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, errors.New("decode frame: missing type")
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into dst.
func (f Frame) DecodePayload(dst any) error {
	if len(f.Payload) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}
