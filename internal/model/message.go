package model

import "time"

type ContentType string

const (
	ContentTypeText   ContentType = "text"
	ContentTypeImage  ContentType = "image"
	ContentTypeFile   ContentType = "file"
	ContentTypeSystem ContentType = "system"
)

// DeliveryState tracks an optimistically sent message through its lifecycle.
// Pending transitions only to Confirmed or Failed, never back.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is one chat line as seen by the local client. While the message is
// pending, ID is a locally generated temporary id; on confirmation the server
// id and timestamp replace the local ones and are immutable afterwards.
type Message struct {
	ID            string        `json:"id"`
	RoomID        string        `json:"room_id"`
	AuthorID      string        `json:"author_id"`
	Content       string        `json:"content"`
	ContentType   ContentType   `json:"content_type"`
	ReplyToID     string        `json:"reply_to_id,omitempty"`
	DeliveryState DeliveryState `json:"delivery_state"`
	CreatedAt     time.Time     `json:"created_at"`
}
