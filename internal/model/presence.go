package model

import "time"

// TypingUser is one remote user currently typing in a room. ExpiresAt is the
// moment the entry lapses if no explicit typing-stop arrives before it.
type TypingUser struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PresenceEntry is the online/offline view of one room member. It is derived
// entirely from server events and never created speculatively.
type PresenceEntry struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}
