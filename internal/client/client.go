// Package client is the consumer-facing surface of the room synchronization
// engine. It wires the connection manager, the event dispatcher and the room
// store together and exposes commands, subscriptions and read accessors.
package client

import (
	"fmt"

	"github.com/roomsync/internal/config"
	"github.com/roomsync/internal/conn"
	"github.com/roomsync/internal/event"
	"github.com/roomsync/internal/logger"
	"github.com/roomsync/internal/model"
	"github.com/roomsync/internal/room"
	"github.com/roomsync/internal/token"
	"github.com/roomsync/internal/wire"
)

// Client is one user's live view of their chat rooms, kept consistent over a
// single persistent connection. Construct it explicitly and pass it by
// reference; it holds no hidden global state and Reset restores it to the
// just-constructed condition.
type Client struct {
	cfg      *config.Config
	identity string
	creds    string

	bus   *event.Dispatcher
	conn  *conn.Manager
	store *room.Store

	resyncDispose func()
}

// New builds a disconnected client for the given identity and credential.
func New(cfg *config.Config, identity, credential string) *Client {
	bus := event.NewDispatcher()
	manager := conn.NewManager(conn.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		PongWait:          cfg.PongWait,
		WriteWait:         cfg.WriteWait,
		DialTimeout:       cfg.DialTimeout,
		SendBufferSize:    cfg.SendBufferSize,
		MaxFrameSize:      cfg.MaxFrameSize,
		Reconnect:         cfg.Reconnect,
	}, bus)
	store := room.New(room.Config{
		TypingStopAfter: cfg.TypingStopAfter,
		TypingExpiry:    cfg.TypingExpiry,
	}, identity, manager, bus)
	store.Bind()

	c := &Client{
		cfg:      cfg,
		identity: identity,
		creds:    credential,
		bus:      bus,
		conn:     manager,
		store:    store,
	}

	// Every (re)connection rebuilds room state from room_info snapshots:
	// re-issue join_room for every room the user holds a view of.
	c.resyncDispose = bus.Subscribe(conn.EventConnectionState, func(payload any) {
		change, ok := payload.(conn.StateChange)
		if !ok || change.State != conn.StateConnected {
			return
		}
		c.resync()
	})

	return c
}

func (c *Client) resync() {
	rooms := c.store.JoinedRooms()
	if len(rooms) == 0 {
		return
	}
	logger.Infof("client resync %d room(s)", len(rooms))
	for _, roomID := range rooms {
		c.store.JoinRoom(roomID)
	}
}

// Connect dials the configured endpoint. An absent or already expired
// credential is a precondition failure: the error is returned immediately
// and nothing is retried.
func (c *Client) Connect() error {
	if c.creds == "" {
		return conn.ErrNoCredential
	}
	if token.Expired(c.creds) {
		return fmt.Errorf("connect: %w", token.ErrExpiredToken)
	}
	return c.conn.Connect(conn.Params{
		Endpoint: c.cfg.Endpoint,
		Identity: c.identity,
		Token:    c.creds,
	})
}

// Disconnect closes the session cleanly; no reconnection is scheduled.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// Reconnect forces a teardown and immediate redial.
func (c *Client) Reconnect() error {
	return c.conn.Reconnect()
}

// SendMessage sends one chat line through the optimistic-write path and
// returns the local copy (Pending, or Failed when offline).
func (c *Client) SendMessage(roomID, content string, contentType model.ContentType, replyToID string) (model.Message, error) {
	return c.store.SendMessage(roomID, content, contentType, replyToID)
}

// RetryMessage re-sends a previously Failed message.
func (c *Client) RetryMessage(roomID, messageID string) error {
	return c.store.RetryMessage(roomID, messageID)
}

// SendTypingIndicator signals typing start/stop for the local user.
func (c *Client) SendTypingIndicator(roomID string, isTyping bool) {
	c.store.SendTyping(roomID, isTyping)
}

// JoinRoom opens a local view of the room and requests its snapshot.
func (c *Client) JoinRoom(roomID string) {
	c.store.JoinRoom(roomID)
}

// LeaveRoom tears the local room view down and notifies the server.
func (c *Client) LeaveRoom(roomID string) {
	c.store.LeaveRoom(roomID)
}

// SetActiveRoom switches the viewed room, clearing the previous room's
// transient typing state.
func (c *Client) SetActiveRoom(roomID string) {
	c.store.SetActiveRoom(roomID)
}

// State reports the connection state.
func (c *Client) State() conn.State {
	return c.conn.State()
}

// ReconnectAttempt reports the consecutive failed reconnect count.
func (c *Client) ReconnectAttempt() int {
	return c.conn.ReconnectAttempt()
}

// Messages returns the ordered message list of a room.
func (c *Client) Messages(roomID string) []model.Message {
	return c.store.Messages(roomID)
}

// TypingUsers returns who is currently typing in a room.
func (c *Client) TypingUsers(roomID string) []model.TypingUser {
	return c.store.TypingUsers(roomID)
}

// Presence returns a room's presence roster.
func (c *Client) Presence(roomID string) []model.PresenceEntry {
	return c.store.Presence(roomID)
}

// JoinedRooms lists the rooms the client holds a local view of.
func (c *Client) JoinedRooms() []string {
	return c.store.JoinedRooms()
}

// OnConnectionState subscribes to connection state changes. The returned
// func unsubscribes.
func (c *Client) OnConnectionState(fn func(conn.StateChange)) func() {
	return c.bus.Subscribe(conn.EventConnectionState, func(payload any) {
		if change, ok := payload.(conn.StateChange); ok {
			fn(change)
		}
	})
}

// OnMessagesChanged subscribes to message-list updates per room.
func (c *Client) OnMessagesChanged(fn func(roomID string)) func() {
	return c.subscribeChange(room.EventMessagesChanged, fn)
}

// OnTypingChanged subscribes to typing-set updates per room.
func (c *Client) OnTypingChanged(fn func(roomID string)) func() {
	return c.subscribeChange(room.EventTypingChanged, fn)
}

// OnPresenceChanged subscribes to presence roster updates per room.
func (c *Client) OnPresenceChanged(fn func(roomID string)) func() {
	return c.subscribeChange(room.EventPresenceChanged, fn)
}

func (c *Client) subscribeChange(name string, fn func(roomID string)) func() {
	return c.bus.Subscribe(name, func(payload any) {
		if change, ok := payload.(room.ChangeEvent); ok {
			fn(change.RoomID)
		}
	})
}

// OnError subscribes to application errors forwarded from the server.
func (c *Client) OnError(fn func(wire.ErrorPayload)) func() {
	return c.bus.Subscribe(string(wire.EventError), func(payload any) {
		frame, ok := payload.(wire.Frame)
		if !ok {
			return
		}
		var p wire.ErrorPayload
		if err := frame.DecodePayload(&p); err != nil {
			return
		}
		fn(p)
	})
}

// Reset disconnects and drops all synchronized state, as on logout.
func (c *Client) Reset() {
	c.conn.Reset()
	c.store.Reset()
}

// Close releases the client entirely. It must not be used afterwards.
func (c *Client) Close() {
	if c.resyncDispose != nil {
		c.resyncDispose()
		c.resyncDispose = nil
	}
	c.conn.Disconnect()
	c.store.Close()
	c.bus.UnsubscribeAll()
}
