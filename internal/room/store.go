// Package room keeps the authoritative client-side view of each joined chat
// room: the ordered message list with its optimistic-send ledger, the set of
// remote users currently typing, and the presence roster. Local intent is
// applied immediately and reconciled against server-confirmed events.
package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roomsync/internal/conn"
	"github.com/roomsync/internal/event"
	"github.com/roomsync/internal/logger"
	"github.com/roomsync/internal/model"
	"github.com/roomsync/internal/wire"
)

// Dispatcher events published after store mutations. Payload is ChangeEvent.
const (
	EventMessagesChanged = "room_messages_changed"
	EventTypingChanged   = "room_typing_changed"
	EventPresenceChanged = "room_presence_changed"
)

// ChangeEvent tells consumers which room's view to refresh.
type ChangeEvent struct {
	RoomID string
}

// ErrUnknownRoom is returned for commands against a room that was never
// joined. A precondition failure, not retried.
var ErrUnknownRoom = errors.New("unknown room")

// Sender is the slice of the connection manager the store depends on.
type Sender interface {
	Send(wire.Frame) error
	State() conn.State
}

// Config tunes typing timers. Zero values use protocol defaults.
type Config struct {
	// TypingStopAfter is the local input-inactivity window after which a
	// typing-stop is emitted automatically.
	TypingStopAfter time.Duration
	// TypingExpiry is how long a remote typing entry lives without refresh.
	TypingExpiry time.Duration
}

func (c *Config) norm() {
	if c.TypingStopAfter <= 0 {
		c.TypingStopAfter = 3 * time.Second
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = 5 * time.Second
	}
}

type typingEntry struct {
	user model.TypingUser
	// gen guards against a stale expiry timer removing a newer entry for the
	// same user after a refresh.
	gen   int
	timer *time.Timer
}

type selfTyping struct {
	gen   int
	timer *time.Timer
}

type roomState struct {
	messages []*model.Message // ordered by CreatedAt ascending
	byID     map[string]*model.Message
	typing   map[string]*typingEntry
	presence map[string]model.PresenceEntry
}

func newRoomState() *roomState {
	return &roomState{
		byID:     make(map[string]*model.Message),
		typing:   make(map[string]*typingEntry),
		presence: make(map[string]model.PresenceEntry),
	}
}

// Store reconciles local optimistic writes with server truth, per room.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	selfID string
	sender Sender
	bus    *event.Dispatcher

	rooms      map[string]*roomState
	activeRoom string
	selfTyping map[string]*selfTyping

	disposers []func()
}

// New builds an empty store for the local user selfID. Call Bind to attach it
// to the dispatcher's inbound events.
func New(cfg Config, selfID string, sender Sender, bus *event.Dispatcher) *Store {
	cfg.norm()
	return &Store{
		cfg:        cfg,
		selfID:     selfID,
		sender:     sender,
		bus:        bus,
		rooms:      make(map[string]*roomState),
		selfTyping: make(map[string]*selfTyping),
	}
}

// JoinRoom creates the local room view and asks the server for its snapshot.
// Stale typing state from a previous occupancy of the room slot is cleared.
// The join frame is best-effort: while offline the view still exists locally
// and is resynchronized from a room_info snapshot after the next connect.
func (s *Store) JoinRoom(roomID string) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		r = newRoomState()
		s.rooms[roomID] = r
	}
	s.clearTypingLocked(r)
	s.mu.Unlock()

	frame, err := wire.NewFrame(wire.EventJoinRoom, roomID, nil)
	if err == nil {
		frame.UserID = s.selfID
		if err := s.sender.Send(frame); err != nil {
			logger.Debugf("room join %s deferred: %v", roomID, err)
		}
	}
	s.publish(EventTypingChanged, roomID)
}

// LeaveRoom notifies the server and tears the local view down, cancelling
// every timer owned by the room so none can fire against disposed state.
func (s *Store) LeaveRoom(roomID string) {
	frame, err := wire.NewFrame(wire.EventLeaveRoom, roomID, nil)
	if err == nil {
		frame.UserID = s.selfID
		_ = s.sender.Send(frame)
	}

	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if ok {
		s.clearTypingLocked(r)
		delete(s.rooms, roomID)
	}
	if st, ok := s.selfTyping[roomID]; ok {
		st.timer.Stop()
		delete(s.selfTyping, roomID)
	}
	if s.activeRoom == roomID {
		s.activeRoom = ""
	}
	s.mu.Unlock()
}

// SetActiveRoom switches the room the user is viewing. The previous room's
// transient typing state is cleared; its messages and presence are kept.
func (s *Store) SetActiveRoom(roomID string) {
	s.mu.Lock()
	previous := s.activeRoom
	s.activeRoom = roomID
	var cleared string
	if previous != "" && previous != roomID {
		if r, ok := s.rooms[previous]; ok {
			s.clearTypingLocked(r)
			cleared = previous
		}
	}
	s.mu.Unlock()

	if cleared != "" {
		s.publish(EventTypingChanged, cleared)
	}
}

// ActiveRoom reports the room currently being viewed.
func (s *Store) ActiveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRoom
}

// SendMessage applies the optimistic-write protocol: the message is inserted
// immediately with a temporary id so typed text is never lost. While not
// connected (or if the queue rejects the frame) it is marked Failed straight
// away instead of pending indefinitely; otherwise it stays Pending until the
// server echo confirms or fails it.
func (s *Store) SendMessage(roomID, content string, contentType model.ContentType, replyToID string) (model.Message, error) {
	if contentType == "" {
		contentType = model.ContentTypeText
	}

	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return model.Message{}, ErrUnknownRoom
	}

	msg := &model.Message{
		ID:            uuid.New().String(),
		RoomID:        roomID,
		AuthorID:      s.selfID,
		Content:       content,
		ContentType:   contentType,
		ReplyToID:     replyToID,
		DeliveryState: model.DeliveryPending,
		CreatedAt:     time.Now().UTC(),
	}
	r.messages = append(r.messages, msg)
	r.byID[msg.ID] = msg

	offline := s.sender.State() != conn.StateConnected
	if offline {
		msg.DeliveryState = model.DeliveryFailed
	}
	snapshot := *msg
	s.mu.Unlock()

	if offline {
		s.publish(EventMessagesChanged, roomID)
		return snapshot, nil
	}

	frame, err := wire.NewFrame(wire.EventMessage, roomID, wire.MessagePayload{
		ClientMessageID: msg.ID,
		AuthorID:        s.selfID,
		Content:         content,
		ContentType:     contentType,
		ReplyToID:       replyToID,
		CreatedAt:       msg.CreatedAt,
	})
	if err == nil {
		frame.UserID = s.selfID
		err = s.sender.Send(frame)
	}
	if err != nil {
		s.mu.Lock()
		if cur, ok := r.byID[msg.ID]; ok && cur.DeliveryState == model.DeliveryPending {
			cur.DeliveryState = model.DeliveryFailed
			snapshot = *cur
		}
		s.mu.Unlock()
	}

	s.publish(EventMessagesChanged, roomID)
	return snapshot, nil
}

// RetryMessage re-sends a Failed message under the same temporary id, moving
// it back through the optimistic path.
func (s *Store) RetryMessage(roomID, messageID string) error {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownRoom
	}
	msg, ok := r.byID[messageID]
	if !ok || msg.DeliveryState != model.DeliveryFailed {
		s.mu.Unlock()
		return errors.New("no failed message to retry")
	}
	if s.sender.State() != conn.StateConnected {
		s.mu.Unlock()
		return conn.ErrNotConnected
	}
	msg.DeliveryState = model.DeliveryPending
	payload := wire.MessagePayload{
		ClientMessageID: msg.ID,
		AuthorID:        msg.AuthorID,
		Content:         msg.Content,
		ContentType:     msg.ContentType,
		ReplyToID:       msg.ReplyToID,
		CreatedAt:       msg.CreatedAt,
	}
	s.mu.Unlock()

	frame, err := wire.NewFrame(wire.EventMessage, roomID, payload)
	if err == nil {
		frame.UserID = s.selfID
		err = s.sender.Send(frame)
	}
	if err != nil {
		s.mu.Lock()
		if cur, ok := r.byID[messageID]; ok && cur.DeliveryState == model.DeliveryPending {
			cur.DeliveryState = model.DeliveryFailed
		}
		s.mu.Unlock()
	}
	s.publish(EventMessagesChanged, roomID)
	return err
}

// SendTyping emits a typing indicator for the active user. Indicators are
// low-value signals: sends fail silently while offline. A typing-start arms
// the input-inactivity timer that auto-emits the matching stop.
func (s *Store) SendTyping(roomID string, isTyping bool) {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; !ok {
		s.mu.Unlock()
		return
	}
	st, ok := s.selfTyping[roomID]
	if isTyping {
		if !ok {
			st = &selfTyping{}
			s.selfTyping[roomID] = st
		}
		st.gen++
		gen := st.gen
		if st.timer != nil {
			st.timer.Stop()
		}
		st.timer = time.AfterFunc(s.cfg.TypingStopAfter, func() { s.autoStopTyping(roomID, gen) })
	} else if ok {
		st.gen++
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(s.selfTyping, roomID)
	}
	s.mu.Unlock()

	s.emitTyping(roomID, isTyping)
}

// autoStopTyping fires when the inactivity window elapses without another
// typing-start refreshing it.
func (s *Store) autoStopTyping(roomID string, gen int) {
	s.mu.Lock()
	st, ok := s.selfTyping[roomID]
	if !ok || st.gen != gen {
		s.mu.Unlock()
		return // refreshed or cancelled since this timer was armed
	}
	delete(s.selfTyping, roomID)
	s.mu.Unlock()

	s.emitTyping(roomID, false)
}

func (s *Store) emitTyping(roomID string, isTyping bool) {
	frame, err := wire.NewFrame(wire.EventTyping, roomID, wire.TypingPayload{
		UserID:   s.selfID,
		IsTyping: isTyping,
	})
	if err != nil {
		return
	}
	frame.UserID = s.selfID
	if err := s.sender.Send(frame); err != nil {
		logger.Debugf("room typing signal dropped: %v", err)
	}
}

// removeTyping is the single removal path for remote typing entries, invoked
// from explicit stop events, expiry timers and the lazy sweep. It is
// idempotent, and gen (when >= 0) guards a stale timer from removing a newer
// entry for the same user.
func (s *Store) removeTyping(roomID, userID string, gen int) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry, ok := r.typing[userID]
	if !ok || (gen >= 0 && entry.gen != gen) {
		s.mu.Unlock()
		return
	}
	entry.timer.Stop()
	delete(r.typing, userID)
	s.mu.Unlock()

	s.publish(EventTypingChanged, roomID)
}

// clearTypingLocked drops every typing entry of a room and stops their
// timers. Caller holds s.mu.
func (s *Store) clearTypingLocked(r *roomState) {
	for userID, entry := range r.typing {
		entry.timer.Stop()
		delete(r.typing, userID)
	}
}

// Messages returns the room's ordered message list.
func (s *Store) Messages(roomID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(r.messages))
	for i, m := range r.messages {
		out[i] = *m
	}
	return out
}

// TypingUsers returns who is typing in the room right now. Entries whose
// expiry elapsed without an explicit stop are swept here as well, so a
// dropped stop event cannot pin a stale indicator.
func (s *Store) TypingUsers(roomID string) []model.TypingUser {
	now := time.Now()

	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	swept := false
	out := make([]model.TypingUser, 0, len(r.typing))
	for userID, entry := range r.typing {
		if !entry.user.ExpiresAt.After(now) {
			entry.timer.Stop()
			delete(r.typing, userID)
			swept = true
			continue
		}
		out = append(out, entry.user)
	}
	s.mu.Unlock()

	if swept {
		s.publish(EventTypingChanged, roomID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Presence returns the room's presence roster.
func (s *Store) Presence(roomID string) []model.PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]model.PresenceEntry, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// JoinedRooms lists every room with a local view, for resynchronization
// after a reconnect.
func (s *Store) JoinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

// Reset tears down every room and timer. Used on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	for _, r := range s.rooms {
		s.clearTypingLocked(r)
	}
	for roomID, st := range s.selfTyping {
		st.timer.Stop()
		delete(s.selfTyping, roomID)
	}
	s.rooms = make(map[string]*roomState)
	s.activeRoom = ""
	s.mu.Unlock()
}

// Close detaches the store from the dispatcher and drops all state.
func (s *Store) Close() {
	s.mu.Lock()
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()
	for _, dispose := range disposers {
		dispose()
	}
	s.Reset()
}

func (s *Store) publish(name, roomID string) {
	if s.bus != nil {
		s.bus.Publish(name, ChangeEvent{RoomID: roomID})
	}
}
