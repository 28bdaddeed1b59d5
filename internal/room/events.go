package room

import (
	"time"

	"github.com/roomsync/internal/logger"
	"github.com/roomsync/internal/model"
	"github.com/roomsync/internal/wire"
)

// Bind attaches the store to the dispatcher's inbound transport events. The
// returned disposers are kept so Close can detach cleanly.
func (s *Store) Bind() {
	subscribe := func(name wire.EventType, handle func(wire.Frame)) {
		dispose := s.bus.Subscribe(string(name), func(payload any) {
			frame, ok := payload.(wire.Frame)
			if !ok {
				return
			}
			handle(frame)
		})
		s.mu.Lock()
		s.disposers = append(s.disposers, dispose)
		s.mu.Unlock()
	}

	subscribe(wire.EventMessage, s.handleMessage)
	subscribe(wire.EventTyping, s.handleTyping)
	subscribe(wire.EventUserStatus, s.handleUserStatus)
	subscribe(wire.EventUserJoined, s.handleUserJoined)
	subscribe(wire.EventUserLeft, s.handleUserLeft)
	subscribe(wire.EventRoomInfo, s.handleRoomInfo)
	subscribe(wire.EventError, s.handleError)
}

// handleMessage reconciles an inbound chat line. A frame echoing one of our
// pending client message ids confirms that message in place: the temporary id
// and timestamp are replaced by the authoritative ones and only that message
// is re-sorted. Anything else inserts sorted by created_at, deduplicated by
// id.
func (s *Store) handleMessage(f wire.Frame) {
	var p wire.MessagePayload
	if err := f.DecodePayload(&p); err != nil {
		logger.Errorf("room message payload: %v", err)
		return
	}

	s.mu.Lock()
	r, ok := s.rooms[f.RoomID]
	if !ok {
		s.mu.Unlock()
		logger.Debugf("room drop message for unjoined room %s", f.RoomID)
		return
	}

	if p.ClientMessageID != "" {
		if pending, ok := r.byID[p.ClientMessageID]; ok && pending.DeliveryState != model.DeliveryConfirmed {
			delete(r.byID, pending.ID)
			pending.ID = p.ID
			pending.CreatedAt = p.CreatedAt
			pending.DeliveryState = model.DeliveryConfirmed
			r.byID[pending.ID] = pending
			r.resort(pending)
			s.mu.Unlock()
			s.publish(EventMessagesChanged, f.RoomID)
			return
		}
	}

	if _, exists := r.byID[p.ID]; exists || p.ID == "" {
		// At most one entry per (room, message id).
		s.mu.Unlock()
		return
	}

	msg := &model.Message{
		ID:            p.ID,
		RoomID:        f.RoomID,
		AuthorID:      p.AuthorID,
		Content:       p.Content,
		ContentType:   p.ContentType,
		ReplyToID:     p.ReplyToID,
		DeliveryState: model.DeliveryConfirmed,
		CreatedAt:     p.CreatedAt,
	}
	r.byID[msg.ID] = msg
	r.insertSorted(msg)
	s.mu.Unlock()

	s.publish(EventMessagesChanged, f.RoomID)
}

// resort moves one message to its sorted position after its timestamp
// changed. Other messages keep their relative order.
func (r *roomState) resort(msg *model.Message) {
	for i, m := range r.messages {
		if m == msg {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			break
		}
	}
	r.insertSorted(msg)
}

// insertSorted places msg by CreatedAt ascending, after any equal timestamps
// so arrival order breaks ties.
func (r *roomState) insertSorted(msg *model.Message) {
	i := len(r.messages)
	for i > 0 && r.messages[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	r.messages = append(r.messages, nil)
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = msg
}

// handleTyping applies a remote typing transition. The local user's own id
// never enters the set, even if the server echoes our indicator back.
func (s *Store) handleTyping(f wire.Frame) {
	var p wire.TypingPayload
	if err := f.DecodePayload(&p); err != nil {
		logger.Errorf("room typing payload: %v", err)
		return
	}
	if p.UserID == s.selfID {
		return
	}

	if !p.IsTyping {
		s.removeTyping(f.RoomID, p.UserID, -1)
		return
	}

	s.mu.Lock()
	r, ok := s.rooms[f.RoomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry, ok := r.typing[p.UserID]
	if !ok {
		entry = &typingEntry{}
		r.typing[p.UserID] = entry
	} else {
		entry.timer.Stop()
	}
	entry.gen++
	gen := entry.gen
	entry.user = model.TypingUser{
		UserID:    p.UserID,
		Username:  p.Username,
		ExpiresAt: time.Now().Add(s.cfg.TypingExpiry),
	}
	roomID := f.RoomID
	userID := p.UserID
	entry.timer = time.AfterFunc(s.cfg.TypingExpiry, func() { s.removeTyping(roomID, userID, gen) })
	s.mu.Unlock()

	s.publish(EventTypingChanged, f.RoomID)
}

func (s *Store) handleUserStatus(f wire.Frame) {
	var p wire.UserStatusPayload
	if err := f.DecodePayload(&p); err != nil {
		logger.Errorf("room user_status payload: %v", err)
		return
	}

	s.mu.Lock()
	r, ok := s.rooms[f.RoomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	lastSeen := p.LastSeen
	if lastSeen.IsZero() {
		lastSeen = f.Timestamp
	}
	r.presence[p.UserID] = model.PresenceEntry{
		UserID:   p.UserID,
		Username: p.Username,
		Online:   p.Online,
		LastSeen: lastSeen,
	}
	s.mu.Unlock()

	s.publish(EventPresenceChanged, f.RoomID)
}

func (s *Store) handleUserJoined(f wire.Frame) {
	var p wire.UserStatusPayload
	if err := f.DecodePayload(&p); err != nil {
		logger.Errorf("room user_joined payload: %v", err)
		return
	}

	s.mu.Lock()
	r, ok := s.rooms[f.RoomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	lastSeen := p.LastSeen
	if lastSeen.IsZero() {
		lastSeen = f.Timestamp
	}
	r.presence[p.UserID] = model.PresenceEntry{
		UserID:   p.UserID,
		Username: p.Username,
		Online:   true,
		LastSeen: lastSeen,
	}
	s.mu.Unlock()

	s.publish(EventPresenceChanged, f.RoomID)
}

// handleUserLeft removes the member from the roster and drops any typing
// indicator they left behind.
func (s *Store) handleUserLeft(f wire.Frame) {
	var p wire.UserStatusPayload
	if err := f.DecodePayload(&p); err != nil {
		logger.Errorf("room user_left payload: %v", err)
		return
	}

	s.mu.Lock()
	r, ok := s.rooms[f.RoomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(r.presence, p.UserID)
	s.mu.Unlock()

	s.removeTyping(f.RoomID, p.UserID, -1)
	s.publish(EventPresenceChanged, f.RoomID)
}

// handleRoomInfo applies an authoritative snapshot: the presence roster is
// fully replaced (stale members dropped, new ones added) and typing state is
// reset, since the snapshot resynchronizes the room after a gap.
func (s *Store) handleRoomInfo(f wire.Frame) {
	var p wire.RoomInfoPayload
	if err := f.DecodePayload(&p); err != nil {
		logger.Errorf("room room_info payload: %v", err)
		return
	}
	roomID := p.RoomID
	if roomID == "" {
		roomID = f.RoomID
	}

	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.presence = make(map[string]model.PresenceEntry, len(p.Members))
	for _, member := range p.Members {
		r.presence[member.UserID] = model.PresenceEntry{
			UserID:   member.UserID,
			Username: member.Username,
			Online:   member.Online,
			LastSeen: member.LastSeen,
		}
	}
	s.clearTypingLocked(r)
	s.mu.Unlock()

	s.publish(EventPresenceChanged, roomID)
	s.publish(EventTypingChanged, roomID)
}

// handleError marks the referenced pending send Failed. Errors without a
// client message id are application errors already fanned out to consumers
// by the dispatcher; the store has nothing to reconcile for those.
func (s *Store) handleError(f wire.Frame) {
	var p wire.ErrorPayload
	if err := f.DecodePayload(&p); err != nil {
		return
	}
	if p.ClientMessageID == "" {
		return
	}

	s.mu.Lock()
	r, ok := s.rooms[f.RoomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	msg, ok := r.byID[p.ClientMessageID]
	if !ok || msg.DeliveryState != model.DeliveryPending {
		s.mu.Unlock()
		return
	}
	msg.DeliveryState = model.DeliveryFailed
	s.mu.Unlock()

	s.publish(EventMessagesChanged, f.RoomID)
}
