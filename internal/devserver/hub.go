// Package devserver is an in-memory reference server speaking the sync wire
// schema. It exists so the client engine can be run and tested end to end
// without external infrastructure; real deployments talk to the production
// chat backend instead.
package devserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roomsync/internal/logger"
	"github.com/roomsync/internal/wire"
)

// Hub tracks connected peers and room membership and fans frames out. All
// state is in memory; a restart loses it, which is fine for a dev server
// because clients rebuild from room_info snapshots anyway.
type Hub struct {
	mu       sync.RWMutex
	peers    map[string]map[*peer]struct{} // userID -> connections
	rooms    map[string]map[string]struct{}
	names    map[string]string
	lastSeen map[string]time.Time
	total    int
	maxConns int
}

func NewHub(maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		peers:    make(map[string]map[*peer]struct{}),
		rooms:    make(map[string]map[string]struct{}),
		names:    make(map[string]string),
		lastSeen: make(map[string]time.Time),
		maxConns: maxConns,
	}
}

func (h *Hub) addPeer(p *peer) bool {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("devserver connection limit reached (%d), rejecting user=%s", h.maxConns, p.userID)
		return false
	}
	if _, ok := h.peers[p.userID]; !ok {
		h.peers[p.userID] = make(map[*peer]struct{})
	}
	h.peers[p.userID][p] = struct{}{}
	h.names[p.userID] = p.username
	h.lastSeen[p.userID] = time.Now().UTC()
	h.total++
	first := len(h.peers[p.userID]) == 1
	h.mu.Unlock()

	if first {
		h.broadcastStatus(p.userID, true)
	}
	return true
}

func (h *Hub) removePeer(p *peer) {
	h.mu.Lock()
	conns, ok := h.peers[p.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := conns[p]; !exists {
		h.mu.Unlock()
		return
	}
	delete(conns, p)
	h.total--
	last := len(conns) == 0
	if last {
		delete(h.peers, p.userID)
		h.lastSeen[p.userID] = time.Now().UTC()
	}
	h.mu.Unlock()

	p.close()
	if last {
		h.broadcastStatus(p.userID, false)
	}
}

// handleFrame dispatches one inbound frame from a peer.
func (h *Hub) handleFrame(p *peer, f wire.Frame) {
	switch f.Type {
	case wire.EventJoinRoom:
		h.handleJoin(p, f)
	case wire.EventLeaveRoom:
		h.handleLeave(p, f)
	case wire.EventMessage:
		h.handleMessage(p, f)
	case wire.EventTyping:
		h.handleTyping(p, f)
	default:
		h.sendError(p, f.RoomID, "", "UNSUPPORTED", "unknown event type")
	}
}

// handleJoin adds the user to the room, announces the join to the other
// members and answers with the authoritative roster snapshot.
func (h *Hub) handleJoin(p *peer, f wire.Frame) {
	if f.RoomID == "" {
		h.sendError(p, "", "", "INVALID", "room_id required")
		return
	}

	h.mu.Lock()
	members, ok := h.rooms[f.RoomID]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[f.RoomID] = members
	}
	_, already := members[p.userID]
	members[p.userID] = struct{}{}
	snapshot := h.snapshotLocked(f.RoomID)
	h.mu.Unlock()

	if !already {
		h.broadcastToRoom(f.RoomID, p.userID, wire.EventUserJoined, wire.UserStatusPayload{
			UserID:   p.userID,
			Username: p.username,
			Online:   true,
			LastSeen: time.Now().UTC(),
		})
	}

	frame, err := wire.NewFrame(wire.EventRoomInfo, f.RoomID, snapshot)
	if err != nil {
		logger.Errorf("devserver room_info marshal: %v", err)
		return
	}
	p.enqueue(frame)
}

func (h *Hub) handleLeave(p *peer, f wire.Frame) {
	h.mu.Lock()
	members, ok := h.rooms[f.RoomID]
	if ok {
		delete(members, p.userID)
		if len(members) == 0 {
			delete(h.rooms, f.RoomID)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.broadcastToRoom(f.RoomID, p.userID, wire.EventUserLeft, wire.UserStatusPayload{
		UserID:   p.userID,
		Username: p.username,
		LastSeen: time.Now().UTC(),
	})
}

// handleMessage assigns the authoritative id and timestamp and broadcasts to
// every member including the sender; the echoed client_message_id lets the
// sender confirm its optimistic copy.
func (h *Hub) handleMessage(p *peer, f wire.Frame) {
	var in wire.MessagePayload
	if err := f.DecodePayload(&in); err != nil {
		h.sendError(p, f.RoomID, "", "INVALID", "bad message payload")
		return
	}
	if f.RoomID == "" || in.Content == "" {
		h.sendError(p, f.RoomID, in.ClientMessageID, "INVALID", "room_id and content required")
		return
	}
	if !h.isMember(f.RoomID, p.userID) {
		h.sendError(p, f.RoomID, in.ClientMessageID, "FORBIDDEN", "not a member")
		return
	}

	out := wire.MessagePayload{
		ID:              uuid.New().String(),
		ClientMessageID: in.ClientMessageID,
		AuthorID:        p.userID,
		Content:         in.Content,
		ContentType:     in.ContentType,
		ReplyToID:       in.ReplyToID,
		CreatedAt:       time.Now().UTC(),
	}
	h.broadcastToRoom(f.RoomID, "", wire.EventMessage, out)
}

// handleTyping relays the indicator to everyone in the room but the sender.
func (h *Hub) handleTyping(p *peer, f wire.Frame) {
	var in wire.TypingPayload
	if err := f.DecodePayload(&in); err != nil {
		return
	}
	if !h.isMember(f.RoomID, p.userID) {
		return
	}
	h.broadcastToRoom(f.RoomID, p.userID, wire.EventTyping, wire.TypingPayload{
		UserID:   p.userID,
		Username: p.username,
		IsTyping: in.IsTyping,
	})
}

func (h *Hub) isMember(roomID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = members[userID]
	return ok
}

// snapshotLocked builds the room_info payload. Caller holds h.mu.
func (h *Hub) snapshotLocked(roomID string) wire.RoomInfoPayload {
	members := h.rooms[roomID]
	snapshot := wire.RoomInfoPayload{
		RoomID:  roomID,
		Members: make([]wire.RoomMember, 0, len(members)),
	}
	for userID := range members {
		_, online := h.peers[userID]
		snapshot.Members = append(snapshot.Members, wire.RoomMember{
			UserID:   userID,
			Username: h.names[userID],
			Online:   online,
			LastSeen: h.lastSeen[userID],
		})
	}
	return snapshot
}

// broadcastStatus tells every room the user belongs to about an
// online/offline transition.
func (h *Hub) broadcastStatus(userID string, online bool) {
	h.mu.RLock()
	var roomIDs []string
	for roomID, members := range h.rooms {
		if _, ok := members[userID]; ok {
			roomIDs = append(roomIDs, roomID)
		}
	}
	username := h.names[userID]
	lastSeen := h.lastSeen[userID]
	h.mu.RUnlock()

	for _, roomID := range roomIDs {
		h.broadcastToRoom(roomID, userID, wire.EventUserStatus, wire.UserStatusPayload{
			UserID:   userID,
			Username: username,
			Online:   online,
			LastSeen: lastSeen,
		})
	}
}

// broadcastToRoom fans a frame out to room members; excludeUserID skips one
// user (pass "" to include everyone).
func (h *Hub) broadcastToRoom(roomID, excludeUserID string, t wire.EventType, payload any) {
	frame, err := wire.NewFrame(t, roomID, payload)
	if err != nil {
		logger.Errorf("devserver marshal %s: %v", t, err)
		return
	}

	h.mu.RLock()
	var targets []*peer
	for userID := range h.rooms[roomID] {
		if userID == excludeUserID {
			continue
		}
		for p := range h.peers[userID] {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		p.enqueue(frame)
	}
}

func (h *Hub) sendError(p *peer, roomID, clientMessageID, code, message string) {
	payload := wire.ErrorPayload{Code: code, Message: message, ClientMessageID: clientMessageID}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	p.enqueue(wire.Frame{
		Type:      wire.EventError,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	})
}
