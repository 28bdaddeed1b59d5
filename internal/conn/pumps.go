package conn

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roomsync/internal/logger"
	"github.com/roomsync/internal/wire"
)

// readPump reads frames from the session socket until it fails. The read
// deadline doubles as the pong timeout: the heartbeat in writePump sends a
// ping every interval and a peer that stops answering fails the next read,
// which routes through teardown and the normal reconnect path. A half-open
// connection is therefore detected without separate pong bookkeeping.
func (m *Manager) readPump(sock *websocket.Conn, gen int) {
	sock.SetReadLimit(m.cfg.MaxFrameSize)
	if err := sock.SetReadDeadline(time.Now().Add(m.cfg.PongWait)); err != nil {
		m.teardown(gen, false, "set read deadline failed")
		return
	}
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})

	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.teardown(gen, true, "server closed connection")
				return
			}
			m.teardown(gen, false, "transport error")
			return
		}

		frame, err := wire.Decode(raw)
		if err != nil {
			// Malformed frames are dropped, never dispatched.
			logger.Errorf("conn drop malformed frame: %v", err)
			continue
		}
		// Frames from one connection are dispatched synchronously in arrival
		// order; the next frame is not read until the handlers return.
		m.bus.Publish(string(frame.Type), frame)
	}
}

// writePump serializes outbound frames and emits the heartbeat ping.
// Exits on write error or when the send channel is abandoned by teardown.
func (m *Manager) writePump(sock *websocket.Conn, send chan wire.Frame, gen int) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		sock.Close()
	}()

	for {
		select {
		case frame := <-send:
			if err := sock.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait)); err != nil {
				m.teardown(gen, false, "set write deadline failed")
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				logger.Errorf("conn marshal %s frame: %v", frame.Type, err)
				continue
			}
			if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
				m.teardown(gen, false, "write error")
				return
			}
		case <-ticker.C:
			m.mu.Lock()
			stale := gen != m.gen
			m.mu.Unlock()
			if stale {
				return
			}
			if err := sock.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait)); err != nil {
				m.teardown(gen, false, "set write deadline failed")
				return
			}
			if err := sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.teardown(gen, false, "heartbeat write error")
				return
			}
		}
	}
}
