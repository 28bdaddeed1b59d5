// Package conn owns the single persistent WebSocket session: the
// connect/disconnect/reconnect state machine, the heartbeat, and the
// exponential backoff applied after abnormal connection loss.
package conn

import (
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roomsync/internal/config"
	"github.com/roomsync/internal/event"
	"github.com/roomsync/internal/logger"
	"github.com/roomsync/internal/wire"
)

// EventConnectionState is the dispatcher event published on every state
// transition. The payload is a StateChange.
const EventConnectionState = "connection"

var (
	// ErrNoCredential is returned when connect is attempted without a token.
	// This is a precondition failure and is never retried.
	ErrNoCredential = errors.New("no credential token")
	// ErrNotConnected is returned for sends attempted outside the Connected state.
	ErrNotConnected = errors.New("not connected")
	// ErrSendBufferFull is returned when the outbound queue cannot accept a frame.
	ErrSendBufferFull = errors.New("send buffer full")
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// StateChange is broadcast through the dispatcher so consumers can render
// connectivity banners without polling.
type StateChange struct {
	State   State
	Attempt int
	Reason  string
}

// Params identify one session: where to connect and as whom.
type Params struct {
	Endpoint string
	Identity string
	Token    string
}

// Config tunes transport timing. Zero values fall back to the defaults the
// protocol was designed around.
type Config struct {
	HeartbeatInterval time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
	DialTimeout       time.Duration
	SendBufferSize    int
	MaxFrameSize      int64
	Reconnect         config.ReconnectConfig
}

func (c *Config) norm() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 4096
	}
	if c.Reconnect.Base <= 0 {
		c.Reconnect.Base = 3 * time.Second
	}
	if c.Reconnect.Max <= 0 {
		c.Reconnect.Max = 30 * time.Second
	}
	if c.Reconnect.GrowthCap <= 0 {
		c.Reconnect.GrowthCap = 5
	}
}

// Manager maintains exactly one active transport session. It is constructed
// explicitly and passed by reference; Disconnect is the single cancellation
// point and always wins over in-flight dials and pending reconnect timers.
type Manager struct {
	mu   sync.Mutex
	cfg  Config
	bus  *event.Dispatcher
	dial func(endpoint string, timeout time.Duration) (*websocket.Conn, error)

	params  Params
	state   State
	attempt int

	lastConnectedAt    time.Time
	lastDisconnectedAt time.Time

	// gen invalidates pumps, dial results and reconnect timers that belong
	// to a superseded session. Bumped on every disconnect/teardown.
	gen int

	sock           *websocket.Conn
	send           chan wire.Frame
	reconnectTimer *time.Timer
}

// NewManager builds a disconnected manager publishing state changes and
// inbound frames on bus.
func NewManager(cfg Config, bus *event.Dispatcher) *Manager {
	cfg.norm()
	m := &Manager{
		cfg:   cfg,
		bus:   bus,
		state: StateDisconnected,
	}
	m.dial = m.dialWebSocket
	return m
}

func (m *Manager) dialWebSocket(endpoint string, timeout time.Duration) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	sock, _, err := dialer.Dial(endpoint, nil)
	return sock, err
}

// Connect starts a session with the given parameters. Without a credential
// token it fails straight to the Error state; that is a precondition, not a
// retryable failure. A connect while already Connecting or Connected is a
// no-op.
func (m *Manager) Connect(p Params) error {
	m.mu.Lock()
	if p.Token == "" {
		change, changed := m.setStateLocked(StateError, "no credential token")
		m.mu.Unlock()
		m.publish(change, changed)
		return ErrNoCredential
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.params = p
	m.stopReconnectTimerLocked()
	change, changed := m.setStateLocked(StateConnecting, "")
	gen := m.gen
	m.mu.Unlock()
	m.publish(change, changed)

	go m.establish(gen)
	return nil
}

// establish performs the handshake for the session generation gen. Results
// for a superseded generation are discarded.
func (m *Manager) establish(gen int) {
	m.mu.Lock()
	endpoint := sessionURL(m.params)
	timeout := m.cfg.DialTimeout
	m.mu.Unlock()

	sock, err := m.dial(endpoint, timeout)

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		return
	}
	if err != nil {
		logger.Errorf("conn dial %s: %v", endpoint, err)
		change, changed := m.setStateLocked(StateError, "handshake failed")
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.publish(change, changed)
		return
	}

	m.sock = sock
	m.send = make(chan wire.Frame, m.cfg.SendBufferSize)
	m.attempt = 0
	m.lastConnectedAt = time.Now().UTC()
	change, changed := m.setStateLocked(StateConnected, "")
	send := m.send
	m.mu.Unlock()
	m.publish(change, changed)

	go m.readPump(sock, gen)
	go m.writePump(sock, send, gen)
}

// sessionURL appends identity and credential to the endpoint query so the
// handshake carries authentication (browser transports cannot set headers).
func sessionURL(p Params) string {
	u, err := url.Parse(p.Endpoint)
	if err != nil {
		return p.Endpoint
	}
	q := u.Query()
	q.Set("token", p.Token)
	if p.Identity != "" {
		q.Set("user_id", p.Identity)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Send queues one outbound frame. Callers that cannot tolerate loss must
// check the error; low-value signals (typing, presence pings) may ignore it.
func (m *Manager) Send(f wire.Frame) error {
	m.mu.Lock()
	if m.state != StateConnected || m.send == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	send := m.send
	m.mu.Unlock()

	select {
	case send <- f:
		return nil
	default:
		logger.Errorf("conn send buffer full, dropping %s frame", f.Type)
		return ErrSendBufferFull
	}
}

// Disconnect closes the session unconditionally: it cancels any pending
// reconnect timer and in-flight establishment, stops the heartbeat, and
// transitions to Disconnected regardless of current state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopReconnectTimerLocked()
	m.gen++
	m.attempt = 0
	if m.sock != nil {
		// Best effort notify the peer this is a clean close.
		deadline := time.Now().Add(m.cfg.WriteWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = m.sock.WriteControl(websocket.CloseMessage, msg, deadline)
		m.sock.Close()
		m.sock = nil
		m.lastDisconnectedAt = time.Now().UTC()
	}
	m.send = nil
	change, changed := m.setStateLocked(StateDisconnected, "")
	m.mu.Unlock()
	m.publish(change, changed)
}

// Reconnect tears the current session down and dials again with the same
// parameters.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	p := m.params
	m.mu.Unlock()
	m.Disconnect()
	return m.Connect(p)
}

// Reset fully disconnects and forgets the session parameters. Used on logout
// and between tests.
func (m *Manager) Reset() {
	m.Disconnect()
	m.mu.Lock()
	m.params = Params{}
	m.mu.Unlock()
}

// teardown handles a connection loss detected by either pump. clean marks a
// locally initiated or normal-closure close; anything else schedules a
// reconnect while a credential is still held.
func (m *Manager) teardown(gen int, clean bool, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return // already superseded by Disconnect or a newer session
	}
	m.gen++
	if m.sock != nil {
		m.sock.Close()
		m.sock = nil
	}
	m.send = nil
	m.lastDisconnectedAt = time.Now().UTC()

	var change StateChange
	var changed bool
	if clean {
		change, changed = m.setStateLocked(StateDisconnected, reason)
	} else {
		change, changed = m.setStateLocked(StateError, reason)
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()
	m.publish(change, changed)
}

func (m *Manager) scheduleReconnectLocked() {
	if m.params.Token == "" {
		return // no authenticated identity, nothing to resume
	}
	delay := backoffDelay(m.attempt, m.cfg.Reconnect)
	m.attempt++
	gen := m.gen
	attempt := m.attempt
	logger.Infof("conn reconnect attempt=%d in %s", attempt, delay)
	m.reconnectTimer = time.AfterFunc(delay, func() { m.redial(gen) })
}

func (m *Manager) redial(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateError {
		m.mu.Unlock()
		return
	}
	change, changed := m.setStateLocked(StateConnecting, "")
	gen = m.gen
	m.mu.Unlock()
	m.publish(change, changed)

	m.establish(gen)
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// setStateLocked records a transition; the caller publishes the returned
// change after releasing the lock, since handlers may call back into the
// manager.
func (m *Manager) setStateLocked(s State, reason string) (StateChange, bool) {
	if m.state == s {
		return StateChange{}, false
	}
	m.state = s
	return StateChange{State: s, Attempt: m.attempt, Reason: reason}, true
}

func (m *Manager) publish(change StateChange, changed bool) {
	if changed && m.bus != nil {
		m.bus.Publish(EventConnectionState, change)
	}
}

// backoffDelay returns the reconnect delay for a zero-based attempt counter:
// base doubling per attempt, growth stopping past cap attempts, clamped to max.
func backoffDelay(attempt int, rc config.ReconnectConfig) time.Duration {
	if attempt > rc.GrowthCap {
		attempt = rc.GrowthCap
	}
	delay := rc.Base << uint(attempt)
	if delay > rc.Max || delay <= 0 {
		delay = rc.Max
	}
	return delay
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectAttempt reports how many consecutive reconnects have failed.
func (m *Manager) ReconnectAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// LastConnectedAt reports when the session last reached Connected.
func (m *Manager) LastConnectedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConnectedAt
}

// LastDisconnectedAt reports when the session last lost its transport.
func (m *Manager) LastDisconnectedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDisconnectedAt
}
