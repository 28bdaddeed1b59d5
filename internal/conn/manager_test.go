package conn

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roomsync/internal/config"
	"github.com/roomsync/internal/event"
	"github.com/roomsync/internal/wire"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fastConfig keeps every timer short so tests finish quickly.
func fastConfig() Config {
	return Config{
		HeartbeatInterval: 50 * time.Millisecond,
		PongWait:          time.Second,
		WriteWait:         time.Second,
		DialTimeout:       time.Second,
		SendBufferSize:    16,
		MaxFrameSize:      4096,
		Reconnect: config.ReconnectConfig{
			Base:      20 * time.Millisecond,
			Max:       100 * time.Millisecond,
			GrowthCap: 5,
		},
	}
}

// startWSServer runs handle for each accepted WebSocket connection and
// returns the ws:// endpoint.
func startWSServer(t *testing.T, handle func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(sock)
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// drain reads until the connection fails, answering pings along the way.
func drain(sock *websocket.Conn) {
	for {
		if _, _, err := sock.ReadMessage(); err != nil {
			return
		}
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func recordStates(bus *event.Dispatcher) *stateRecorder {
	rec := &stateRecorder{}
	bus.Subscribe(EventConnectionState, func(payload any) {
		change, ok := payload.(StateChange)
		if !ok {
			return
		}
		rec.mu.Lock()
		rec.states = append(rec.states, change.State)
		rec.mu.Unlock()
	})
	return rec
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *stateRecorder) has(s State) bool {
	for _, got := range r.snapshot() {
		if got == s {
			return true
		}
	}
	return false
}

func TestBackoffDelaySequence(t *testing.T) {
	rc := config.ReconnectConfig{
		Base:      3 * time.Second,
		Max:       30 * time.Second,
		GrowthCap: 5,
	}
	want := []time.Duration{
		3 * time.Second,
		6 * time.Second,
		12 * time.Second,
		24 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := backoffDelay(attempt, rc); got != w {
			t.Errorf("backoffDelay(%d) = %s, want %s", attempt, got, w)
		}
	}
}

func TestConnectWithoutTokenFailsFast(t *testing.T) {
	m := NewManager(fastConfig(), event.NewDispatcher())
	var dialed atomic.Bool
	m.dial = func(string, time.Duration) (*websocket.Conn, error) {
		dialed.Store(true)
		return nil, errors.New("should not be reached")
	}

	if err := m.Connect(Params{Endpoint: "ws://localhost:1/ws", Identity: "alice"}); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Connect without token = %v, want ErrNoCredential", err)
	}
	if got := m.State(); got != StateError {
		t.Errorf("state = %s, want %s", got, StateError)
	}

	// A precondition failure never dials and never schedules a retry.
	time.Sleep(60 * time.Millisecond)
	if dialed.Load() {
		t.Error("dial attempted despite missing credential")
	}
	if got := m.ReconnectAttempt(); got != 0 {
		t.Errorf("reconnect attempt = %d, want 0", got)
	}
}

func TestDialFailureSchedulesReconnects(t *testing.T) {
	bus := event.NewDispatcher()
	rec := recordStates(bus)
	m := NewManager(fastConfig(), bus)
	var dials atomic.Int32
	m.dial = func(string, time.Duration) (*websocket.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}
	defer m.Disconnect()

	if err := m.Connect(Params{Endpoint: "ws://localhost:1/ws", Identity: "alice", Token: "tok"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return dials.Load() >= 3 }, "three dial attempts")
	if got := m.ReconnectAttempt(); got < 2 {
		t.Errorf("reconnect attempt = %d, want >= 2", got)
	}

	states := rec.snapshot()
	if len(states) == 0 || states[0] != StateConnecting {
		t.Fatalf("first transition = %v, want connecting", states)
	}
	for i := 1; i < len(states); i++ {
		prev, cur := states[i-1], states[i]
		if prev == StateConnecting && cur != StateError {
			t.Errorf("transition %d: connecting -> %s, want error", i, cur)
		}
		if prev == StateError && cur != StateConnecting {
			t.Errorf("transition %d: error -> %s, want connecting", i, cur)
		}
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	cfg := fastConfig()
	cfg.Reconnect.Base = 80 * time.Millisecond
	m := NewManager(cfg, event.NewDispatcher())
	var dials atomic.Int32
	m.dial = func(string, time.Duration) (*websocket.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	if err := m.Connect(Params{Endpoint: "ws://localhost:1/ws", Identity: "alice", Token: "tok"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, time.Second, func() bool { return m.State() == StateError }, "error state after failed dial")

	m.Disconnect()

	if got := m.State(); got != StateDisconnected {
		t.Errorf("state = %s, want %s", got, StateDisconnected)
	}
	if got := m.ReconnectAttempt(); got != 0 {
		t.Errorf("reconnect attempt = %d, want 0 after disconnect", got)
	}
	m.mu.Lock()
	timer := m.reconnectTimer
	m.mu.Unlock()
	if timer != nil {
		t.Error("reconnect timer still armed after disconnect")
	}

	// Outlive the pending delay: no redial may fire.
	before := dials.Load()
	time.Sleep(200 * time.Millisecond)
	if got := dials.Load(); got != before {
		t.Errorf("dial count grew from %d to %d after disconnect", before, got)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("state = %s, want %s to be terminal", got, StateDisconnected)
	}
}

func TestConnectWhileConnectingIsNoOp(t *testing.T) {
	m := NewManager(fastConfig(), event.NewDispatcher())
	release := make(chan struct{})
	var dials atomic.Int32
	m.dial = func(string, time.Duration) (*websocket.Conn, error) {
		dials.Add(1)
		<-release
		return nil, errors.New("late failure")
	}
	defer func() {
		close(release)
		m.Disconnect()
	}()

	p := Params{Endpoint: "ws://localhost:1/ws", Identity: "alice", Token: "tok"}
	if err := m.Connect(p); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, time.Second, func() bool { return dials.Load() == 1 }, "first dial to start")

	if err := m.Connect(p); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Errorf("dial count = %d, want 1 while already connecting", got)
	}
}

func TestConnectAndDispatchInboundFrames(t *testing.T) {
	endpoint := startWSServer(t, func(sock *websocket.Conn) {
		for _, id := range []string{"m1", "m2"} {
			frame, err := wire.NewFrame(wire.EventMessage, "lobby", wire.MessagePayload{
				ID:        id,
				AuthorID:  "bob",
				Content:   "hi",
				CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				return
			}
			if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		drain(sock)
	})

	bus := event.NewDispatcher()
	var mu sync.Mutex
	var ids []string
	bus.Subscribe(string(wire.EventMessage), func(payload any) {
		frame, ok := payload.(wire.Frame)
		if !ok {
			return
		}
		var p wire.MessagePayload
		if err := frame.DecodePayload(&p); err != nil {
			return
		}
		mu.Lock()
		ids = append(ids, p.ID)
		mu.Unlock()
	})

	m := NewManager(fastConfig(), bus)
	defer m.Disconnect()
	if err := m.Connect(Params{Endpoint: endpoint, Identity: "alice", Token: "tok"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")
	if got := m.ReconnectAttempt(); got != 0 {
		t.Errorf("reconnect attempt = %d, want 0 after successful connect", got)
	}
	if m.LastConnectedAt().IsZero() {
		t.Error("LastConnectedAt not recorded")
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 2
	}, "two dispatched frames")

	mu.Lock()
	defer mu.Unlock()
	if ids[0] != "m1" || ids[1] != "m2" {
		t.Errorf("dispatch order = %v, want [m1 m2]", ids)
	}
}

func TestSendDeliversFrameToServer(t *testing.T) {
	var mu sync.Mutex
	var contents []string
	endpoint := startWSServer(t, func(sock *websocket.Conn) {
		for {
			_, raw, err := sock.ReadMessage()
			if err != nil {
				return
			}
			frame, err := wire.Decode(raw)
			if err != nil {
				continue
			}
			var p wire.MessagePayload
			if err := frame.DecodePayload(&p); err != nil {
				continue
			}
			mu.Lock()
			contents = append(contents, p.Content)
			mu.Unlock()
		}
	})

	m := NewManager(fastConfig(), event.NewDispatcher())
	defer m.Disconnect()

	frame, err := wire.NewFrame(wire.EventMessage, "lobby", wire.MessagePayload{
		AuthorID:  "alice",
		Content:   "hello",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}

	if err := m.Send(frame); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send while disconnected = %v, want ErrNotConnected", err)
	}

	if err := m.Connect(Params{Endpoint: endpoint, Identity: "alice", Token: "tok"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")

	if err := m.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(contents) == 1 && contents[0] == "hello"
	}, "server to receive the frame")
}

func TestAbnormalCloseReconnectsAndResetsAttempt(t *testing.T) {
	var conns atomic.Int32
	endpoint := startWSServer(t, func(sock *websocket.Conn) {
		if conns.Add(1) == 1 {
			// Drop the first session without a close frame.
			sock.Close()
			return
		}
		drain(sock)
	})

	bus := event.NewDispatcher()
	rec := recordStates(bus)
	m := NewManager(fastConfig(), bus)
	defer m.Disconnect()

	if err := m.Connect(Params{Endpoint: endpoint, Identity: "alice", Token: "tok"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return conns.Load() >= 2 && m.State() == StateConnected
	}, "reconnect after abnormal close")

	if !rec.has(StateError) {
		t.Error("error state never published on abnormal close")
	}
	if got := m.ReconnectAttempt(); got != 0 {
		t.Errorf("reconnect attempt = %d, want 0 after recovery", got)
	}
	if m.LastDisconnectedAt().IsZero() {
		t.Error("LastDisconnectedAt not recorded")
	}
}

func TestCleanServerCloseEndsDisconnected(t *testing.T) {
	var conns atomic.Int32
	endpoint := startWSServer(t, func(sock *websocket.Conn) {
		conns.Add(1)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = sock.ReadMessage() // wait for the close response
		sock.Close()
	})

	m := NewManager(fastConfig(), event.NewDispatcher())
	defer m.Disconnect()

	if err := m.Connect(Params{Endpoint: endpoint, Identity: "alice", Token: "tok"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return m.State() == StateDisconnected }, "disconnected after clean close")

	// Normal closure must not schedule a reconnect.
	time.Sleep(200 * time.Millisecond)
	if got := conns.Load(); got != 1 {
		t.Errorf("connection count = %d, want 1 (no redial after clean close)", got)
	}
	m.mu.Lock()
	timer := m.reconnectTimer
	m.mu.Unlock()
	if timer != nil {
		t.Error("reconnect timer armed after clean close")
	}
}

func TestSessionURLCarriesCredential(t *testing.T) {
	got := sessionURL(Params{Endpoint: "ws://localhost:8090/ws", Identity: "alice", Token: "tok"})
	if !strings.Contains(got, "token=tok") {
		t.Errorf("sessionURL = %q, missing token", got)
	}
	if !strings.Contains(got, "user_id=alice") {
		t.Errorf("sessionURL = %q, missing user_id", got)
	}
}
