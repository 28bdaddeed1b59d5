package devserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/roomsync/internal/logger"
	"github.com/roomsync/internal/token"
	"github.com/roomsync/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufSize    = 256
)

// Config holds the dev server settings.
type Config struct {
	TokenSecret        string
	TokenTTL           time.Duration
	CORSAllowedOrigins string
	MaxConnections     int
}

// Server exposes the WebSocket endpoint plus dev conveniences: a token
// issuer and a health check.
type Server struct {
	cfg Config
	hub *Hub
}

func NewServer(cfg Config) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Server{cfg: cfg, hub: NewHub(cfg.MaxConnections)}
}

// Handler builds the chi router: /ws for the sync protocol, /token for dev
// credentials, /healthz for liveness.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.cfg.CORSAllowedOrigins, ","),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Post("/token", s.issueToken)
	r.Get("/ws", s.serveWS)
	return r
}

// issueToken mints a dev credential. Production deployments issue tokens
// from the real auth service; this endpoint only exists for local runs.
func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		username = userID
	}
	signed, err := token.Issue(s.cfg.TokenSecret, userID, username, s.cfg.TokenTTL)
	if err != nil {
		logger.Errorf("devserver issue token: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": signed})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("token"))
	if raw == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := token.Verify(s.cfg.TokenSecret, raw)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("devserver ws upgrade: %v", err)
		return
	}

	p := newPeer(s.hub, sock, claims.UserID, claims.Username)
	if !s.hub.addPeer(p) {
		p.close()
		return
	}
	go p.writePump()
	go p.readPump()
}

// peer is one server-side WebSocket connection.
type peer struct {
	hub      *Hub
	sock     *websocket.Conn
	send     chan wire.Frame
	userID   string
	username string

	done chan struct{}
	once sync.Once
}

func newPeer(hub *Hub, sock *websocket.Conn, userID, username string) *peer {
	return &peer{
		hub:      hub,
		sock:     sock,
		send:     make(chan wire.Frame, sendBufSize),
		userID:   userID,
		username: username,
		done:     make(chan struct{}),
	}
}

// close is safe to call multiple times from any goroutine.
func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.sock.Close()
	})
}

// enqueue hands a frame to the write pump without blocking; a slow peer is
// closed rather than allowed to stall the hub.
func (p *peer) enqueue(frame wire.Frame) {
	select {
	case p.send <- frame:
	case <-p.done:
	default:
		logger.Errorf("devserver send buffer full, closing slow peer user=%s", p.userID)
		p.hub.removePeer(p)
	}
}

func (p *peer) readPump() {
	defer func() {
		p.hub.removePeer(p)
		p.sock.Close()
	}()

	p.sock.SetReadLimit(maxMessageSize)
	if err := p.sock.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	p.sock.SetPongHandler(func(string) error {
		return p.sock.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Clients heartbeat with pings of their own; refresh the deadline and
	// answer them so a quiet-but-alive client is not dropped.
	p.sock.SetPingHandler(func(appData string) error {
		if err := p.sock.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		return p.sock.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := p.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("devserver read error user=%s: %v", p.userID, err)
			}
			return
		}

		frame, err := wire.Decode(raw)
		if err != nil {
			logger.Errorf("devserver drop malformed frame user=%s: %v", p.userID, err)
			continue
		}
		p.hub.handleFrame(p, frame)
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.sock.Close()
	}()

	for {
		select {
		case <-p.done:
			_ = p.sock.WriteMessage(websocket.CloseMessage, nil)
			return
		case frame := <-p.send:
			if err := p.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				logger.Errorf("devserver marshal error user=%s: %v", p.userID, err)
				continue
			}
			if err := p.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := p.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
