package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swarmlabs/zerg/internal/auth"
	"github.com/swarmlabs/zerg/internal/topics"
	"github.com/swarmlabs/zerg/pkg/protocol"
)

// Options configures the WebSocket endpoint.
type Options struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// Server upgrades connections at /ws and hands each authenticated client
// to the topic manager. Authentication happens on the handshake: the
// bearer token rides the `token` query parameter, and a bad token closes
// the socket with code 4401 before the client is ever registered.
type Server struct {
	validator  auth.Validator
	topics     *topics.Manager
	dispatcher TaskDispatcher
	upgrader   websocket.Upgrader

	pingInterval time.Duration
	pongTimeout  time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

func NewServer(validator auth.Validator, tm *topics.Manager, dispatcher TaskDispatcher, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	s := &Server{
		validator:    validator,
		topics:       tm,
		dispatcher:   dispatcher,
		pingInterval: opts.PingInterval,
		pongTimeout:  opts.PongTimeout,
		clients:      make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP handles the /ws handshake.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("gateway.upgrade_failed", "err", err)
		return
	}

	ident, err := s.validator.Validate(r.URL.Query().Get("token"))
	if err != nil {
		// Reject after the upgrade: the close frame is the only way to
		// deliver an application close code to the client.
		msg := websocket.FormatCloseMessage(protocol.CloseInvalidToken, "invalid token")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c := newClient(s, conn, ident)
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.topics.Register(c)

	slog.Info("gateway.client_connected", "client", c.id, "user", ident.UserID)
	c.run(r.Context())
	slog.Info("gateway.client_disconnected", "client", c.id)
}

func (s *Server) forget(clientID string) {
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
}

// ClientCount reports currently connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Shutdown closes every connection. In-flight writes race the close; this
// is only called on process exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	all := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		all = append(all, c)
	}
	s.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}
