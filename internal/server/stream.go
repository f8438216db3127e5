package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unipass/backend/internal/observe"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 30 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 4
)

// StateStream pushes every observation state change to websocket clients.
// Clients receive the current state on connect and are read-only; anything
// they send other than control frames is discarded.
type StateStream struct {
	logger   *slog.Logger
	state    *observe.Store
	upgrader websocket.Upgrader

	quit      chan struct{}
	closeOnce sync.Once
}

// NewStateStream constructs a stream over state. An empty allowedOrigins
// accepts only same-host requests.
func NewStateStream(logger *slog.Logger, state *observe.Store, allowedOrigins []string) *StateStream {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = struct{}{}
		}
	}
	return &StateStream{
		logger: logger,
		state:  state,
		quit:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return checkStreamOrigin(origins, r)
			},
		},
	}
}

func (s *StateStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, cancel := s.state.Subscribe(streamBuffer)
	defer cancel()

	done := make(chan struct{})
	go s.readPump(conn, done)

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case st, ok := <-updates:
			if !ok {
				s.closeConn(conn, websocket.CloseGoingAway, "state closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(st); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-done:
			return
		case <-s.quit:
			s.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// Close disconnects every client. net/http does not track hijacked
// connections, so Shutdown alone leaves them open.
func (s *StateStream) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}

func (s *StateStream) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
	}
}

func (s *StateStream) closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
}

func checkStreamOrigin(origins map[string]struct{}, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := origins["*"]; ok {
		return true
	}
	if _, ok := origins[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
