package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/koko-u/log-collectors/internal/api"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// subscriber is one connected stream client. Writes are serialized by mu.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// LogStreamHandler pushes newly stored logs to WebSocket clients.
type LogStreamHandler struct {
	log         *slog.Logger
	subscribers *xsync.Map[*websocket.Conn, *subscriber]
}

// NewLogStreamHandler creates a new log stream handler.
func NewLogStreamHandler(log *slog.Logger) *LogStreamHandler {
	if log == nil {
		log = slog.Default()
	}
	return &LogStreamHandler{
		log:         log,
		subscribers: xsync.NewMap[*websocket.Conn, *subscriber](),
	}
}

// ServeHTTP upgrades the request and keeps the connection subscribed until
// the client goes away.
func (h *LogStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{conn: conn}
	h.subscribers.Store(conn, sub)
	h.log.Debug("log stream client connected", "remote_addr", r.RemoteAddr, "subscribers", h.subscribers.Size())

	done := make(chan struct{})
	go h.pingLoop(sub, done)
	h.readPump(conn)
	close(done)
}

// readPump reads until the connection fails (for close detection).
func (h *LogStreamHandler) readPump(conn *websocket.Conn) {
	defer func() {
		h.subscribers.Delete(conn)
		conn.Close()
		h.log.Debug("log stream client disconnected", "remote_addr", conn.RemoteAddr().String())
	}()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *LogStreamHandler) pingLoop(sub *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sub.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// PublishLog announces a stored log to all subscribers.
func (h *LogStreamHandler) PublishLog(l api.LogResponse) {
	h.broadcast(api.StreamEvent{Type: api.EventLog, Log: &l})
}

// PublishIngest announces a completed CSV upload to all subscribers.
func (h *LogStreamHandler) PublishIngest(count uint64) {
	h.broadcast(api.StreamEvent{Type: api.EventIngest, Count: count})
}

// Subscribers returns the number of connected clients.
func (h *LogStreamHandler) Subscribers() int {
	return h.subscribers.Size()
}

// Close disconnects every subscriber.
func (h *LogStreamHandler) Close() {
	h.subscribers.Range(func(conn *websocket.Conn, sub *subscriber) bool {
		sub.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return true
	})
}

func (h *LogStreamHandler) broadcast(ev api.StreamEvent) {
	if h.subscribers.Size() == 0 {
		return
	}

	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to marshal stream event", "error", err)
		return
	}

	h.subscribers.Range(func(conn *websocket.Conn, sub *subscriber) bool {
		if err := sub.write(websocket.TextMessage, msg); err != nil {
			h.log.Warn("failed to broadcast stream event", "type", ev.Type, "error", err)
			// The read pump notices the broken connection and unsubscribes it.
			conn.Close()
		}
		return true
	})
}
