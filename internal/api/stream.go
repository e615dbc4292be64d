package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/ScreenPilot/internal/models"
)

const (
	// streamWriteWait bounds a single frame write to a stream client.
	streamWriteWait = 10 * time.Second

	// streamPongWait is how long a client may stay silent before the
	// connection is considered dead.
	streamPongWait = 60 * time.Second

	// streamPingPeriod must be shorter than streamPongWait.
	streamPingPeriod = (streamPongWait * 9) / 10

	// streamClientBuffer is the per-client event backlog. Clients that
	// fall further behind are disconnected.
	streamClientBuffer = 32
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The control API is bound to localhost or a trusted network, so
	// cross-origin browser clients are allowed through.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamClient is one WebSocket subscriber to the event stream.
type streamClient struct {
	conn *websocket.Conn
	send chan models.Event
}

// writePump serializes events to the connection and keeps it alive with
// pings. It owns all writes to the connection.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case e, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub fans events out to connected WebSocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*streamClient]struct{})}
}

// Broadcast delivers an event to every connected client. A client whose
// backlog is full is dropped so one slow consumer cannot stall the loop.
func (h *Hub) Broadcast(e models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for c := range h.clients {
		select {
		case c.send <- e:
		default:
			slog.Debug("Hub.Broadcast: dropping slow stream consumer")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects future subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) add(conn *websocket.Conn) *streamClient {
	c := &streamClient{conn: conn, send: make(chan models.Event, streamClientBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return c
	}
	h.clients[c] = struct{}{}
	return c
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// eventsStreamHandler upgrades the connection and pushes events until the
// client disconnects (GET /events/stream).
func (s *Server) eventsStreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error to the client.
		slog.Warn("Server.eventsStreamHandler: upgrade failed", "error", err)
		return
	}
	slog.Debug("Server.eventsStreamHandler: client connected", "remote", conn.RemoteAddr())

	client := s.hub.add(conn)
	go client.writePump()

	// The read side only watches for disconnects and pong replies.
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.remove(client)
	slog.Debug("Server.eventsStreamHandler: client disconnected", "remote", conn.RemoteAddr())
}
