package syncwire

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithAllowedOrigins lets browsers served from the given origins connect.
// "*" admits every origin. Requests without an Origin header, which is how
// sites dial, are always accepted.
//
// Without this option only same-origin browser requests are upgraded.
func WithAllowedOrigins(origins ...string) RelayOption {
	return func(r *Relay) {
		for _, o := range origins {
			r.origins[strings.ToLower(strings.TrimRight(o, "/"))] = true
		}
	}
}

// relayClient is one connected participant.
type relayClient struct {
	conn *websocket.Conn
	send chan []byte
}

type relayMessage struct {
	from *relayClient
	data []byte
}

// Relay is a websocket hub: every message a participant sends is forwarded
// to every other connected participant. It never inspects messages; the
// sites validate what they receive.
//
// All client bookkeeping happens in the Run goroutine.
type Relay struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	origins    map[string]bool
	clients    map[*relayClient]bool
	broadcast  chan relayMessage
	register   chan *relayClient
	unregister chan *relayClient
	done       chan struct{}
}

// NewRelay creates a hub. Call Run before serving connections.
func NewRelay(logger *slog.Logger, opts ...RelayOption) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		logger:     logger,
		origins:    make(map[string]bool),
		clients:    make(map[*relayClient]bool),
		broadcast:  make(chan relayMessage),
		register:   make(chan *relayClient),
		unregister: make(chan *relayClient),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	// A nil CheckOrigin is gorilla's same-origin check, which also accepts
	// requests that carry no Origin header.
	if len(r.origins) > 0 {
		r.upgrader.CheckOrigin = r.checkOrigin
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || r.origins["*"] {
		return true
	}
	if r.origins[strings.ToLower(origin)] {
		return true
	}
	r.logger.Warn("rejected websocket origin", "origin", origin)
	return false
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			for c := range r.clients {
				delete(r.clients, c)
				close(c.send)
			}
			r.logger.Info("relay stopping", "reason", ctx.Err())
			return ctx.Err()

		case c := <-r.register:
			r.clients[c] = true
			r.logger.Info("participant connected", "clients", len(r.clients))

		case c := <-r.unregister:
			if _, ok := r.clients[c]; ok {
				delete(r.clients, c)
				close(c.send)
				r.logger.Info("participant disconnected", "clients", len(r.clients))
			}

		case m := <-r.broadcast:
			for c := range r.clients {
				if c == m.from {
					continue
				}
				select {
				case c.send <- m.data:
				default:
					// Slow consumer; it will catch up through anti-entropy
					// after reconnecting.
					delete(r.clients, c)
					close(c.send)
					r.logger.Warn("dropping slow participant", "clients", len(r.clients))
				}
			}
		}
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &relayClient{conn: conn, send: make(chan []byte, sendBuffer)}

	select {
	case r.register <- c:
	case <-r.done:
		conn.Close()
		return
	}

	go r.writePump(c)
	go r.readPump(c)
}

// readPump forwards every inbound message to the hub.
func (r *Relay) readPump(c *relayClient) {
	defer func() {
		select {
		case r.unregister <- c:
		case <-r.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("participant read failed", "error", err)
			}
			return
		}
		select {
		case r.broadcast <- relayMessage{from: c, data: data}:
		case <-r.done:
			return
		}
	}
}

// writePump drains the client's send buffer and keeps the connection alive.
func (r *Relay) writePump(c *relayClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Debug("participant write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
