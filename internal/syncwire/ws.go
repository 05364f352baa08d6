package syncwire

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient is a Transport over a websocket connection to a Relay.
//
// Send fails fast with a *TransportError while disconnected; Serve keeps the
// connection alive, redialing with exponential backoff and invoking the
// reconnect hook each time a fresh connection is established.
type WSClient struct {
	url        string
	dialer     *websocket.Dialer
	logger     *slog.Logger
	onConnect  func(ctx context.Context)
	minBackoff time.Duration
	maxBackoff time.Duration
	mu         sync.Mutex // guards conn and serializes writes
	conn       *websocket.Conn
}

// WSOption configures a WSClient.
type WSOption func(*WSClient)

// WithConnectHook runs fn after every connection Serve establishes. The
// kernel passes Reconnect here so a rejoining site catches up in both
// directions.
func WithConnectHook(fn func(ctx context.Context)) WSOption {
	return func(c *WSClient) {
		c.onConnect = fn
	}
}

// WithBackoff bounds the delay between redial attempts.
func WithBackoff(initial, limit time.Duration) WSOption {
	return func(c *WSClient) {
		c.minBackoff = initial
		c.maxBackoff = limit
	}
}

// WithWSLogger sets the logger.
func WithWSLogger(logger *slog.Logger) WSOption {
	return func(c *WSClient) {
		c.logger = logger
	}
}

// NewWSClient creates a client for the relay at url (ws:// or wss://).
// It does not connect; call Dial or Serve.
func NewWSClient(url string, opts ...WSOption) *WSClient {
	c := &WSClient{
		url:        url,
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to the relay, replacing any existing connection.
func (c *WSClient) Dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	c.logger.Info("connected to relay", "url", c.url)
	return nil
}

// Connected reports whether a connection is currently open.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes msg as one text frame.
func (c *WSClient) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return &TransportError{Op: "send", Err: ErrNotConnected}
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.conn.Close()
		c.conn = nil
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close closes the current connection, if any.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Serve reads messages and hands them to h until ctx is cancelled,
// reconnecting whenever the connection drops. Handler errors are logged:
// a malformed message from one peer must not stall the session.
func (c *WSClient) Serve(ctx context.Context, h Handler) error {
	backoff := c.minBackoff
	for {
		if err := ctx.Err(); err != nil {
			_ = c.Close()
			return err
		}

		if !c.Connected() {
			if err := c.Dial(ctx); err != nil {
				c.logger.Warn("relay unavailable, retrying", "url", c.url, "backoff", backoff, "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, c.maxBackoff)
				continue
			}
		}
		backoff = c.minBackoff

		conn := c.current()
		if conn == nil {
			continue
		}
		if c.onConnect != nil {
			c.onConnect(ctx)
		}
		err := c.readLoop(ctx, conn, h)
		c.drop(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("relay connection lost", "url", c.url, "error", err)
	}
}

func (c *WSClient) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// drop forgets conn if it is still the current connection.
func (c *WSClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	conn.Close()
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn, h Handler) error {
	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := h(ctx, data); err != nil {
			// The relay broadcasts, so there is no way to answer only the
			// sender. Rejections stay in this site's log.
			if IsValidationError(err) {
				c.logger.Warn("rejected inbound message", "error", err)
				continue
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.Warn("inbound message failed", "error", err)
		}
	}
}
