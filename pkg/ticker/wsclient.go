package ticker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrAlreadyClosed   = errors.New("client already closed")
	ErrStaleConnection = errors.New("connection stale: no data, ping or pong received")
)

// WSClient is a WebSocket client for the ticker protocol. It dials the feed
// endpoint, subscribes to venue channels and delivers decoded PriceUpdate
// messages. Connection drops, including heartbeat staleness on a half-open
// socket, are reported on Errors(); reconnecting is the connection manager's
// job, not the client's.
type WSClient struct {
	url       string
	timeout   time.Duration
	heartbeat time.Duration
	logger    *zap.Logger

	updates chan PriceUpdate
	errs    chan error

	writeMu sync.Mutex

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	done      chan struct{}
}

// subscribeMsg is the client→server subscription command.
type subscribeMsg struct {
	Op   string   `json:"op"`
	ID   string   `json:"id"`
	Args []string `json:"args"`
}

// NewWSClient creates a WebSocket client for the given feed URL. The
// heartbeat interval drives keepalive pings; a connection that produces no
// data, ping or pong for two intervals is treated as dead.
func NewWSClient(url string, timeout, heartbeat time.Duration, logger *zap.Logger) *WSClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &WSClient{
		url:       url,
		timeout:   timeout,
		heartbeat: heartbeat,
		logger:    logger,
		updates:   make(chan PriceUpdate, 256),
		errs:      make(chan error, 1),
	}
}

// Connect performs the WebSocket handshake and starts the read loop.
// Calling Connect again after a drop establishes a fresh connection.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.logger.Error("websocket dial failed", zap.String("url", c.url), zap.Error(err))
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close() // drop the stale connection, if any
	}
	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	// Staleness detection: the read deadline is refreshed on every data
	// frame, ping and pong. A half-open socket misses all three and the
	// blocked read fails once the deadline lapses.
	stale := 2 * c.heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(stale))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(stale))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(stale))
	})

	c.logger.Info("websocket connected", zap.String("url", c.url))

	go c.readLoop(conn, done)
	go c.heartbeatLoop(conn, done)

	return nil
}

// heartbeatLoop sends keepalive pings so that a live but quiet server keeps
// refreshing the read deadline through its pong replies.
func (c *WSClient) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			deadline := time.Now().Add(time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("keepalive ping failed", zap.Error(err))
			}
		}
	}
}

// Subscribe sends a subscription command for the given channel and returns
// the client-generated subscription id.
func (c *WSClient) Subscribe(ctx context.Context, topic string) (string, error) {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return "", ErrNotConnected
	}

	id := uuid.NewString()
	msg := subscribeMsg{Op: "subscribe", ID: id, Args: []string{topic}}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return "", fmt.Errorf("subscribe %s: %w", topic, err)
	}

	c.logger.Info("subscribed", zap.String("topic", topic), zap.String("sub_id", id))
	return id, nil
}

// Updates returns the channel of decoded price updates.
func (c *WSClient) Updates() <-chan PriceUpdate {
	return c.updates
}

// Errors returns the channel of connection-level errors (at most one per
// established connection).
func (c *WSClient) Errors() <-chan error {
	return c.errs
}

// IsConnected reports whether the current connection is live.
func (c *WSClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close tears the connection down. It is idempotent and never fails from the
// caller's perspective; close errors on the underlying socket are logged.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	done := c.done
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		if err := conn.Close(); err != nil {
			c.logger.Warn("websocket close failed", zap.Error(err))
		}
	}
	if done != nil {
		<-done // read loop has exited; no callback after Close returns
	}

	c.logger.Info("websocket closed", zap.String("url", c.url))
	return nil
}

// readLoop reads messages from one established connection until it drops.
func (c *WSClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.connected = false
			}
			c.mu.Unlock()

			if closed {
				return // deliberate teardown, not a transport error
			}

			if errors.Is(err, os.ErrDeadlineExceeded) {
				err = ErrStaleConnection
			}
			c.logger.Warn("websocket read error", zap.Error(err))
			select {
			case c.errs <- err:
			default:
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(2 * c.heartbeat))

		update, ok := c.decode(msg)
		if !ok {
			continue
		}

		select {
		case c.updates <- update:
		default:
			c.logger.Warn("update buffer full, dropping tick",
				zap.String("symbol", update.Symbol))
		}
	}
}

// decode parses a raw frame into a PriceUpdate. Frames without a symbol
// (subscription acks, heartbeats) are ignored.
func (c *WSClient) decode(msg []byte) (PriceUpdate, bool) {
	var update PriceUpdate
	if err := json.Unmarshal(msg, &update); err != nil {
		c.logger.Warn("failed to parse price update", zap.Error(err))
		return PriceUpdate{}, false
	}
	if update.Symbol == "" {
		return PriceUpdate{}, false
	}
	return update, true
}
