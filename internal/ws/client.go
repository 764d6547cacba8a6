package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// Client adapts one websocket connection into a hub subscriber, owning
// the write deadlines and keepalive for the connection.
type Client struct {
	conn    *websocket.Conn
	log     *slog.Logger
	channel string

	mu     sync.Mutex
	closed bool
}

// NewClient wraps an upgraded connection bound for channel.
func NewClient(conn *websocket.Conn, channel string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{conn: conn, log: log, channel: channel}
}

// Send writes one event payload under a bounded write deadline. Writes
// are serialized with the keepalive pinger.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "channel", c.channel, "error", err)
		return err
	}
	return nil
}

// Close sends a close frame and tears the connection down. Safe to call
// more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

// Listen blocks until the peer disconnects, keeping the connection alive
// with periodic pings and a pong-refreshed read deadline. Subscribers are
// read-only; inbound data frames are discarded.
func (c *Client) Listen() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.keepAlive(stop)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) keepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
