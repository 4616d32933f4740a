package websocket

import (
	"context"
	"sync"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Client is one WebSocket connection bound to an authenticated session.
type Client struct {
	hub       *Hub
	conn      *ws.Conn
	userID    int64
	sessionID string
	send      chan []byte
	revoked   chan struct{}
	once      sync.Once
}

// NewClient creates a Client for the given session's connection.
func NewClient(hub *Hub, conn *ws.Conn, userID int64, sessionID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		userID:    userID,
		sessionID: sessionID,
		send:      make(chan []byte, sendBufferSize),
		revoked:   make(chan struct{}),
	}
}

// enqueue must be called with the hub's lock held so send is still open.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		// Client buffer full, drop message to avoid blocking
	}
}

// kick marks the client's session as revoked. The write pump flushes what
// is queued and closes the connection.
func (c *Client) kick() {
	c.once.Do(func() { close(c.revoked) })
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		c.writePump(ctx)
		cancel()
	}()
	c.readPump(ctx)
}

// readPump reads and discards all incoming messages. It returns on error
// (connection close), which triggers cleanup.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(ctx, msg); err != nil {
				return
			}
		case <-c.revoked:
			c.flush(ctx)
			c.conn.Close(ws.StatusPolicyViolation, "session revoked")
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, ws.MessageText, msg)
}

// flush writes whatever is already queued without waiting for more.
func (c *Client) flush(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok || c.write(ctx, msg) != nil {
				return
			}
		default:
			return
		}
	}
}
