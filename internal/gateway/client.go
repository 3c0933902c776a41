package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1MB
)

var errClientClosed = errors.New("client closed")

// Client is one WebSocket connection. It implements Caller.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	writeMu       sync.Mutex
	closed        atomic.Bool
	authenticated atomic.Bool
}

// NewClient wraps an upgraded connection. Clients start authenticated when the
// server has no token configured.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	c := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
	}
	c.authenticated.Store(!s.auth.Required())
	return c
}

func (c *Client) ID() string               { return c.id }
func (c *Client) Authenticated() bool      { return c.authenticated.Load() }
func (c *Client) SetAuthenticated(ok bool) { c.authenticated.Store(ok) }

// Allow applies the server's per-client rate limit.
func (c *Client) Allow() bool { return c.server.rateLimiter.Allow(c.id) }

// Run reads frames until the connection drops or ctx is done. Each frame is
// dispatched concurrently; responses may be written out of request order.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.keepalive(ctx)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("gateway.client_read", "id", c.id, "error", err)
			}
			return
		}

		var frame protocol.RequestFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Command == "" {
			c.WriteResponse(protocol.NewErrorResponse(frame.ID, protocol.ErrInvalidRequest, "malformed frame"))
			continue
		}
		c.server.dispatcher.Dispatch(ctx, c, &frame)
	}
}

func (c *Client) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// WriteResponse sends a terminal response frame. Safe for concurrent use.
func (c *Client) WriteResponse(resp *protocol.ResponseFrame) error {
	return c.writeJSON(resp)
}

// SendEvent pushes an event frame. Errors are logged and dropped.
func (c *Client) SendEvent(event protocol.EventFrame) {
	if err := c.writeJSON(event); err != nil {
		slog.Debug("gateway.event_dropped", "id", c.id, "event", event.Command, "error", err)
	}
}

func (c *Client) writeJSON(v interface{}) error {
	if c.closed.Load() {
		return errClientClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Close shuts the connection down. Pending command responses are dropped.
func (c *Client) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}
