// Package client is a WebSocket client for the bridge command protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

// ErrClosed is returned by calls made after the connection dropped.
var ErrClosed = errors.New("client: connection closed")

// CallError is a failure response from the bridge.
type CallError struct {
	Code    protocol.Strategy
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// inbound is any frame the bridge sends.
type inbound struct {
	Command string          `json:"command"`
	ID      *int64          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Event is an unsolicited frame pushed by the bridge.
type Event struct {
	Name string
	Data json.RawMessage
}

// Client multiplexes concurrent calls over one connection. Responses are
// matched to calls by request id.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan inbound
	closed  bool

	events chan Event
	done   chan struct{}
}

// Dial connects to a bridge WebSocket endpoint (ws://host:port/ws). When token
// is set the connect command is issued before Dial returns.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20) // 1MB

	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan inbound),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	if token != "" {
		if _, err := c.Call(ctx, protocol.CommandConnect, map[string]string{"token": token}); err != nil {
			c.Close()
			return nil, fmt.Errorf("client: connect: %w", err)
		}
	}
	return c, nil
}

// Call sends command and waits for its response data.
func (c *Client) Call(ctx context.Context, command string, data interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan inbound, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("client: encode %s: %w", command, err)
	}
	frame := protocol.RequestFrame{Command: command, ID: &id, Data: raw}

	c.writeMu.Lock()
	err = wsjson.Write(ctx, c.conn, frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("client: send %s: %w", command, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case resp := <-ch:
		if resp.Command == protocol.CommandError {
			var e protocol.ErrorData
			if err := json.Unmarshal(resp.Data, &e); err != nil {
				return nil, fmt.Errorf("client: decode error frame: %w", err)
			}
			return nil, &CallError{Code: e.Code, Message: e.Message}
		}
		return resp.Data, nil
	}
}

// Events delivers pushed events. Events are dropped while the channel is full.
func (c *Client) Events() <-chan Event { return c.events }

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	}()

	ctx := context.Background()
	for {
		var f inbound
		if err := wsjson.Read(ctx, c.conn, &f); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Debug("client.read_failed", "error", err)
			}
			return
		}

		if f.ID != nil && (f.Command == protocol.CommandResponse || f.Command == protocol.CommandError) {
			c.mu.Lock()
			ch, ok := c.pending[*f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}

		select {
		case c.events <- Event{Name: f.Command, Data: f.Data}:
		default:
			slog.Debug("client.event_dropped", "event", f.Command)
		}
	}
}
