// Package ipc serves the command protocol over a pair of byte streams, one
// JSON frame per line. The bridge uses it when launched as a child process
// with its stdin and stdout attached to the bridging service.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/imbridge/internal/bus"
	"github.com/nextlevelbuilder/imbridge/internal/gateway"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

const maxLineSize = 1 << 20 // 1MB

var errConnClosed = errors.New("ipc: connection closed")

// Conn is a line-delimited stream peer. It implements gateway.Caller.
// The parent process owns both ends of the pipe, so the peer starts
// authenticated.
type Conn struct {
	id         string
	in         io.Reader
	dispatcher *gateway.Dispatcher
	events     bus.EventPublisher

	writeMu sync.Mutex
	enc     *json.Encoder
	closed  atomic.Bool
	authed  atomic.Bool
}

// NewConn creates a peer reading commands from in and writing frames to out.
// events may be nil when no event forwarding is wanted.
func NewConn(in io.Reader, out io.Writer, d *gateway.Dispatcher, events bus.EventPublisher) *Conn {
	c := &Conn{
		id:         "stdio-" + uuid.NewString()[:8],
		in:         in,
		dispatcher: d,
		events:     events,
		enc:        json.NewEncoder(out),
	}
	c.authed.Store(true)
	return c
}

func (c *Conn) ID() string               { return c.id }
func (c *Conn) Authenticated() bool      { return c.authed.Load() }
func (c *Conn) SetAuthenticated(ok bool) { c.authed.Store(ok) }

// Serve reads frames until in reaches EOF or ctx is done, then waits for the
// commands it dispatched to answer.
func (c *Conn) Serve(ctx context.Context) error {
	if c.events != nil {
		c.events.Subscribe(c.id, c.forward)
		defer c.events.Unsubscribe(c.id)
	}
	defer c.dispatcher.Wait()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		readErr <- c.read(ctx, lines)
	}()

	for {
		select {
		case <-ctx.Done():
			c.closed.Store(true)
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			c.handle(ctx, line)
		}
	}
}

func (c *Conn) read(ctx context.Context, lines chan<- []byte) error {
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		buf := append([]byte(nil), line...)
		select {
		case lines <- buf:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("ipc.read_failed", "id", c.id, "error", err)
		return err
	}
	slog.Info("ipc.eof", "id", c.id)
	return nil
}

func (c *Conn) handle(ctx context.Context, line []byte) {
	var frame protocol.RequestFrame
	if err := json.Unmarshal(line, &frame); err != nil || frame.Command == "" {
		slog.Warn("ipc.malformed_frame", "id", c.id, "bytes", len(line))
		c.WriteResponse(protocol.NewErrorResponse(frame.ID, protocol.ErrInvalidRequest, "malformed frame"))
		return
	}
	c.dispatcher.Dispatch(ctx, c, &frame)
}

func (c *Conn) forward(event bus.Event) {
	if protocol.IsInternalEvent(event.Name) {
		return
	}
	if err := c.write(protocol.NewEvent(event.Name, event.Payload)); err != nil {
		slog.Debug("ipc.event_dropped", "id", c.id, "event", event.Name, "error", err)
	}
}

// WriteResponse writes one response line.
func (c *Conn) WriteResponse(resp *protocol.ResponseFrame) error {
	return c.write(resp)
}

func (c *Conn) write(v interface{}) error {
	if c.closed.Load() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// Encode terminates each frame with '\n'.
	if err := c.enc.Encode(v); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}
