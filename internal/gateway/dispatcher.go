package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/imbridge/internal/config"
	"github.com/nextlevelbuilder/imbridge/internal/store"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

const tracerName = "github.com/nextlevelbuilder/imbridge/internal/gateway"

// Caller is the channel a command arrived on. Responses are written back
// through it. Implementations must be safe for concurrent WriteResponse calls.
type Caller interface {
	ID() string
	Authenticated() bool
	SetAuthenticated(bool)
	WriteResponse(*protocol.ResponseFrame) error
}

// Limiter is implemented by callers that throttle their own commands.
type Limiter interface {
	Allow() bool
}

// ChatResolver turns a chat_guid into a live chat. A miss is (nil, false, nil).
type ChatResolver interface {
	Resolve(ctx context.Context, raw string) (*store.ResolvedChat, bool, error)
}

// FeatureFlags reports runtime feature flags.
type FeatureFlags interface {
	Enabled(flag string) bool
}

// Handler executes a command body. The returned value becomes the data of the
// success response. A *protocol.Failure error picks its own strategy; any
// other error is reported as internal_error.
type Handler func(ctx context.Context, req *Request) (interface{}, error)

// Command describes a registered command.
type Command struct {
	Name string
	// RequiresChat resolves data.chat_guid before the handler runs. The
	// handler never runs without a resolved chat when this is set.
	RequiresChat bool
	// Public commands skip the authentication gate (connect, ping).
	Public  bool
	Handler Handler
}

// Request is the per-command context handed to a Handler.
type Request struct {
	Frame  *protocol.RequestFrame
	Caller Caller
	Chat   *store.ResolvedChat // set when the command RequiresChat
}

// Bind decodes the frame data into v. A decode failure is an invalid_request.
func (r *Request) Bind(v interface{}) error {
	if len(r.Frame.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Frame.Data, v); err != nil {
		return protocol.Fail(protocol.ErrInvalidRequest, "malformed data for %s: %v", r.Frame.Command, err)
	}
	return nil
}

type chatTarget struct {
	ChatGUID string `json:"chat_guid"`
}

// Dispatcher runs commands and guarantees each one exactly one terminal
// response on its caller.
type Dispatcher struct {
	resolver ChatResolver
	flags    FeatureFlags
	tracer   trace.Tracer
	sem      *semaphore.Weighted // nil = unbounded

	mu       sync.RWMutex
	commands map[string]*Command

	inflight sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithFlags wires feature flags (log-sensitive-payloads).
func WithFlags(f FeatureFlags) DispatcherOption {
	return func(d *Dispatcher) { d.flags = f }
}

// WithMaxConcurrent bounds the number of commands executing at once.
func WithMaxConcurrent(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func NewDispatcher(resolver ChatResolver, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		resolver: resolver,
		tracer:   otel.Tracer(tracerName),
		commands: make(map[string]*Command),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds or replaces a command.
func (d *Dispatcher) Register(cmd Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := cmd
	d.commands[cmd.Name] = &c
}

// Commands returns the registered command names, sorted.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) lookup(name string) (*Command, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.commands[name]
	return c, ok
}

// Dispatch runs frame in its own goroutine. Cancellation of ctx is not
// propagated: a command whose caller went away runs to completion and its
// response write fails and is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, frame *protocol.RequestFrame) {
	ctx = context.WithoutCancel(ctx)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.Call(ctx, caller, frame)
	}()
}

// Wait blocks until every dispatched command has responded.
func (d *Dispatcher) Wait() { d.inflight.Wait() }

// Call runs frame synchronously and returns the terminal response that was
// written to caller.
func (d *Dispatcher) Call(ctx context.Context, caller Caller, frame *protocol.RequestFrame) (resp *protocol.ResponseFrame) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, frame.Command,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("command", frame.Command),
			attribute.String("request.id", frame.RequestID()),
			attribute.String("caller.id", caller.ID()),
		))
	defer span.End()

	r := &responder{caller: caller, id: frame.ID, command: frame.Command}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("gateway.command_panic", "command", frame.Command, "id", frame.RequestID(),
				"panic", rec, "stack", string(debug.Stack()))
			r.fail(protocol.ErrInternal, fmt.Sprintf("panic in %s", frame.Command))
		}
		r.fail(protocol.ErrInternal, "command produced no response") // no-op when already answered

		resp = r.response()
		if resp.OK() {
			span.SetStatus(codes.Ok, "")
		} else if data, ok := resp.Data.(*protocol.ErrorData); ok {
			span.SetAttributes(attribute.String("error.code", string(data.Code)))
			span.SetStatus(codes.Error, data.Message)
		}
		slog.Debug("gateway.command_done", "command", frame.Command, "id", frame.RequestID(),
			"result", resp.Command, "duration_ms", time.Since(start).Milliseconds())
	}()

	d.run(ctx, span, caller, frame, r)
	return
}

func (d *Dispatcher) run(ctx context.Context, span trace.Span, caller Caller, frame *protocol.RequestFrame, r *responder) {
	// Unauthenticated callers learn nothing about the command set beyond the
	// public commands.
	cmd, ok := d.lookup(frame.Command)
	if !caller.Authenticated() && (!ok || !cmd.Public) {
		r.fail(protocol.ErrUnauthenticated, "connect with a valid token first")
		return
	}
	if !ok {
		r.fail(protocol.ErrUnknownCommand, fmt.Sprintf("unknown command %q", frame.Command))
		return
	}
	if l, ok := caller.(Limiter); ok && !l.Allow() {
		r.fail(protocol.ErrRateLimited, "too many commands, slow down")
		return
	}

	if d.flags != nil && d.flags.Enabled(config.FlagLogSensitivePayloads) {
		slog.Debug("gateway.command", "command", frame.Command, "id", frame.RequestID(), "data", string(frame.Data))
	}

	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			r.fail(protocol.ErrInternal, err.Error())
			return
		}
		defer d.sem.Release(1)
	}

	req := &Request{Frame: frame, Caller: caller}
	if cmd.RequiresChat {
		var target chatTarget
		if err := req.Bind(&target); err != nil {
			r.failErr(err)
			return
		}
		chat, found, err := d.resolveChat(ctx, target.ChatGUID)
		if err != nil {
			slog.Error("gateway.resolve_failed", "command", frame.Command, "error", err)
			r.fail(protocol.ErrInternal, "failed to resolve chat")
			return
		}
		if !found {
			r.fail(protocol.ErrChatNotFound, "no chat matches chat_guid")
			return
		}
		span.SetAttributes(attribute.String("chat.id", chat.ID))
		req.Chat = chat
	}

	result, err := cmd.Handler(ctx, req)
	if err != nil {
		r.failErr(err)
		return
	}
	r.ok(result)
}

func (d *Dispatcher) resolveChat(ctx context.Context, raw string) (*store.ResolvedChat, bool, error) {
	if raw == "" || d.resolver == nil {
		return nil, false, nil
	}
	return d.resolver.Resolve(ctx, raw)
}

// responder writes at most one terminal response.
type responder struct {
	caller  Caller
	id      *int64
	command string

	once sync.Once
	sent *protocol.ResponseFrame
}

func (r *responder) write(resp *protocol.ResponseFrame) {
	r.once.Do(func() {
		r.sent = resp
		if err := r.caller.WriteResponse(resp); err != nil {
			slog.Debug("gateway.response_dropped", "command", r.command, "caller", r.caller.ID(), "error", err)
		}
	})
}

func (r *responder) ok(data interface{}) {
	r.write(protocol.NewOKResponse(r.id, data))
}

func (r *responder) fail(strategy protocol.Strategy, message string) {
	r.write(protocol.NewErrorResponse(r.id, strategy, message))
}

func (r *responder) failErr(err error) {
	var f *protocol.Failure
	if errors.As(err, &f) {
		r.fail(f.Strategy, f.Detail)
		return
	}
	slog.Warn("gateway.command_failed", "command", r.command, "error", err)
	r.fail(protocol.ErrInternal, err.Error())
}

func (r *responder) response() *protocol.ResponseFrame {
	return r.sent
}
