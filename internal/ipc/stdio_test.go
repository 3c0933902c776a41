package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/bus"
	"github.com/nextlevelbuilder/imbridge/internal/gateway"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

// syncBuffer collects output lines written by the Conn.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) frames(t *testing.T) []map[string]interface{} {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]interface{}
	sc := bufio.NewScanner(strings.NewReader(b.buf.String()))
	for sc.Scan() {
		var m map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("output line is not JSON: %q", sc.Text())
		}
		out = append(out, m)
	}
	return out
}

func newDispatcher() *gateway.Dispatcher {
	d := gateway.NewDispatcher(nil)
	d.Register(gateway.Command{Name: "echo", Handler: func(_ context.Context, req *gateway.Request) (interface{}, error) {
		var p map[string]interface{}
		if err := req.Bind(&p); err != nil {
			return nil, err
		}
		return p, nil
	}})
	return d
}

func TestConn_ServesUntilEOF(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		`{"command":"echo","id":1,"data":{"v":"a"}}`,
		``,
		`not json`,
		`{"command":"missing","id":3}`,
		`{"command":"echo","id":4,"data":{"v":"b"}}`,
	}, "\n"))
	out := &syncBuffer{}

	c := NewConn(in, out, newDispatcher(), nil)
	if !c.Authenticated() {
		t.Fatal("stdio peer should start authenticated")
	}
	if err := c.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}

	byID := map[float64]map[string]interface{}{}
	var malformed int
	for _, f := range out.frames(t) {
		id, ok := f["id"].(float64)
		if !ok {
			malformed++
			continue
		}
		byID[id] = f
	}
	if malformed != 1 {
		t.Errorf("malformed responses = %d, want 1", malformed)
	}
	if len(byID) != 3 {
		t.Fatalf("responses = %v, want ids 1, 3 and 4", byID)
	}
	if byID[1]["command"] != protocol.CommandResponse || byID[4]["command"] != protocol.CommandResponse {
		t.Errorf("echo responses = %v / %v", byID[1], byID[4])
	}
	data := byID[3]["data"].(map[string]interface{})
	if byID[3]["command"] != protocol.CommandError || data["code"] != string(protocol.ErrUnknownCommand) {
		t.Errorf("unknown command response = %v", byID[3])
	}
}

func TestConn_ForwardsEvents(t *testing.T) {
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	events := bus.New()

	c := NewConn(pr, out, newDispatcher(), events)
	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	// A round trip guarantees the subscription is in place.
	pw.Write([]byte(`{"command":"echo","id":1}` + "\n"))
	deadline := time.Now().Add(2 * time.Second)
	for len(out.frames(t)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	events.Broadcast(bus.Event{Name: protocol.EventCacheInvalidate, Payload: bus.CacheInvalidatePayload{Kind: bus.CacheKindItems}})
	events.Broadcast(bus.Event{Name: protocol.EventTyping, Payload: bus.TypingPayload{ChatGUID: "c", Typing: true}})
	pw.Close()

	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}

	var names []string
	for _, f := range out.frames(t) {
		names = append(names, f["command"].(string))
	}
	want := []string{protocol.CommandResponse, protocol.EventTyping}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("frames = %v, want %v", names, want)
	}
}

func TestConn_StopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	c := NewConn(pr, &syncBuffer{}, newDispatcher(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	if err := c.WriteResponse(protocol.NewOKResponse(nil, nil)); err == nil {
		t.Error("write after close should fail")
	}
}
