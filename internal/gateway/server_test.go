package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nextlevelbuilder/imbridge/internal/bus"
	"github.com/nextlevelbuilder/imbridge/internal/config"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

type wireResponse struct {
	Command string          `json:"command"`
	ID      *int64          `json:"id"`
	Data    json.RawMessage `json:"data"`
}

func startServer(t *testing.T, token string) (string, *bus.MessageBus) {
	t.Helper()
	cfg := config.Default()
	auth := NewAuthenticator(token)

	d := NewDispatcher(nil)
	d.Register(Command{Name: "login", Public: true, Handler: func(_ context.Context, req *Request) (interface{}, error) {
		var p struct {
			Token string `json:"token"`
		}
		req.Bind(&p)
		if !auth.Verify(p.Token) {
			return nil, protocol.Fail(protocol.ErrUnauthenticated, "bad token")
		}
		req.Caller.SetAuthenticated(true)
		return map[string]bool{"ok": true}, nil
	}})
	d.Register(Command{Name: "echo", Handler: func(_ context.Context, req *Request) (interface{}, error) {
		return json.RawMessage(req.Frame.Data), nil
	}})

	msgBus := bus.New()
	srv := NewServer(cfg, msgBus, d, auth)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(srv, ctx)
	go start()
	return addr, msgBus
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var (
		conn *websocket.Conn
		err  error
	)
	for i := 0; i < 50; i++ {
		conn, _, err = websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
		if err == nil {
			t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("dial: %v", err)
	return nil
}

func roundTrip(t *testing.T, conn *websocket.Conn, req protocol.RequestFrame) wireResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp wireResponse
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestServer_AuthFlow(t *testing.T) {
	addr, _ := startServer(t, "s3cret")
	conn := dial(t, addr)

	resp := roundTrip(t, conn, protocol.RequestFrame{Command: "echo", ID: protocol.Int64(1), Data: json.RawMessage(`{"a":1}`)})
	if resp.Command != protocol.CommandError || !json.Valid(resp.Data) {
		t.Fatalf("expected error before login, got %+v", resp)
	}
	var failure protocol.ErrorData
	json.Unmarshal(resp.Data, &failure)
	if failure.Code != protocol.ErrUnauthenticated {
		t.Errorf("code = %s", failure.Code)
	}

	resp = roundTrip(t, conn, protocol.RequestFrame{Command: "login", ID: protocol.Int64(2), Data: json.RawMessage(`{"token":"wrong"}`)})
	if resp.Command != protocol.CommandError {
		t.Errorf("wrong token accepted: %+v", resp)
	}

	resp = roundTrip(t, conn, protocol.RequestFrame{Command: "login", ID: protocol.Int64(3), Data: json.RawMessage(`{"token":"s3cret"}`)})
	if resp.Command != protocol.CommandResponse || *resp.ID != 3 {
		t.Fatalf("login failed: %+v", resp)
	}

	resp = roundTrip(t, conn, protocol.RequestFrame{Command: "echo", ID: protocol.Int64(4), Data: json.RawMessage(`{"a":1}`)})
	if resp.Command != protocol.CommandResponse || string(resp.Data) != `{"a":1}` {
		t.Errorf("echo = %+v", resp)
	}
}

func TestServer_MalformedFrame(t *testing.T) {
	addr, _ := startServer(t, "")
	conn := dial(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn.Write(ctx, websocket.MessageText, []byte(`{not json`))

	var resp wireResponse
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Command != protocol.CommandError {
		t.Errorf("expected error frame, got %+v", resp)
	}
}

func TestServer_ForwardsBusEvents(t *testing.T) {
	addr, msgBus := startServer(t, "")
	conn := dial(t, addr)

	// The subscription is registered right after the upgrade; a round trip
	// guarantees it is in place.
	roundTrip(t, conn, protocol.RequestFrame{Command: "echo", ID: protocol.Int64(1)})

	msgBus.Broadcast(bus.Event{Name: protocol.EventCacheInvalidate, Payload: bus.CacheInvalidatePayload{Kind: bus.CacheKindItems}})
	msgBus.Broadcast(bus.Event{Name: protocol.EventTyping, Payload: bus.TypingPayload{ChatGUID: "iMessage;-;x", Typing: true}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev struct {
		Command string          `json:"command"`
		Data    json.RawMessage `json:"data"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Command != protocol.EventTyping {
		t.Errorf("first forwarded event = %q, want typing (cache events stay internal)", ev.Command)
	}
}

func TestServer_Health(t *testing.T) {
	addr, _ := startServer(t, "")
	dial(t, addr) // wait for the listener

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" || body["protocol"] != float64(protocol.ProtocolVersion) {
		t.Errorf("health = %v", body)
	}
}
