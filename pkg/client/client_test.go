package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/bus"
	"github.com/nextlevelbuilder/imbridge/internal/config"
	"github.com/nextlevelbuilder/imbridge/internal/gateway"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

const token = "s3cret"

func startBridge(t *testing.T) (string, *bus.MessageBus) {
	t.Helper()
	auth := gateway.NewAuthenticator(token)
	d := gateway.NewDispatcher(nil)
	d.Register(gateway.Command{Name: protocol.CommandConnect, Public: true, Handler: func(_ context.Context, req *gateway.Request) (interface{}, error) {
		var p struct {
			Token string `json:"token"`
		}
		if err := req.Bind(&p); err != nil {
			return nil, err
		}
		if !auth.Verify(p.Token) {
			return nil, protocol.Fail(protocol.ErrUnauthenticated, "invalid token")
		}
		req.Caller.SetAuthenticated(true)
		return map[string]int{"protocol": protocol.ProtocolVersion}, nil
	}})
	d.Register(gateway.Command{Name: "slow_echo", Handler: func(_ context.Context, req *gateway.Request) (interface{}, error) {
		var p struct {
			N     int `json:"n"`
			Delay int `json:"delay_ms"`
		}
		if err := req.Bind(&p); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(p.Delay) * time.Millisecond)
		return p, nil
	}})

	msgBus := bus.New()
	srv := gateway.NewServer(config.Default(), msgBus, d, auth)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := gateway.StartTestServer(srv, ctx)
	go start()
	return "ws://" + addr + "/ws", msgBus
}

func dial(t *testing.T, url, tok string) (*Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var (
		c   *Client
		err error
	)
	for i := 0; i < 50; i++ {
		c, err = Dial(ctx, url, tok)
		if err == nil || errors.As(err, new(*CallError)) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if c != nil {
		t.Cleanup(func() { c.Close() })
	}
	return c, err
}

func TestClient_ConcurrentCallsMatchedByID(t *testing.T) {
	url, _ := startBridge(t)
	c, err := dial(t, url, token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Later calls answer first.
			data, err := c.Call(ctx, "slow_echo", map[string]int{"n": n, "delay_ms": (20 - n) * 5})
			if err != nil {
				t.Errorf("call %d: %v", n, err)
				return
			}
			var got struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(data, &got); err != nil || got.N != n {
				t.Errorf("call %d got %s", n, data)
			}
		}(i)
	}
	wg.Wait()
}

func TestClient_BadToken(t *testing.T) {
	url, _ := startBridge(t)
	_, err := dial(t, url, "wrong")

	var ce *CallError
	if !errors.As(err, &ce) || ce.Code != protocol.ErrUnauthenticated {
		t.Fatalf("err = %v, want unauthenticated CallError", err)
	}
}

func TestClient_Events(t *testing.T) {
	url, msgBus := startBridge(t)
	c, err := dial(t, url, token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	msgBus.Broadcast(bus.Event{Name: protocol.EventTyping, Payload: bus.TypingPayload{ChatGUID: "c", Typing: true}})

	select {
	case ev := <-c.Events():
		if ev.Name != protocol.EventTyping {
			t.Errorf("event = %s", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}
