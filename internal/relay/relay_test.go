package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/bus"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

type fakePublisher struct {
	mu     sync.Mutex
	keys   []string
	msgs   []Envelope
	fail   bool
	closed bool
	sent   chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: make(chan struct{}, 16)}
}

func (f *fakePublisher) Publish(_ context.Context, key string, msg Envelope) error {
	defer func() { f.sent <- struct{}{} }()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker unavailable")
	}
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func waitSent(t *testing.T, f *fakePublisher, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.sent:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d publishes", i, n)
		}
	}
}

func TestRelay_ForwardsClientEvents(t *testing.T) {
	pub := newFakePublisher()
	b := bus.New()
	r := New(pub, b, "host-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	b.Broadcast(bus.Event{Name: protocol.EventCacheInvalidate, Payload: bus.CacheInvalidatePayload{Kind: bus.CacheKindItems}})
	b.Broadcast(bus.Event{Name: protocol.EventMessage, Payload: bus.MessagePayload{ChatID: "+1555", GUIDs: []string{"m1"}}})
	b.Broadcast(bus.Event{Name: protocol.EventTyping, Payload: bus.TypingPayload{ChatGUID: "c1", Typing: true}})
	waitSent(t, pub, 2)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	want := []string{"imbridge.message", "imbridge.typing"}
	if len(pub.keys) != len(want) {
		t.Fatalf("keys = %v, want %v", pub.keys, want)
	}
	for i := range want {
		if pub.keys[i] != want[i] {
			t.Errorf("key %d = %q, want %q", i, pub.keys[i], want[i])
		}
	}
	if pub.msgs[0].Source != "host-a" || pub.msgs[0].ID == "" {
		t.Errorf("envelope not stamped: %+v", pub.msgs[0])
	}
	if pub.msgs[0].ID >= pub.msgs[1].ID {
		t.Errorf("ids not ordered: %s then %s", pub.msgs[0].ID, pub.msgs[1].ID)
	}
	if !pub.closed {
		t.Error("publisher not closed after Run")
	}
	if got := r.Stats().Published; got != 2 {
		t.Errorf("published = %d, want 2", got)
	}
}

func TestRelay_CountsFailures(t *testing.T) {
	pub := newFakePublisher()
	pub.fail = true
	b := bus.New()
	r := New(pub, b, "host-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	b.Broadcast(bus.Event{Name: protocol.EventBridgeStatus, Payload: bus.StatusPayload{State: protocol.BridgeStatusConnected}})
	waitSent(t, pub, 1)

	deadline := time.Now().Add(2 * time.Second)
	for r.Stats().Failed != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v, want one failure", r.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelay_DropsWhenQueueFull(t *testing.T) {
	pub := newFakePublisher()
	b := bus.New()
	r := New(pub, b, "host-a")

	// Run is not started, so nothing drains the queue.
	for i := 0; i < queueSize+3; i++ {
		b.Broadcast(bus.Event{Name: protocol.EventMessage})
	}
	if got := r.Stats().Dropped; got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey(protocol.EventBridgeStatus); got != "imbridge.bridge_status" {
		t.Errorf("RoutingKey = %q", got)
	}
}
