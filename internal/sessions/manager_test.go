package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/bus"
	"github.com/nextlevelbuilder/imbridge/internal/chatid"
	"github.com/nextlevelbuilder/imbridge/internal/store"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

type memSource struct {
	chats []store.ResolvedChat
}

func (m *memSource) ChatByGUID(_ context.Context, guid string) (*store.ResolvedChat, error) {
	for _, c := range m.chats {
		if c.GUID == guid {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memSource) ListChats(_ context.Context, since time.Time) ([]store.ResolvedChat, error) {
	var out []store.ResolvedChat
	for _, c := range m.chats {
		if since.IsZero() || !c.LastMessageAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestNormalizeHandle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+1 (555) 555-0123", "+15555550123"},
		{" 555.555.0123 ", "5555550123"},
		{"Jane@Example.COM", "jane@example.com"},
		{"urn:biz:ABC-123", "urn:biz:abc-123"},
		{"chat123", "chat123"},
	}
	for _, tt := range tests {
		if got := NormalizeHandle(tt.in); got != tt.want {
			t.Errorf("NormalizeHandle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDirectMessageChat_PrefersPersisted(t *testing.T) {
	persisted := store.ResolvedChat{ID: "+15555550123", GUID: "iMessage;-;+15555550123", Service: chatid.ServiceIMessage, DisplayName: "Jane"}
	m := NewManager(&memSource{chats: []store.ResolvedChat{persisted}}, nil)

	chat, err := m.DirectMessageChat(context.Background(), "+1 555 555 0123", chatid.ServiceIMessage)
	if err != nil {
		t.Fatal(err)
	}
	if chat.DisplayName != "Jane" {
		t.Errorf("expected persisted chat, got %+v", chat)
	}
	if len(m.List()) != 0 {
		t.Error("session created although the store had the chat")
	}
}

func TestDirectMessageChat_CreatesOnce(t *testing.T) {
	m := NewManager(&memSource{}, nil)
	ctx := context.Background()

	a, _ := m.DirectMessageChat(ctx, "+15555550123", chatid.ServiceSMS)
	b, _ := m.DirectMessageChat(ctx, "+1 (555) 555-0123", chatid.ServiceSMS)
	if a.GUID != b.GUID || a.GUID != "SMS;-;+15555550123" {
		t.Errorf("guids %q / %q", a.GUID, b.GUID)
	}
	if n := len(m.List()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}

	got, _ := m.ChatByGUID(ctx, "SMS;-;+15555550123")
	if got == nil || got.ID != "+15555550123" {
		t.Errorf("constructed chat not found by guid: %+v", got)
	}

	all, _ := m.ListChats(ctx, time.Time{})
	if len(all) != 1 {
		t.Errorf("ListChats(zero) = %d chats, want 1", len(all))
	}
	recent, _ := m.ListChats(ctx, time.Now())
	if len(recent) != 0 {
		t.Errorf("constructed chat listed with a since bound")
	}
}

func TestSetTyping_PublishesOnChange(t *testing.T) {
	b := bus.New()
	var events []bus.TypingPayload
	b.Subscribe("test", func(e bus.Event) {
		if e.Name == protocol.EventTyping {
			events = append(events, e.Payload.(bus.TypingPayload))
		}
	})
	m := NewManager(&memSource{}, b)
	ctx := context.Background()
	const chat = "iMessage;-;+15555550123"

	m.SetTyping(ctx, chat, true)
	m.SetTyping(ctx, chat, true) // already typing
	guid, ok := m.Typing(chat)
	if !ok || guid == "" {
		t.Fatal("typing guid not tracked")
	}
	m.SetTyping(ctx, chat, false)
	m.SetTyping(ctx, chat, false)

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if !events[0].Typing || events[1].Typing {
		t.Errorf("event order wrong: %+v", events)
	}
	if events[0].TypingGUID != guid || events[1].TypingGUID != guid {
		t.Errorf("stop event not matched to start: %+v", events)
	}
	if _, ok := m.Typing(chat); ok {
		t.Error("typing still active after stop")
	}
}
