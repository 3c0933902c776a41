package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/chatid"
	"github.com/nextlevelbuilder/imbridge/internal/sessions"
	"github.com/nextlevelbuilder/imbridge/internal/store"
)

type fakeSource struct {
	chats map[string]store.ResolvedChat
	err   error
	calls atomic.Int64
}

func (f *fakeSource) ChatByGUID(_ context.Context, guid string) (*store.ResolvedChat, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.chats[guid]; ok {
		return &c, nil
	}
	return nil, nil
}

func (f *fakeSource) ListChats(context.Context, time.Time) ([]store.ResolvedChat, error) {
	return nil, nil
}

func TestResolve(t *testing.T) {
	group := store.ResolvedChat{ID: "chat123", GUID: "iMessage;+;chat123", Service: chatid.ServiceIMessage, IsGroup: true}
	src := &fakeSource{chats: map[string]store.ResolvedChat{group.GUID: group}}
	r := New(sessions.NewManager(src, nil))

	tests := []struct {
		name    string
		raw     string
		found   bool
		id      string
		service chatid.Service
	}{
		{"existing group", "iMessage;+;chat123", true, "chat123", chatid.ServiceIMessage},
		{"new phone dm", "iMessage;-;+15555550123", true, "+15555550123", chatid.ServiceIMessage},
		{"new email dm on sms", "SMS;-;jane@example.com", true, "jane@example.com", chatid.ServiceSMS},
		{"unknown service falls back to sms", "RCS;-;+15555550123", true, "+15555550123", chatid.ServiceSMS},
		{"business dm", "iMessage;-;urn:biz:1234-abcd", true, "urn:biz:1234-abcd", chatid.ServiceIMessage},
		{"unknown group id is a miss", "iMessage;+;chat999", false, "", ""},
		{"garbage local part", "iMessage;-;hello world", false, "", ""},
		{"unparsable", "not-a-guid", false, "", ""},
		{"empty", "", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat, ok, err := r.Resolve(context.Background(), tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.found {
				t.Fatalf("found = %v, want %v", ok, tt.found)
			}
			if !ok {
				if chat != nil {
					t.Errorf("miss returned chat %+v", chat)
				}
				return
			}
			if chat.ID != tt.id || chat.Service != tt.service {
				t.Errorf("chat = %+v, want id %q service %q", chat, tt.id, tt.service)
			}
		})
	}
}

func TestResolve_Idempotent(t *testing.T) {
	r := New(sessions.NewManager(&fakeSource{}, nil))
	ctx := context.Background()

	a, _, _ := r.Resolve(ctx, "iMessage;-;+15555550123")
	b, _, _ := r.Resolve(ctx, "iMessage;-;+1 (555) 555-0123")
	c, _, _ := r.Resolve(ctx, "iMessage;-;+15555550123")

	if a == nil || b == nil || c == nil {
		t.Fatal("resolution missed")
	}
	if a.ID != b.ID || a.ID != c.ID || a.GUID != c.GUID {
		t.Errorf("ids differ: %q %q %q", a.ID, b.ID, c.ID)
	}
}

type countingRepo struct {
	*sessions.Manager
	created atomic.Int64
}

func (c *countingRepo) DirectMessageChat(ctx context.Context, handle string, service chatid.Service) (*store.ResolvedChat, error) {
	c.created.Add(1)
	time.Sleep(5 * time.Millisecond)
	return c.Manager.DirectMessageChat(ctx, handle, service)
}

func TestResolve_ConcurrentSameIdentifier(t *testing.T) {
	repo := &countingRepo{Manager: sessions.NewManager(&fakeSource{}, nil)}
	r := New(repo)

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chat, ok, err := r.Resolve(context.Background(), "SMS;-;+15555550100")
			if err != nil || !ok {
				t.Errorf("resolve: %v %v", ok, err)
				return
			}
			ids[i] = chat.GUID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got %q, caller 0 got %q", i, ids[i], ids[0])
		}
	}
	if got := repo.created.Load(); got >= n {
		t.Errorf("construction not collapsed: %d calls for %d callers", got, n)
	}
}

func TestResolve_RepositoryError(t *testing.T) {
	src := &fakeSource{err: errors.New("db closed")}
	r := New(sessions.NewManager(src, nil))

	_, ok, err := r.Resolve(context.Background(), "iMessage;-;+15555550123")
	if err == nil || ok {
		t.Fatalf("expected repository error, got ok=%v err=%v", ok, err)
	}
}

func TestExplain(t *testing.T) {
	r := New(sessions.NewManager(&fakeSource{}, nil))
	res, err := r.Explain(context.Background(), "iMessage;-;jane@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != "email" || res.Existing || res.Chat == nil {
		t.Errorf("explain = %+v", res)
	}
	if res.Identifier.Style != chatid.StyleDirect {
		t.Errorf("style = %q", res.Identifier.Style)
	}
}
