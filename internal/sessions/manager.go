package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/imbridge/internal/bus"
	"github.com/nextlevelbuilder/imbridge/internal/chatid"
	"github.com/nextlevelbuilder/imbridge/internal/store"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

// Session is a direct chat the bridge constructed because the native store
// had none for the handle yet.
type Session struct {
	Chat       store.ResolvedChat `json:"chat"`
	Created    time.Time          `json:"created"`
	TypingGUID string             `json:"typing_guid,omitempty"` // set while the typing indicator is on
}

// Manager is the live chat set: chats persisted in the native store, plus
// direct chats constructed on demand. It implements store.ChatRepository and
// store.TypingSender.
type Manager struct {
	source store.ChatSource
	events bus.EventPublisher // nil = no typing events

	sessions map[string]*Session // key: DirectKey
	mu       sync.RWMutex
}

func NewManager(source store.ChatSource, events bus.EventPublisher) *Manager {
	return &Manager{
		source:   source,
		events:   events,
		sessions: make(map[string]*Session),
	}
}

// ChatByGUID returns the persisted chat with guid, or a constructed direct
// chat with that GUID. Returns nil, nil when neither exists.
func (m *Manager) ChatByGUID(ctx context.Context, guid string) (*store.ResolvedChat, error) {
	chat, err := m.source.ChatByGUID(ctx, guid)
	if err != nil || chat != nil {
		return chat, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[guid]; ok {
		c := s.Chat
		return &c, nil
	}
	return nil, nil
}

// ListChats returns persisted chats active since the given time. Constructed
// chats have no activity yet and are only listed when since is zero.
func (m *Manager) ListChats(ctx context.Context, since time.Time) ([]store.ResolvedChat, error) {
	chats, err := m.source.ListChats(ctx, since)
	if err != nil {
		return nil, err
	}
	if !since.IsZero() {
		return chats, nil
	}

	known := make(map[string]bool, len(chats))
	for _, c := range chats {
		known[c.GUID] = true
	}
	for _, s := range m.List() {
		if !known[s.Chat.GUID] {
			chats = append(chats, s.Chat)
		}
	}
	return chats, nil
}

// DirectMessageChat returns the direct chat with handle on service, creating
// a session for it when the native store has none.
func (m *Manager) DirectMessageChat(ctx context.Context, handle string, service chatid.Service) (*store.ResolvedChat, error) {
	key := DirectKey(service, handle)

	chat, err := m.source.ChatByGUID(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup direct chat: %w", err)
	}
	if chat != nil {
		return chat, nil
	}

	s := m.GetOrCreate(key, service, NormalizeHandle(handle))
	c := s.Chat
	return &c, nil
}

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(key string, service chatid.Service, handle string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s
	}

	s := &Session{
		Chat: store.ResolvedChat{
			ID:           handle,
			GUID:         key,
			Service:      service,
			Participants: []string{handle},
		},
		Created: time.Now(),
	}
	m.sessions[key] = s
	slog.Debug("sessions.created", "chat", key)
	return s
}

// SetTyping toggles the typing indicator of chatGUID. Each typing run gets its
// own GUID so stop events can be matched to their start.
func (m *Manager) SetTyping(ctx context.Context, chatGUID string, typing bool) error {
	key := chatGUID
	if id, ok := chatid.Parse(chatGUID); ok && !id.IsGroup() {
		key = DirectKey(id.Service, id.LocalPart)
	}

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = &Session{Chat: store.ResolvedChat{GUID: chatGUID}, Created: time.Now()}
		if id, parsed := chatid.Parse(chatGUID); parsed {
			s.Chat.ID = id.LocalPart
			s.Chat.Service = id.Service
			s.Chat.IsGroup = id.IsGroup()
		}
		m.sessions[key] = s
	}
	typingGUID := s.TypingGUID
	changed := false
	switch {
	case typing && typingGUID == "":
		typingGUID = uuid.NewString()
		s.TypingGUID = typingGUID
		changed = true
	case !typing && typingGUID != "":
		s.TypingGUID = ""
		changed = true
	}
	m.mu.Unlock()

	if changed && m.events != nil {
		m.events.Broadcast(bus.Event{
			Name: protocol.EventTyping,
			Payload: bus.TypingPayload{
				ChatGUID:   chatGUID,
				TypingGUID: typingGUID,
				Typing:     typing,
			},
		})
	}
	return nil
}

// Typing returns the active typing GUID of chatGUID, if any.
func (m *Manager) Typing(chatGUID string) (string, bool) {
	key := chatGUID
	if id, ok := chatid.Parse(chatGUID); ok && !id.IsGroup() {
		key = DirectKey(id.Service, id.LocalPart)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok && s.TypingGUID != "" {
		return s.TypingGUID, true
	}
	return "", false
}

// List returns a snapshot of the constructed direct chats, oldest first.
// Sessions created only to track typing on persisted chats are skipped.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Chat.ID == "" || len(s.Chat.Participants) == 0 {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}
