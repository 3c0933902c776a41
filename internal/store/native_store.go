package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/chatid"
)

// ErrUnknownGUID is returned by a GUIDIndex when a Query's AfterGUID or
// BeforeGUID names no stored message.
var ErrUnknownGUID = errors.New("unknown message guid")

// Query bounds a GUID index lookup. Zero values mean "unbounded".
type Query struct {
	AfterDate  time.Time
	BeforeDate time.Time
	AfterGUID  string
	BeforeGUID string
	Limit      int
}

// GUIDRef is one row of the lightweight message index.
type GUIDRef struct {
	MessageGUID string `json:"message_guid"`
	ChatID      string `json:"chat_id"`
}

// GUIDIndex resolves message GUIDs without materializing bodies.
// Results are ordered newest first.
type GUIDIndex interface {
	LookupGUIDs(ctx context.Context, chatIDs []string, q Query) ([]GUIDRef, error)
}

// RecordFetcher loads raw records by GUID. Missing GUIDs are absent from the
// result map; that is not an error.
type RecordFetcher interface {
	FetchRecords(ctx context.Context, guids []string) (map[string]RawRecord, error)
}

// Ingester converts raw records of one chat into typed items.
type Ingester interface {
	Ingest(ctx context.Context, records []RawRecord, chatID string, service chatid.Service) ([]Item, error)
}

// ChatSource looks up chats persisted in the native store.
type ChatSource interface {
	// ChatByGUID returns nil, nil when no chat has this composite GUID.
	ChatByGUID(ctx context.Context, guid string) (*ResolvedChat, error)
	// ListChats returns chats with activity at or after since, newest first.
	ListChats(ctx context.Context, since time.Time) ([]ResolvedChat, error)
}

// ChatRepository is the live chat set the resolver depends on.
type ChatRepository interface {
	ChatSource
	// DirectMessageChat fetches or constructs the direct chat with handle.
	// Calling it twice with the same arguments yields the same chat.
	DirectMessageChat(ctx context.Context, handle string, service chatid.Service) (*ResolvedChat, error)
}

// TypingSender toggles the local typing indicator of a chat.
type TypingSender interface {
	SetTyping(ctx context.Context, chatGUID string, typing bool) error
}

// NativeStore is implemented by the database adapters (sqlite, pg).
type NativeStore interface {
	GUIDIndex
	RecordFetcher
	ChatSource
	Close() error
}
