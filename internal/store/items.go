package store

import (
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/chatid"
)

// ResolvedChat is a live chat handle, borrowed for the duration of one command.
type ResolvedChat struct {
	ID            string         `json:"chat_id"` // chat identifier (handle or group id)
	GUID          string         `json:"chat_guid"`
	Service       chatid.Service `json:"service"`
	IsGroup       bool           `json:"is_group"`
	DisplayName   string         `json:"display_name,omitempty"`
	Participants  []string       `json:"participants,omitempty"`
	LastMessageAt time.Time      `json:"last_message_at,omitzero"`
}

// HasMessagesAfter reports whether the chat may hold messages newer than t.
// Chats with no known last message are assumed to.
func (c *ResolvedChat) HasMessagesAfter(t time.Time) bool {
	if c.LastMessageAt.IsZero() {
		return true
	}
	return !c.LastMessageAt.Before(t)
}

// ItemKind discriminates materialized chat items.
type ItemKind string

const (
	ItemMessage    ItemKind = "message"
	ItemAttachment ItemKind = "attachment"
	ItemTapback    ItemKind = "tapback"
	ItemEvent      ItemKind = "event"
)

// Attachment is a file transfer referenced by a message.
type Attachment struct {
	GUID     string `json:"guid"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Path     string `json:"path,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Item is a materialized chat item. Immutable once built.
type Item struct {
	GUID           string         `json:"guid"`
	ChatID         string         `json:"chat_id"`
	Service        chatid.Service `json:"service"`
	Kind           ItemKind       `json:"kind"`
	Time           time.Time      `json:"time"`
	Sender         string         `json:"sender,omitempty"`
	IsFromMe       bool           `json:"is_from_me"`
	Text           string         `json:"text,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	AssociatedGUID string         `json:"associated_guid,omitempty"`
	TapbackType    int            `json:"tapback_type,omitempty"`
	Spam           bool           `json:"-"` // flagged by the native store; filtered by the loader
}

// ItemGUID is the cache key function for items.
func ItemGUID(it Item) string { return it.GUID }

// RawRecord is an undecoded message row from the native store.
type RawRecord struct {
	ROWID          int64
	GUID           string
	ChatID         string
	Service        string
	Date           time.Time
	Sender         string
	IsFromMe       bool
	ItemType       int
	AssociatedGUID string
	AssociatedType int
	Text           string
	Subject        string
	IsSpam         bool
	Payload        []byte // JSON: {"attachments":[...]}
}
