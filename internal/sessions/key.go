// Package sessions owns the live chat set and its direct chat keys.
//
// Direct chats constructed by the bridge are keyed by their composite GUID:
//
//	{service};-;{handle}
//
// Handles are normalized first so that different spellings of the same
// address map to one chat:
//
//	+1 (555) 555-0123   -> +15555550123
//	Jane@Example.COM    -> jane@example.com
//	urn:biz:ABC-123     -> urn:biz:abc-123
package sessions

import (
	"strings"

	"github.com/nextlevelbuilder/imbridge/internal/chatid"
)

// NormalizeHandle canonicalizes a phone, email or business handle. Other
// handles are only trimmed.
func NormalizeHandle(handle string) string {
	h := strings.TrimSpace(handle)
	switch chatid.Classify(h) {
	case chatid.KindPhone:
		var b strings.Builder
		b.Grow(len(h))
		for i, r := range h {
			if (r >= '0' && r <= '9') || (r == '+' && i == 0) {
				b.WriteRune(r)
			}
		}
		return b.String()
	case chatid.KindEmail, chatid.KindBusiness:
		return strings.ToLower(h)
	}
	return h
}

// DirectKey builds the registry key of the direct chat with handle.
func DirectKey(service chatid.Service, handle string) string {
	return chatid.DirectGUID(service, NormalizeHandle(handle))
}
