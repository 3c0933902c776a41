// Package chatid parses and classifies composite chat identifiers.
//
// Chat GUIDs follow the native store's composite format:
//
//	{service};{style};{localPart}
//
// Where style is "-" for direct chats and "+" for group chats, and the local
// part is a handle (phone, email, business id) or a group identifier.
//
// Examples:
//
//	iMessage;-;+15555550123
//	SMS;-;+15555550123
//	iMessage;-;jane@example.com
//	iMessage;+;chat123456789012345678
package chatid

import (
	"fmt"
	"strings"
)

// Service identifies the transport a chat lives on.
type Service string

const (
	ServiceIMessage Service = "iMessage"
	ServiceSMS      Service = "SMS"
)

// ParseService maps a service tag onto a Service. Anything that is not the
// primary service tag is treated as SMS.
func ParseService(tag string) Service {
	if tag == string(ServiceIMessage) {
		return ServiceIMessage
	}
	return ServiceSMS
}

// Style separators in the composite identifier.
const (
	StyleGroup  = "+"
	StyleDirect = "-"
)

// Identifier is a parsed composite chat identifier.
type Identifier struct {
	Service   Service
	Style     string
	LocalPart string
}

// IsGroup reports whether the identifier names a group chat.
func (id Identifier) IsGroup() bool { return id.Style == StyleGroup }

// String rebuilds the composite form.
func (id Identifier) String() string {
	return Build(id.Service, id.Style, id.LocalPart)
}

// Build assembles a composite chat identifier.
func Build(service Service, style, localPart string) string {
	return fmt.Sprintf("%s;%s;%s", service, style, localPart)
}

// DirectGUID builds the composite identifier of a direct chat with handle.
func DirectGUID(service Service, handle string) string {
	return Build(service, StyleDirect, handle)
}

// Parse splits raw on the first two ";" separators. The remainder, which may
// itself contain ";", is the local part. Returns false when raw does not have
// three parts or the local part is empty.
func Parse(raw string) (Identifier, bool) {
	parts := strings.SplitN(raw, ";", 3)
	if len(parts) < 3 || parts[2] == "" {
		return Identifier{}, false
	}
	return Identifier{
		Service:   ParseService(parts[0]),
		Style:     parts[1],
		LocalPart: parts[2],
	}, true
}
