package chatid

import (
	"regexp"
	"strings"
)

// Kind is the classification of a chat local part.
type Kind int

const (
	KindUnknown Kind = iota
	KindPhone
	KindEmail
	KindBusiness
)

func (k Kind) String() string {
	switch k {
	case KindPhone:
		return "phone"
	case KindEmail:
		return "email"
	case KindBusiness:
		return "business"
	default:
		return "unknown"
	}
}

// Resolvable reports whether a direct chat can be constructed for this kind.
func (k Kind) Resolvable() bool { return k != KindUnknown }

var (
	// Loose E.164-ish check: optional "+", then digits with common separators.
	phonePattern    = regexp.MustCompile(`^\+?[0-9(][0-9 ().\-]{2,}$`)
	emailPattern    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	businessPattern = regexp.MustCompile(`^urn:biz:[0-9a-fA-F\-]+$`)
)

// minPhoneDigits rejects short codes that are not addressable handles.
const minPhoneDigits = 3

// Classify returns the kind of the local part of a chat identifier.
func Classify(localPart string) Kind {
	s := strings.TrimSpace(localPart)
	switch {
	case s == "":
		return KindUnknown
	case businessPattern.MatchString(s):
		return KindBusiness
	case emailPattern.MatchString(s):
		return KindEmail
	case phonePattern.MatchString(s) && countDigits(s) >= minPhoneDigits:
		return KindPhone
	}
	return KindUnknown
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
