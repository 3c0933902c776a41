package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/chatid"
)

// Associated message types in the 2000-3005 range are tapbacks (add/remove).
const (
	tapbackMin = 2000
	tapbackMax = 3005
)

// appleEpoch is the reference date of native store timestamps (2001-01-01 UTC).
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// FromAppleTime converts a native timestamp (nanoseconds since 2001) to time.Time.
func FromAppleTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return appleEpoch.Add(time.Duration(ns)).UTC()
}

// ToAppleTime converts t into a native timestamp.
func ToAppleTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return int64(t.Sub(appleEpoch))
}

type recordPayload struct {
	Attachments []Attachment `json:"attachments"`
}

// DefaultIngester turns RawRecords into Items. Spam records are kept and
// marked, so the cache remembers them.
type DefaultIngester struct{}

// Ingest converts records for one chat, preserving their order. A record
// whose payload cannot be decoded fails the whole chat.
func (d DefaultIngester) Ingest(ctx context.Context, records []RawRecord, chatID string, service chatid.Service) ([]Item, error) {
	items := make([]Item, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it, err := ingestRecord(rec, chatID, service)
		if err != nil {
			return nil, fmt.Errorf("ingest %s: %w", rec.GUID, err)
		}
		items = append(items, it)
	}
	return items, nil
}

func ingestRecord(rec RawRecord, chatID string, service chatid.Service) (Item, error) {
	it := Item{
		GUID:     rec.GUID,
		ChatID:   chatID,
		Service:  service,
		Time:     rec.Date,
		Sender:   rec.Sender,
		IsFromMe: rec.IsFromMe,
		Text:     rec.Text,
		Subject:  rec.Subject,
		Spam:     rec.IsSpam,
	}

	if len(rec.Payload) > 0 {
		var p recordPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return Item{}, fmt.Errorf("decode payload: %w", err)
		}
		it.Attachments = p.Attachments
	}

	switch {
	case rec.AssociatedType >= tapbackMin && rec.AssociatedType <= tapbackMax:
		it.Kind = ItemTapback
		it.AssociatedGUID = rec.AssociatedGUID
		it.TapbackType = rec.AssociatedType
	case rec.ItemType != 0:
		it.Kind = ItemEvent
	case rec.Text == "" && len(it.Attachments) > 0:
		it.Kind = ItemAttachment
	default:
		it.Kind = ItemMessage
	}
	return it, nil
}
