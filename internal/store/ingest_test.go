package store

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/chatid"
)

func TestAppleTimeRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC)
	if got := FromAppleTime(ToAppleTime(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
	if !FromAppleTime(0).IsZero() {
		t.Error("zero native time should map to zero time")
	}
	if ToAppleTime(time.Time{}) != 0 {
		t.Error("zero time should map to 0")
	}
}

func TestDefaultIngester_Kinds(t *testing.T) {
	records := []RawRecord{
		{GUID: "m1", Text: "hello"},
		{GUID: "m2", Payload: []byte(`{"attachments":[{"guid":"a1","mime_type":"image/jpeg"}]}`)},
		{GUID: "m3", AssociatedGUID: "p:0/m1", AssociatedType: 2001},
		{GUID: "m4", ItemType: 1},
	}

	items, err := DefaultIngester{}.Ingest(context.Background(), records, "+1555", chatid.ServiceIMessage)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	want := []ItemKind{ItemMessage, ItemAttachment, ItemTapback, ItemEvent}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, it := range items {
		if it.Kind != want[i] {
			t.Errorf("item %d kind = %s, want %s", i, it.Kind, want[i])
		}
		if it.ChatID != "+1555" || it.Service != chatid.ServiceIMessage {
			t.Errorf("item %d not tagged with chat/service: %+v", i, it)
		}
	}
	if items[1].Attachments[0].GUID != "a1" {
		t.Errorf("attachment not decoded: %+v", items[1].Attachments)
	}
	if items[2].AssociatedGUID != "p:0/m1" {
		t.Errorf("tapback target = %q", items[2].AssociatedGUID)
	}
}

func TestDefaultIngester_BadPayloadFailsChat(t *testing.T) {
	records := []RawRecord{
		{GUID: "ok", Text: "fine"},
		{GUID: "bad", Payload: []byte(`{not json`)},
	}
	if _, err := (DefaultIngester{}).Ingest(context.Background(), records, "c", chatid.ServiceSMS); err == nil {
		t.Fatal("expected error for undecodable payload")
	}
}

func TestDefaultIngester_MarksSpam(t *testing.T) {
	records := []RawRecord{
		{GUID: "a", Text: "hi"},
		{GUID: "b", Text: "win a prize", IsSpam: true},
	}

	items, err := DefaultIngester{}.Ingest(context.Background(), records, "c", chatid.ServiceSMS)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(items) != 2 || items[0].Spam || !items[1].Spam {
		t.Errorf("spam not marked: %+v", items)
	}
}

func TestResolvedChat_HasMessagesAfter(t *testing.T) {
	now := time.Now()
	c := &ResolvedChat{}
	if !c.HasMessagesAfter(now) {
		t.Error("unknown last message should not short-circuit")
	}
	c.LastMessageAt = now.Add(-time.Second)
	if c.HasMessagesAfter(now) {
		t.Error("last message before t should report false")
	}
	c.LastMessageAt = now
	if !c.HasMessagesAfter(now) {
		t.Error("last message at t should report true")
	}
}
