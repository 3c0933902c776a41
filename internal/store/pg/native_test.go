package pg

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/imbridge/internal/store"
)

func TestLookupSQL(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		q        store.Query
		contains []string
		args     int
	}{
		{name: "unbounded", args: 1},
		{name: "limit", q: store.Query{Limit: 5}, contains: []string{"LIMIT $2"}, args: 2},
		{name: "after date and limit", q: store.Query{AfterDate: at, Limit: 5}, contains: []string{"m.date > $2", "LIMIT $3"}, args: 3},
		{name: "guid bounds", q: store.Query{AfterGUID: "a", BeforeGUID: "b"}, contains: []string{"guid = $2", "guid = $3"}, args: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := lookupSQL([]string{"c1"}, tt.q)
			if len(args) != tt.args {
				t.Errorf("args = %d, want %d", len(args), tt.args)
			}
			if !strings.Contains(query, "ORDER BY m.date DESC") {
				t.Errorf("query not ordered newest first: %s", query)
			}
			for _, c := range tt.contains {
				if !strings.Contains(query, c) {
					t.Errorf("query missing %q: %s", c, query)
				}
			}
		})
	}
}

// TestPGNativeStore runs against a live database when IMBRIDGE_TEST_POSTGRES_DSN
// is set. Pending migrations are applied first.
func TestPGNativeStore(t *testing.T) {
	dsn := os.Getenv("IMBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IMBRIDGE_TEST_POSTGRES_DSN not set")
	}
	if err := MigrateUp(dsn, "../../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	var chatID int64
	if err := tx.QueryRowContext(ctx, `INSERT INTO chats (guid, chat_identifier, participants)
		VALUES ('iMessage;-;pgtest', 'pgtest', '{pgtest}') RETURNING id`).Scan(&chatID); err != nil {
		t.Fatalf("insert chat: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO messages (guid, chat_id, date, text)
		VALUES ('pg1', $1, now() - interval '1 minute', 'a'), ('pg2', $1, now(), 'b')`, chatID); err != nil {
		t.Fatalf("insert messages: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	t.Cleanup(func() { s.db.Exec(`DELETE FROM chats WHERE guid = 'iMessage;-;pgtest'`) })

	refs, err := s.LookupGUIDs(ctx, []string{"pgtest"}, store.Query{Limit: 1})
	if err != nil || len(refs) != 1 || refs[0].MessageGUID != "pg2" {
		t.Fatalf("lookup = %+v, %v", refs, err)
	}
	recs, err := s.FetchRecords(ctx, []string{"pg1", "pg2"})
	if err != nil || len(recs) != 2 {
		t.Fatalf("fetch = %+v, %v", recs, err)
	}
	chat, err := s.ChatByGUID(ctx, "iMessage;-;pgtest")
	if err != nil || chat == nil || len(chat.Participants) != 1 {
		t.Fatalf("chat = %+v, %v", chat, err)
	}
}
