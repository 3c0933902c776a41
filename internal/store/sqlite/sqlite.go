// Package sqlite reads the native message database through modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/imbridge/internal/chatid"
	"github.com/nextlevelbuilder/imbridge/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// fetchBatchSize bounds the number of bound parameters per IN clause.
const fetchBatchSize = 500

// Native chat.style values.
const (
	styleGroup  = 43
	styleDirect = 45
)

// Store implements store.NativeStore over a native message database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the database at path. Unless createSchema is set the
// connection is query-only: the bridge never writes to the native store.
func Open(path string, createSchema bool) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)"
	if createSchema {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn += "&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)"
	} else {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("native store %s: %w", path, err)
		}
		dsn += "&_pragma=query_only(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &Store{db: db, path: path}

	if createSchema {
		if err := s.EnsureSchema(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	slog.Debug("sqlite.opened", "path", path, "create_schema", createSchema)
	return s, nil
}

// EnsureSchema creates the tables the adapter reads when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Path returns the database file the store reads.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for the watcher and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// LookupGUIDs implements store.GUIDIndex.
func (s *Store) LookupGUIDs(ctx context.Context, chatIDs []string, q store.Query) ([]store.GUIDRef, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	if err := s.checkAnchors(ctx, q); err != nil {
		return nil, err
	}

	var (
		b    strings.Builder
		args []interface{}
	)
	b.WriteString(`SELECT m.guid, c.chat_identifier
		FROM message m
		JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
		JOIN chat c ON c.ROWID = cmj.chat_id
		WHERE c.chat_identifier IN (`)
	b.WriteString(placeholders(len(chatIDs)))
	b.WriteString(")")
	for _, id := range chatIDs {
		args = append(args, id)
	}

	if !q.AfterDate.IsZero() {
		b.WriteString(" AND m.date > ?")
		args = append(args, store.ToAppleTime(q.AfterDate))
	}
	if !q.BeforeDate.IsZero() {
		b.WriteString(" AND m.date < ?")
		args = append(args, store.ToAppleTime(q.BeforeDate))
	}
	if q.AfterGUID != "" {
		b.WriteString(" AND m.date > (SELECT date FROM message WHERE guid = ?)")
		args = append(args, q.AfterGUID)
	}
	if q.BeforeGUID != "" {
		b.WriteString(" AND m.date < (SELECT date FROM message WHERE guid = ?)")
		args = append(args, q.BeforeGUID)
	}
	b.WriteString(" ORDER BY m.date DESC, m.ROWID DESC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("lookup guids: %w", err)
	}
	defer rows.Close()

	var out []store.GUIDRef
	for rows.Next() {
		var ref store.GUIDRef
		if err := rows.Scan(&ref.MessageGUID, &ref.ChatID); err != nil {
			return nil, fmt.Errorf("scan guid ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// checkAnchors fails with store.ErrUnknownGUID when a GUID bound of q does
// not exist. Without it the bound subquery yields NULL and matches nothing.
func (s *Store) checkAnchors(ctx context.Context, q store.Query) error {
	for _, guid := range []string{q.AfterGUID, q.BeforeGUID} {
		if guid == "" {
			continue
		}
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM message WHERE guid = ?`, guid).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", store.ErrUnknownGUID, guid)
		}
		if err != nil {
			return fmt.Errorf("check guid bound: %w", err)
		}
	}
	return nil
}

// FetchRecords implements store.RecordFetcher. GUIDs are queried in batches.
func (s *Store) FetchRecords(ctx context.Context, guids []string) (map[string]store.RawRecord, error) {
	out := make(map[string]store.RawRecord, len(guids))
	for start := 0; start < len(guids); start += fetchBatchSize {
		end := min(start+fetchBatchSize, len(guids))
		if err := s.fetchBatch(ctx, guids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const recordColumns = `m.ROWID, m.guid, c.chat_identifier, c.service_name, m.date,
	COALESCE(h.id, ''), m.is_from_me, m.item_type,
	COALESCE(m.associated_message_guid, ''), m.associated_message_type,
	COALESCE(m.text, ''), COALESCE(m.subject, ''), m.is_spam`

func (s *Store) fetchBatch(ctx context.Context, guids []string, out map[string]store.RawRecord) error {
	args := make([]interface{}, len(guids))
	for i, g := range guids {
		args[i] = g
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+`
		FROM message m
		JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
		JOIN chat c ON c.ROWID = cmj.chat_id
		LEFT JOIN handle h ON h.ROWID = m.handle_id
		WHERE m.guid IN (`+placeholders(len(guids))+`)
		ORDER BY m.ROWID`, args...)
	if err != nil {
		return fmt.Errorf("fetch records: %w", err)
	}

	byRow := make(map[int64]string)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return err
		}
		if _, dup := out[rec.GUID]; dup {
			continue // message joined to several chats: first chat wins
		}
		out[rec.GUID] = rec
		byRow[rec.ROWID] = rec.GUID
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("fetch records: %w", err)
	}

	return s.attachAttachments(ctx, byRow, out)
}

func scanRecord(rows *sql.Rows) (store.RawRecord, error) {
	var (
		rec            store.RawRecord
		date           int64
		fromMe, isSpam int
	)
	err := rows.Scan(
		&rec.ROWID, &rec.GUID, &rec.ChatID, &rec.Service, &date,
		&rec.Sender, &fromMe, &rec.ItemType,
		&rec.AssociatedGUID, &rec.AssociatedType,
		&rec.Text, &rec.Subject, &isSpam,
	)
	if err != nil {
		return rec, fmt.Errorf("scan record: %w", err)
	}
	rec.Date = store.FromAppleTime(date)
	rec.IsFromMe = fromMe != 0
	rec.IsSpam = isSpam != 0
	return rec, nil
}

// attachAttachments encodes each record's attachments into its payload.
func (s *Store) attachAttachments(ctx context.Context, byRow map[int64]string, out map[string]store.RawRecord) error {
	if len(byRow) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(byRow))
	for id := range byRow {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT maj.message_id, a.guid,
		COALESCE(a.transfer_name, ''), COALESCE(a.mime_type, ''), COALESCE(a.filename, ''), a.total_bytes
		FROM message_attachment_join maj
		JOIN attachment a ON a.ROWID = maj.attachment_id
		WHERE maj.message_id IN (`+placeholders(len(args))+`)
		ORDER BY maj.message_id, a.ROWID`, args...)
	if err != nil {
		return fmt.Errorf("fetch attachments: %w", err)
	}
	defer rows.Close()

	grouped := make(map[string][]store.Attachment)
	for rows.Next() {
		var (
			msgID int64
			a     store.Attachment
		)
		if err := rows.Scan(&msgID, &a.GUID, &a.FileName, &a.MimeType, &a.Path, &a.Size); err != nil {
			return fmt.Errorf("scan attachment: %w", err)
		}
		guid := byRow[msgID]
		grouped[guid] = append(grouped[guid], a)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("fetch attachments: %w", err)
	}

	for guid, atts := range grouped {
		payload, err := json.Marshal(map[string]interface{}{"attachments": atts})
		if err != nil {
			return fmt.Errorf("encode attachments of %s: %w", guid, err)
		}
		rec := out[guid]
		rec.Payload = payload
		out[guid] = rec
	}
	return nil
}

const chatColumns = `c.ROWID AS chat_rowid, c.guid, c.chat_identifier, c.service_name, c.style,
	COALESCE(c.display_name, ''),
	COALESCE((SELECT MAX(m.date) FROM chat_message_join cmj
		JOIN message m ON m.ROWID = cmj.message_id
		WHERE cmj.chat_id = c.ROWID), 0) AS last_date`

// ChatByGUID implements store.ChatSource.
func (s *Store) ChatByGUID(ctx context.Context, guid string) (*store.ResolvedChat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chat c WHERE c.guid = ?`, guid)
	rowID, chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if chat.Participants, err = s.participants(ctx, rowID); err != nil {
		return nil, err
	}
	return &chat, nil
}

// ListChats implements store.ChatSource.
func (s *Store) ListChats(ctx context.Context, since time.Time) ([]store.ResolvedChat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM (SELECT `+chatColumns+` FROM chat c)
		WHERE last_date >= ?
		ORDER BY last_date DESC, chat_rowid DESC`, store.ToAppleTime(since))
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	var (
		chats  []store.ResolvedChat
		rowIDs []int64
	)
	for rows.Next() {
		rowID, chat, err := scanChat(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		chats = append(chats, chat)
		rowIDs = append(rowIDs, rowID)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	for i, id := range rowIDs {
		if chats[i].Participants, err = s.participants(ctx, id); err != nil {
			return nil, err
		}
	}
	return chats, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanChat(row scanner) (int64, store.ResolvedChat, error) {
	var (
		rowID    int64
		chat     store.ResolvedChat
		service  string
		style    int
		lastDate int64
	)
	err := row.Scan(&rowID, &chat.GUID, &chat.ID, &service, &style, &chat.DisplayName, &lastDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, chat, err
		}
		return 0, chat, fmt.Errorf("scan chat: %w", err)
	}
	chat.Service = chatid.ParseService(service)
	chat.IsGroup = style == styleGroup
	chat.LastMessageAt = store.FromAppleTime(lastDate)
	return rowID, chat, nil
}

func (s *Store) participants(ctx context.Context, chatRowID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT h.id FROM chat_handle_join chj
		JOIN handle h ON h.ROWID = chj.handle_id
		WHERE chj.chat_id = ?
		ORDER BY h.id`, chatRowID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
