package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/imbridge/internal/chatid"
	"github.com/nextlevelbuilder/imbridge/internal/store"
)

const (
	fetchBatchSize = 500
	styleGroup     = 43
)

// PGNativeStore implements store.NativeStore backed by Postgres.
type PGNativeStore struct {
	db *sql.DB
}

func NewPGNativeStore(db *sql.DB) *PGNativeStore {
	return &PGNativeStore{db: db}
}

// Open connects to dsn and returns the store.
func Open(dsn string) (*PGNativeStore, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := CheckSchema(ctx, db)
	if err == nil {
		err = status.Err()
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return NewPGNativeStore(db), nil
}

func (s *PGNativeStore) Close() error { return s.db.Close() }

// lookupSQL builds the index query for q. Arguments are positional: $1 is
// the chat identifier array.
func lookupSQL(chatIDs []string, q store.Query) (string, []interface{}) {
	var b strings.Builder
	args := []interface{}{pq.Array(chatIDs)}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	b.WriteString(`SELECT m.guid, c.chat_identifier FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE c.chat_identifier = ANY($1)`)
	if !q.AfterDate.IsZero() {
		b.WriteString(" AND m.date > " + arg(q.AfterDate))
	}
	if !q.BeforeDate.IsZero() {
		b.WriteString(" AND m.date < " + arg(q.BeforeDate))
	}
	if q.AfterGUID != "" {
		b.WriteString(" AND m.date > (SELECT date FROM messages WHERE guid = " + arg(q.AfterGUID) + ")")
	}
	if q.BeforeGUID != "" {
		b.WriteString(" AND m.date < (SELECT date FROM messages WHERE guid = " + arg(q.BeforeGUID) + ")")
	}
	b.WriteString(" ORDER BY m.date DESC, m.id DESC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + arg(q.Limit))
	}
	return b.String(), args
}

func (s *PGNativeStore) LookupGUIDs(ctx context.Context, chatIDs []string, q store.Query) ([]store.GUIDRef, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	for _, guid := range []string{q.AfterGUID, q.BeforeGUID} {
		if guid == "" {
			continue
		}
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE guid = $1`, guid).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrUnknownGUID, guid)
		}
		if err != nil {
			return nil, fmt.Errorf("check guid bound: %w", err)
		}
	}
	query, args := lookupSQL(chatIDs, q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup guids: %w", err)
	}
	defer rows.Close()

	var out []store.GUIDRef
	for rows.Next() {
		var ref store.GUIDRef
		if err := rows.Scan(&ref.MessageGUID, &ref.ChatID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *PGNativeStore) FetchRecords(ctx context.Context, guids []string) (map[string]store.RawRecord, error) {
	out := make(map[string]store.RawRecord, len(guids))
	for start := 0; start < len(guids); start += fetchBatchSize {
		end := min(start+fetchBatchSize, len(guids))
		if err := s.fetchBatch(ctx, guids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PGNativeStore) fetchBatch(ctx context.Context, guids []string, out map[string]store.RawRecord) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.guid, c.chat_identifier, c.service_name, m.date,
		 COALESCE(m.sender, ''), m.is_from_me, m.item_type,
		 COALESCE(m.associated_guid, ''), m.associated_type,
		 COALESCE(m.text, ''), COALESCE(m.subject, ''), m.is_spam, m.payload
		 FROM messages m JOIN chats c ON c.id = m.chat_id
		 WHERE m.guid = ANY($1)`, pq.Array(guids))
	if err != nil {
		return fmt.Errorf("fetch records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec     store.RawRecord
			payload []byte
		)
		if err := rows.Scan(
			&rec.ROWID, &rec.GUID, &rec.ChatID, &rec.Service, &rec.Date,
			&rec.Sender, &rec.IsFromMe, &rec.ItemType,
			&rec.AssociatedGUID, &rec.AssociatedType,
			&rec.Text, &rec.Subject, &rec.IsSpam, &payload,
		); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		rec.Date = rec.Date.UTC()
		rec.Payload = payload
		out[rec.GUID] = rec
	}
	return rows.Err()
}

const chatColumns = `c.guid, c.chat_identifier, c.service_name, c.style,
	COALESCE(c.display_name, ''), c.participants,
	(SELECT MAX(m.date) FROM messages m WHERE m.chat_id = c.id) AS last_date`

func (s *PGNativeStore) ChatByGUID(ctx context.Context, guid string) (*store.ResolvedChat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.guid = $1`, guid)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (s *PGNativeStore) ListChats(ctx context.Context, since time.Time) ([]store.ResolvedChat, error) {
	query := `SELECT * FROM (SELECT ` + chatColumns + ` FROM chats c) t`
	var args []interface{}
	if !since.IsZero() {
		query += ` WHERE last_date >= $1`
		args = append(args, since)
	}
	query += ` ORDER BY last_date DESC NULLS LAST, guid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []store.ResolvedChat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, chat)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChat(row rowScanner) (store.ResolvedChat, error) {
	var (
		chat     store.ResolvedChat
		service  string
		style    int
		lastDate sql.NullTime
	)
	err := row.Scan(&chat.GUID, &chat.ID, &service, &style, &chat.DisplayName,
		pq.Array(&chat.Participants), &lastDate)
	if err != nil {
		return chat, err
	}
	chat.Service = chatid.ParseService(service)
	chat.IsGroup = style == styleGroup
	if lastDate.Valid {
		chat.LastMessageAt = lastDate.Time.UTC()
	}
	return chat, nil
}
