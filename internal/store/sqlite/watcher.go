package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/imbridge/internal/bus"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

const (
	// pollDebounce collapses the write burst of one native store transaction.
	pollDebounce = 250 * time.Millisecond
	// unjoinedTTL is how long a message without a chat join is re-polled.
	unjoinedTTL = time.Minute
)

// Watcher announces messages that appear in the native store. It watches the
// database file and its write-ahead log and, after each burst of writes,
// queries for rows newer than the last one it saw.
type Watcher struct {
	store  *Store
	events bus.EventPublisher

	mu       sync.Mutex
	lastRow  int64
	unjoined map[int64]time.Time // message ROWID -> first seen without a chat
	failing  bool
}

// NewWatcher starts from the current newest message; earlier rows are never
// announced.
func NewWatcher(ctx context.Context, s *Store, events bus.EventPublisher) (*Watcher, error) {
	w := &Watcher{store: s, events: events, unjoined: make(map[int64]time.Time)}
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(ROWID), 0) FROM message`).Scan(&w.lastRow); err != nil {
		return nil, fmt.Errorf("watcher start: %w", err)
	}
	return w, nil
}

// Run watches the database until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("store watcher: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.store.path)
	if err != nil {
		return fmt.Errorf("store watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("store watcher: %w", err)
	}
	watched := map[string]bool{abs: true, abs + "-wal": true}
	slog.Info("store.watching", "path", abs, "from_row", w.lastRow)

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(ev.Name)] || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(pollDebounce)
			} else {
				timer.Reset(pollDebounce)
			}
			trigger = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("store.watch_error", "error", err)

		case <-trigger:
			trigger = nil
			if _, err := w.Poll(ctx); err != nil {
				slog.Error("store.poll_failed", "error", err)
			}
		}
	}
}

// Poll announces rows added since the previous poll and returns how many it
// found. Each chat gets one message event; all new GUIDs are invalidated in
// the item cache so a previous miss is not served stale.
//
// The native store may write a message and its chat join in separate
// transactions. A message seen without a join is polled again until the join
// appears or unjoinedTTL passes.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	query := `SELECT m.ROWID, m.guid, c.chat_identifier
		FROM message m
		LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
		LEFT JOIN chat c ON c.ROWID = cmj.chat_id
		WHERE m.ROWID > ?`
	args := []interface{}{w.lastRow}
	if len(w.unjoined) > 0 {
		query += ` OR m.ROWID IN (` + placeholders(len(w.unjoined)) + `)`
		for rowID := range w.unjoined {
			args = append(args, rowID)
		}
	}
	query += ` ORDER BY m.ROWID`

	rows, err := w.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		w.setFailing(err)
		return 0, fmt.Errorf("poll: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var order, guids []string
	byChat := make(map[string][]string)
	last := w.lastRow
	for rows.Next() {
		var (
			rowID  int64
			guid   string
			chatID sql.NullString
		)
		if err := rows.Scan(&rowID, &guid, &chatID); err != nil {
			w.setFailing(err)
			return 0, fmt.Errorf("poll scan: %w", err)
		}
		last = max(last, rowID)
		if !chatID.Valid {
			if _, ok := w.unjoined[rowID]; !ok {
				w.unjoined[rowID] = now
			}
			continue
		}
		delete(w.unjoined, rowID)
		if _, ok := byChat[chatID.String]; !ok {
			order = append(order, chatID.String)
		}
		byChat[chatID.String] = append(byChat[chatID.String], guid)
		guids = append(guids, guid)
	}
	if err := rows.Err(); err != nil {
		w.setFailing(err)
		return 0, fmt.Errorf("poll: %w", err)
	}
	w.setFailing(nil)
	w.lastRow = last
	for rowID, seen := range w.unjoined {
		if now.Sub(seen) >= unjoinedTTL {
			slog.Debug("store.unjoined_expired", "row", rowID)
			delete(w.unjoined, rowID)
		}
	}

	if len(guids) == 0 {
		return 0, nil
	}
	w.events.Broadcast(bus.Event{
		Name:    protocol.EventCacheInvalidate,
		Payload: bus.CacheInvalidatePayload{Kind: bus.CacheKindItems, Keys: guids},
	})
	for _, chatID := range order {
		w.events.Broadcast(bus.Event{
			Name:    protocol.EventMessage,
			Payload: bus.MessagePayload{ChatID: chatID, GUIDs: byChat[chatID]},
		})
	}
	slog.Debug("store.new_messages", "messages", len(guids), "chats", len(order), "last_row", last)
	return len(guids), nil
}

// setFailing reports store health transitions. Caller holds w.mu.
func (w *Watcher) setFailing(err error) {
	failing := err != nil
	if failing == w.failing {
		return
	}
	w.failing = failing

	status := bus.StatusPayload{State: protocol.BridgeStatusConnected}
	if failing {
		status = bus.StatusPayload{State: protocol.BridgeStatusStoreError, Error: err.Error()}
	}
	w.events.Broadcast(bus.Event{Name: protocol.EventBridgeStatus, Payload: status})
}
