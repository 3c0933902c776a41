// Package loader materializes chat items for a set of chats.
//
// A load resolves matching message GUIDs against the native store's index,
// groups them by owning chat, and drives the coalescing cache so that GUIDs
// already buffered or in flight are not fetched again. Each chat's records are
// ingested independently: one chat failing to ingest yields no items for that
// chat and leaves its siblings untouched.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/imbridge/internal/chatid"
	"github.com/nextlevelbuilder/imbridge/internal/loadcache"
	"github.com/nextlevelbuilder/imbridge/internal/store"
)

// ErrStoreQueryFailed is returned when the GUID index lookup fails.
var ErrStoreQueryFailed = errors.New("store query failed")

const defaultIngestConcurrency = 8

// ChatRef names a chat to load items from.
type ChatRef struct {
	ID      string
	Service chatid.Service
}

// RefOf returns the ChatRef of a resolved chat.
func RefOf(c *store.ResolvedChat) ChatRef {
	return ChatRef{ID: c.ID, Service: c.Service}
}

// Config tunes a Loader.
type Config struct {
	// IngestConcurrency bounds how many chats are ingested at once (default 8).
	IngestConcurrency int
	// DropSpam reports whether spam items are left out of results. It is
	// read on every load; spam items stay cached either way.
	DropSpam func() bool
}

// Loader is safe for concurrent use.
type Loader struct {
	index    store.GUIDIndex
	records  store.RecordFetcher
	ingester store.Ingester
	cache    *loadcache.Cache[store.Item]
	limit    int
	dropSpam func() bool
}

func New(index store.GUIDIndex, records store.RecordFetcher, ingester store.Ingester, cache *loadcache.Cache[store.Item], cfg Config) *Loader {
	if cfg.IngestConcurrency <= 0 {
		cfg.IngestConcurrency = defaultIngestConcurrency
	}
	return &Loader{
		index:    index,
		records:  records,
		ingester: ingester,
		cache:    cache,
		limit:    cfg.IngestConcurrency,
		dropSpam: cfg.DropSpam,
	}
}

// Load returns the items of chats matching q. Items are grouped per chat in
// the order chats first appear in the index result, newest first within a
// chat. There is no global ordering across chats.
func (l *Loader) Load(ctx context.Context, chats []ChatRef, q store.Query) ([]store.Item, error) {
	if len(chats) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(chats))
	services := make(map[string]chatid.Service, len(chats))
	for _, c := range chats {
		if _, dup := services[c.ID]; dup {
			continue
		}
		services[c.ID] = c.Service
		ids = append(ids, c.ID)
	}

	refs, err := l.index.LookupGUIDs(ctx, ids, q)
	if errors.Is(err, store.ErrUnknownGUID) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreQueryFailed, err)
	}

	g := newGraph()
	for _, ref := range refs {
		svc, ok := services[ref.ChatID]
		if !ok {
			slog.Debug("loader.foreign_ref", "chat", ref.ChatID, "guid", ref.MessageGUID)
			continue
		}
		g.add(ref.ChatID, svc, ref.MessageGUID)
	}
	return l.materialize(ctx, g)
}

// LoadChat is Load for a single chat.
func (l *Loader) LoadChat(ctx context.Context, chat ChatRef, q store.Query) ([]store.Item, error) {
	return l.Load(ctx, []ChatRef{chat}, q)
}

// LoadGUIDs materializes explicit message GUIDs of one chat, skipping the
// index. GUIDs that belong to another chat are not returned.
func (l *Loader) LoadGUIDs(ctx context.Context, chat ChatRef, guids []string) ([]store.Item, error) {
	g := newGraph()
	for _, guid := range guids {
		g.add(chat.ID, chat.Service, guid)
	}
	return l.materialize(ctx, g)
}

func (l *Loader) materialize(ctx context.Context, g *graph) ([]store.Item, error) {
	if g.empty() {
		return nil, nil
	}

	items, err := l.cache.Request(ctx, g.keys(), func(ctx context.Context, keys []string) ([]store.Item, error) {
		return l.fetch(ctx, g, keys)
	})
	if err != nil {
		return nil, err
	}
	items = g.regroup(items)
	if l.dropSpam != nil && l.dropSpam() {
		items = withoutSpam(items)
	}
	return items, nil
}

func withoutSpam(items []store.Item) []store.Item {
	out := items[:0]
	for _, it := range items {
		if !it.Spam {
			out = append(out, it)
		}
	}
	return out
}

// fetch loads keys from the native store and ingests them per chat.
func (l *Loader) fetch(ctx context.Context, g *graph, keys []string) ([]store.Item, error) {
	records, err := l.records.FetchRecords(ctx, keys)
	if err != nil {
		return nil, err
	}

	subsets := g.subsets(keys, records)
	results := make([][]store.Item, len(subsets))

	eg := new(errgroup.Group)
	eg.SetLimit(l.limit)
	for i, sub := range subsets {
		if len(sub.records) == 0 {
			continue
		}
		eg.Go(func() error {
			items, err := l.ingester.Ingest(ctx, sub.records, sub.chat.id, sub.chat.service)
			if err != nil {
				slog.Warn("loader.ingest_failed", "chat", sub.chat.id, "records", len(sub.records), "error", err)
				return nil
			}
			results[i] = items
			return nil
		})
	}
	eg.Wait()

	var out []store.Item
	for _, items := range results {
		out = append(out, items...)
	}
	return out, nil
}
