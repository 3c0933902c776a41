// Package loadcache coalesces concurrent keyed loads against a slow backend.
//
// A Request partitions its keys into buffer hits (keys covered by a completed
// or in-flight load) and remaining keys. All remaining keys are registered as
// one in-flight load before the lock is released, so a racing caller asking
// for any of them joins that load instead of issuing a second fetch.
//
// Completed entries are retained for Config.TTL and then dropped by Sweep or
// on the next lookup. Entries can also be dropped explicitly with Invalidate.
package loadcache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// FetchFunc loads the items for keys. Keys with no item in the result are
// misses; they are not retained and will be fetched again by the next caller.
type FetchFunc[T any] func(ctx context.Context, keys []string) ([]T, error)

// Config tunes retention of completed loads.
type Config struct {
	// TTL is how long completed results stay retrievable. Zero disables
	// retention: only in-flight loads are shared.
	TTL time.Duration
	// SweepInterval is the period of Run's eviction loop (default TTL).
	SweepInterval time.Duration
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Fetches int64 `json:"fetches"`
	Entries int   `json:"entries"`
}

type pendingLoad[T any] struct {
	keys  []string
	done  chan struct{}
	items []T // set before done is closed
}

type entry[T any] struct {
	load    *pendingLoad[T]
	expires time.Time // zero while in flight
}

func (e *entry[T]) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// hit groups the keys of one request that are served by the same load.
type hit[T any] struct {
	load *pendingLoad[T]
	keys map[string]struct{}
}

// Cache is safe for concurrent use.
type Cache[T any] struct {
	key func(T) string
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry[T]

	hits    atomic.Int64
	misses  atomic.Int64
	fetches atomic.Int64
}

// New creates a cache. key extracts the load key from a fetched item.
func New[T any](key func(T) string, cfg Config) *Cache[T] {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL
	}
	return &Cache[T]{
		key:     key,
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry[T]),
	}
}

// Request returns the items for keys, fetching only keys that are neither
// buffered nor in flight. The result is the newly fetched items in fetch
// order followed by buffered items in the order their loads produced them.
//
// The fetch runs detached from ctx cancellation so callers that joined it are
// not failed when the first caller goes away. ctx only bounds the wait on
// loads owned by other callers.
func (c *Cache[T]) Request(ctx context.Context, keys []string, fetch FetchFunc[T]) ([]T, error) {
	keys = dedupe(keys)
	if len(keys) == 0 {
		return nil, nil
	}

	hits, load := c.partition(keys)

	var fresh []T
	if load != nil {
		fresh = c.run(ctx, load, fetch)
	}

	buffered, err := c.await(ctx, hits)
	if err != nil {
		return nil, err
	}
	return append(fresh, buffered...), nil
}

// partition is the check-and-register step. It must stay a single critical
// section: splitting it lets two callers both miss the same key.
func (c *Cache[T]) partition(keys []string) ([]hit[T], *pendingLoad[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var (
		hits      []hit[T]
		remaining []string
	)
	index := make(map[*pendingLoad[T]]int)

	for _, k := range keys {
		e, ok := c.entries[k]
		if !ok || e.expired(now) {
			remaining = append(remaining, k)
			continue
		}
		i, seen := index[e.load]
		if !seen {
			i = len(hits)
			index[e.load] = i
			hits = append(hits, hit[T]{load: e.load, keys: make(map[string]struct{})})
		}
		hits[i].keys[k] = struct{}{}
	}

	c.hits.Add(int64(len(keys) - len(remaining)))
	c.misses.Add(int64(len(remaining)))

	if len(remaining) == 0 {
		return hits, nil
	}

	load := &pendingLoad[T]{keys: remaining, done: make(chan struct{})}
	for _, k := range remaining {
		c.entries[k] = &entry[T]{load: load}
	}
	return hits, load
}

func (c *Cache[T]) run(ctx context.Context, load *pendingLoad[T], fetch FetchFunc[T]) (items []T) {
	c.fetches.Add(1)

	// Waiters block on done, so it is closed even if fetch panics.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loadcache.fetch_panic", "keys", len(load.keys), "panic", r)
			items = nil
		}
		items = c.restrict(items, load.keys)
		load.items = items
		c.settle(load, items)
		close(load.done)
	}()

	fetched, err := fetch(context.WithoutCancel(ctx), load.keys)
	if err != nil {
		slog.Warn("loadcache.fetch_failed", "keys", len(load.keys), "error", err)
		return nil
	}
	return fetched
}

// restrict drops items the fetch returned for keys it was not asked for, and
// duplicates of the same key.
func (c *Cache[T]) restrict(items []T, keys []string) []T {
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	out := items[:0:0]
	for _, it := range items {
		k := c.key(it)
		if wanted[k] {
			wanted[k] = false
			out = append(out, it)
		}
	}
	return out
}

// settle marks returned keys as completed and unregisters the misses.
func (c *Cache[T]) settle(load *pendingLoad[T], items []T) {
	present := make(map[string]bool, len(items))
	for _, it := range items {
		present[c.key(it)] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.cfg.TTL)
	for _, k := range load.keys {
		e, ok := c.entries[k]
		if !ok || e.load != load {
			continue // invalidated or replaced meanwhile
		}
		if present[k] && c.cfg.TTL > 0 {
			e.expires = expires
		} else {
			delete(c.entries, k)
		}
	}
}

func (c *Cache[T]) await(ctx context.Context, hits []hit[T]) ([]T, error) {
	var out []T
	for _, h := range hits {
		select {
		case <-h.load.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		for _, it := range h.load.items {
			if _, ok := h.keys[c.key(it)]; ok {
				out = append(out, it)
			}
		}
	}
	return out, nil
}

// Invalidate drops keys. A load still in flight for them completes for its
// current waiters but is no longer joinable.
func (c *Cache[T]) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// Purge drops every entry.
func (c *Cache[T]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[T])
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache[T]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Run sweeps expired entries until ctx is done.
func (c *Cache[T]) Run(ctx context.Context) {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug("loadcache.swept", "entries", n)
			}
		}
	}
}

// Stats returns the current counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Fetches: c.fetches.Load(),
		Entries: n,
	}
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
