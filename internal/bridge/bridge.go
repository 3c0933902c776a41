// Package bridge assembles the command pipeline from configuration: native
// store, item cache, loader, live chat set, resolver and dispatcher. Both the
// WebSocket gateway and the stdio transport serve the same Bridge.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/imbridge/internal/bus"
	"github.com/nextlevelbuilder/imbridge/internal/config"
	"github.com/nextlevelbuilder/imbridge/internal/gateway"
	"github.com/nextlevelbuilder/imbridge/internal/gateway/methods"
	"github.com/nextlevelbuilder/imbridge/internal/loadcache"
	"github.com/nextlevelbuilder/imbridge/internal/loader"
	"github.com/nextlevelbuilder/imbridge/internal/relay"
	"github.com/nextlevelbuilder/imbridge/internal/resolver"
	"github.com/nextlevelbuilder/imbridge/internal/sessions"
	"github.com/nextlevelbuilder/imbridge/internal/store"
	"github.com/nextlevelbuilder/imbridge/internal/store/pg"
	"github.com/nextlevelbuilder/imbridge/internal/store/sqlite"
	"github.com/nextlevelbuilder/imbridge/pkg/protocol"
)

// Prewarm bounds.
const (
	prewarmChats       = 10
	prewarmItems       = 25
	prewarmWindow      = 7 * 24 * time.Hour
	prewarmConcurrency = 4
)

// cacheSubscriberID is the bus subscription of the item cache.
const cacheSubscriberID = "loadcache"

// Bridge owns the long-lived components of one bridge process.
type Bridge struct {
	Config     *config.Config
	Bus        *bus.MessageBus
	Store      store.NativeStore
	Cache      *loadcache.Cache[store.Item]
	Loader     *loader.Loader
	Sessions   *sessions.Manager
	Resolver   *resolver.Resolver
	Auth       *gateway.Authenticator
	Dispatcher *gateway.Dispatcher
	System     *methods.SystemMethods

	version string
	started time.Time
	watcher *sqlite.Watcher
	relay   *relay.Relay
}

// Open opens the configured native store and builds a Bridge over it.
func Open(ctx context.Context, cfg *config.Config, version string) (*Bridge, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	b := New(cfg, st, version)
	if cfg.Store.Watch {
		if err := b.EnableWatcher(ctx); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func openStore(cfg *config.Config) (store.NativeStore, error) {
	if cfg.Store.Driver == "postgres" {
		st, err := pg.Open(cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := sqlite.Open(cfg.StorePath(), cfg.Store.CreateSchema)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// New wires a Bridge over an already open store.
func New(cfg *config.Config, st store.NativeStore, version string) *Bridge {
	msgBus := bus.New()
	cache := loadcache.New(store.ItemGUID, loadcache.Config{
		TTL:           cfg.CacheTTL(),
		SweepInterval: cfg.CacheSweepInterval(),
	})
	ld := loader.New(st, st, store.DefaultIngester{}, cache, loader.Config{
		IngestConcurrency: cfg.Cache.IngestConcurrency,
		DropSpam:          func() bool { return cfg.Enabled(config.FlagDropSpamMessages) },
	})
	mgr := sessions.NewManager(st, msgBus)
	res := resolver.New(mgr)
	auth := gateway.NewAuthenticator(cfg.Gateway.Token)

	d := gateway.NewDispatcher(res,
		gateway.WithFlags(cfg),
		gateway.WithMaxConcurrent(cfg.Gateway.MaxConcurrent),
	)

	b := &Bridge{
		Config:     cfg,
		Bus:        msgBus,
		Store:      st,
		Cache:      cache,
		Loader:     ld,
		Sessions:   mgr,
		Resolver:   res,
		Auth:       auth,
		Dispatcher: d,
		version:    version,
		started:    time.Now(),
	}

	b.System = methods.NewSystemMethods(auth, cfg, version)
	b.System.SetDiagnostics(b.Diagnostics)
	b.System.Register(d)
	methods.NewMessagesMethods(ld).Register(d)
	methods.NewChatsMethods(mgr, res).Register(d)
	methods.NewTypingMethods(mgr).Register(d)

	msgBus.Subscribe(cacheSubscriberID, b.handleInvalidate)
	return b
}

// handleInvalidate applies item cache invalidations broadcast on the bus.
func (b *Bridge) handleInvalidate(event bus.Event) {
	if event.Name != protocol.EventCacheInvalidate {
		return
	}
	p, ok := event.Payload.(bus.CacheInvalidatePayload)
	if !ok || p.Kind != bus.CacheKindItems {
		return
	}
	if len(p.Keys) == 0 {
		b.Cache.Purge()
		slog.Debug("bridge.cache_purged")
		return
	}
	b.Cache.Invalidate(p.Keys...)
}

// EnableWatcher starts announcing native store changes on Run. Only the
// sqlite store can be watched.
func (b *Bridge) EnableWatcher(ctx context.Context) error {
	st, ok := b.Store.(*sqlite.Store)
	if !ok {
		return fmt.Errorf("store driver %q cannot be watched", b.Config.Store.Driver)
	}
	w, err := sqlite.NewWatcher(ctx, st, b.Bus)
	if err != nil {
		return err
	}
	b.watcher = w
	return nil
}

// EnableRelay republishes client-facing bus events through pub while Run is
// active.
func (b *Bridge) EnableRelay(pub relay.Publisher, source string) {
	b.relay = relay.New(pub, b.Bus, source)
}

// Run drives the background loops (cache eviction, store watcher, event
// relay, prewarm) until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.Cache.Run(ctx)
		return nil
	})
	if b.watcher != nil {
		g.Go(func() error { return b.watcher.Run(ctx) })
	}
	if b.relay != nil {
		g.Go(func() error { return b.relay.Run(ctx) })
	}
	if b.Config.Enabled(config.FlagPrewarmCache) {
		g.Go(func() error {
			b.Prewarm(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Prewarm loads the recent items of the most recently active chats so the
// first queries after startup are served from the cache. Failures are logged
// and otherwise ignored.
func (b *Bridge) Prewarm(ctx context.Context) int {
	start := time.Now()
	chats, err := b.Store.ListChats(ctx, start.Add(-prewarmWindow))
	if err != nil {
		slog.Warn("bridge.prewarm_failed", "error", err)
		return 0
	}
	if len(chats) > prewarmChats {
		chats = chats[:prewarmChats]
	}

	counts := make([]int, len(chats))
	g := new(errgroup.Group)
	g.SetLimit(prewarmConcurrency)
	for i, c := range chats {
		g.Go(func() error {
			items, err := b.Loader.LoadChat(ctx, loader.RefOf(&c), store.Query{Limit: prewarmItems})
			if err != nil {
				slog.Debug("bridge.prewarm_chat_failed", "chat", c.ID, "error", err)
				return nil
			}
			counts[i] = len(items)
			return nil
		})
	}
	g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	slog.Info("bridge.prewarmed", "chats", len(chats), "items", total, "duration_ms", time.Since(start).Milliseconds())
	return total
}

// Diagnostics is the internal-diagnostics block of ping and /health.
func (b *Bridge) Diagnostics() map[string]interface{} {
	d := map[string]interface{}{
		"version":        b.version,
		"go":             runtime.Version(),
		"uptime_seconds": int64(time.Since(b.started).Seconds()),
		"store":          b.Config.Store.Driver,
		"cache":          b.Cache.Stats(),
		"constructed":    len(b.Sessions.List()),
		"flags":          b.Config.FlagSnapshot(),
	}
	if b.relay != nil {
		d["relay"] = b.relay.Stats()
	}
	return d
}

// Close stops event delivery to the cache and closes the store.
func (b *Bridge) Close() error {
	b.Bus.Unsubscribe(cacheSubscriberID)
	b.Dispatcher.Wait()
	return b.Store.Close()
}
