// Package cache fronts the escrow store's order queries with an in-memory,
// TTL-bounded, single-flight read-through cache.
//
// The cache is advisory. Protocols that mutate an order always re-read it
// from the store; nothing returned here is proof of current status.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/metrics"
)

// Loader runs the authoritative queries. Each load also sweeps expiry.
type Loader interface {
	LoadActiveOrders(ctx context.Context) ([]market.Order, error)
	LoadOrdersByPlacer(ctx context.Context, placerID string) ([]market.Order, error)
}

const (
	// DefaultTTL is how long a snapshot is served without a refresh.
	DefaultTTL = 30 * time.Second
	// DefaultRetain is how long a snapshot is kept as a fallback after it
	// goes stale.
	DefaultRetain = 5 * time.Minute

	activeKey    = "active"
	placerPrefix = "placer:"
)

// Options configures an OrderCache. Zero values take defaults.
type Options struct {
	ActiveTTL time.Duration
	PlacerTTL time.Duration
	Retain    time.Duration
	Now       func() time.Time
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// snapshot is one loaded result set. orders is never handed out directly.
type snapshot struct {
	orders   []market.Order
	loadedAt time.Time
}

// OrderCache caches "all active orders" and "orders of placer X", each with
// its own TTL.
//
// A refresh of a key that already has a snapshot is started at most once at
// a time; callers arriving while it is in flight get the last good snapshot.
// Callers of a key with no snapshot at all join the in-flight load.
type OrderCache struct {
	loader  Loader
	group   singleflight.Group
	entries *gocache.Cache

	activeTTL time.Duration
	placerTTL time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu         sync.Mutex
	refreshing map[string]bool
	gens       map[string]uint64
}

// New creates a cache over loader.
func New(loader Loader, opts Options) *OrderCache {
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = DefaultTTL
	}
	if opts.PlacerTTL <= 0 {
		opts.PlacerTTL = DefaultTTL
	}
	retain := opts.Retain
	if retain < opts.ActiveTTL || retain < opts.PlacerTTL {
		retain = max(opts.ActiveTTL, opts.PlacerTTL, DefaultRetain)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &OrderCache{
		loader:     loader,
		entries:    gocache.New(retain, 2*retain),
		activeTTL:  opts.ActiveTTL,
		placerTTL:  opts.PlacerTTL,
		now:        opts.Now,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		refreshing: make(map[string]bool),
		gens:       make(map[string]uint64),
	}
}

// ActiveOrders returns a snapshot of all ACTIVE orders. force bypasses the
// TTL but not the single-flight guard.
func (c *OrderCache) ActiveOrders(ctx context.Context, force bool) ([]market.Order, error) {
	return c.get(ctx, activeKey, c.activeTTL, force, c.loader.LoadActiveOrders)
}

// PlacerOrders returns a snapshot of every order of placerID.
func (c *OrderCache) PlacerOrders(ctx context.Context, placerID string, force bool) ([]market.Order, error) {
	return c.get(ctx, placerPrefix+placerID, c.placerTTL, force, func(ctx context.Context) ([]market.Order, error) {
		return c.loader.LoadOrdersByPlacer(ctx, placerID)
	})
}

// Invalidate drops the snapshots an order mutation of placerID can affect:
// the active set and the placer's list. A load already in flight for either
// key still answers its waiters but is not stored.
func (c *OrderCache) Invalidate(placerID string) {
	c.invalidate(activeKey, placerPrefix+placerID)
}

// InvalidateAll drops every snapshot.
func (c *OrderCache) InvalidateAll() {
	keys := []string{activeKey}
	for k := range c.entries.Items() {
		if k != activeKey {
			keys = append(keys, k)
		}
	}
	c.invalidate(keys...)
}

func (c *OrderCache) invalidate(keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		c.gens[k]++
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.entries.Delete(k)
		c.group.Forget(k)
	}
}

func (c *OrderCache) get(
	ctx context.Context,
	key string,
	ttl time.Duration,
	force bool,
	load func(context.Context) ([]market.Order, error),
) ([]market.Order, error) {
	query := queryLabel(key)

	cached, ok := c.lookup(key)
	if ok && !force && c.now().Sub(cached.loadedAt) < ttl {
		c.metrics.CacheLookup(query, "hit")
		return cloneOrders(cached.orders), nil
	}

	c.mu.Lock()
	if ok && c.refreshing[key] {
		c.mu.Unlock()
		c.metrics.CacheLookup(query, "stale")
		return cloneOrders(cached.orders), nil
	}
	c.refreshing[key] = true
	gen := c.gens[key]
	c.mu.Unlock()

	c.metrics.CacheLookup(query, "load")
	v, err, shared := c.group.Do(key, func() (any, error) {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		// The load must not die with the first caller's context; the
		// others are waiting on it too.
		orders, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		snap := &snapshot{orders: orders, loadedAt: c.now()}

		c.mu.Lock()
		current := c.gens[key] == gen
		c.mu.Unlock()
		if current {
			c.entries.SetDefault(key, snap)
		}
		return snap, nil
	})
	if err != nil {
		c.logger.Warn("order cache refresh failed", "key", key, "error", err)
		if ok {
			// Last good snapshot beats no answer.
			return cloneOrders(cached.orders), nil
		}
		return nil, fmt.Errorf("refresh %s orders: %w", query, err)
	}
	if shared {
		c.logger.Debug("order cache load shared", "key", key)
	}
	return cloneOrders(v.(*snapshot).orders), nil
}

func (c *OrderCache) lookup(key string) (*snapshot, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*snapshot), true
}

func queryLabel(key string) string {
	if key == activeKey {
		return activeKey
	}
	return "placer"
}

// cloneOrders copies the slice and each item's metadata map so callers can
// never mutate a cached snapshot.
func cloneOrders(in []market.Order) []market.Order {
	out := make([]market.Order, len(in))
	for i, o := range in {
		o.Item.Meta = maps.Clone(o.Item.Meta)
		out[i] = o
	}
	return out
}
