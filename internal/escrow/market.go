package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/buyorders/internal/cache"
	"github.com/roach88/buyorders/internal/engine"
	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/metrics"
	"github.com/roach88/buyorders/internal/store"
)

// Store is the escrow store the protocols run against. Implemented by
// *store.Store.
type Store interface {
	cache.Loader
	CreateOrder(ctx context.Context, o market.Order) (market.Order, error)
	LoadOrderByID(ctx context.Context, id int64) (market.Order, error)
	LoadOrdersByStatus(ctx context.Context, st market.Status) ([]market.Order, error)
	UpdateDeliveredAndStatus(ctx context.Context, id int64, expectedDelivered, newDelivered int, newStatus market.Status) (bool, error)
	UpdateStatus(ctx context.Context, id int64, from, to market.Status) (bool, error)
	AppendVaultEntry(ctx context.Context, orderID int64, placerID string, batch market.Batch) (int64, error)
	LoadVault(ctx context.Context, orderID int64) ([]market.VaultEntry, error)
	DrainVault(ctx context.Context, orderID int64) ([]market.VaultEntry, error)
	HasVaultEntries(ctx context.Context, orderID int64) (bool, error)
	DeleteOrder(ctx context.Context, id int64) error
}

var _ Store = (*store.Store)(nil)

// Deps are the collaborators a Market needs. All are required.
type Deps struct {
	Store     Store
	Ledger    market.Ledger
	Inventory market.Inventory
	Presence  market.Presence
	Offline   market.OfflineSettlementQueue
	Audit     market.AuditLog
}

const (
	// DefaultOrderTTL is how long an order stays open.
	DefaultOrderTTL = 7 * 24 * time.Hour

	// DefaultMaxOrdersPerPlacer bounds the ACTIVE orders one placer may hold.
	DefaultMaxOrdersPerPlacer = 25
)

// Market runs the order protocols: placement, fulfillment, cancellation,
// claiming and removal.
//
// Every read a protocol acts on and every write to orders or vault entries
// runs as a step on the engine loop. Ledger and inventory calls run on the
// calling goroutine between steps, and each step re-reads the order before
// it writes.
type Market struct {
	store     Store
	ledger    market.Ledger
	inventory market.Inventory
	presence  market.Presence
	offline   market.OfflineSettlementQueue
	audit     market.AuditLog

	loop      *engine.Loop
	orders    *cache.OrderCache
	cacheOpts cache.Options
	clock     engine.WallClock
	flows     engine.FlowTokenGenerator
	metrics   *metrics.Metrics
	logger    *slog.Logger

	orderTTL  time.Duration
	maxOrders int
}

// Option configures a Market.
type Option func(*Market)

// WithClock sets the wall clock orders are created and expired against.
// It must agree with the store's clock.
func WithClock(c engine.WallClock) Option {
	return func(m *Market) { m.clock = c }
}

// WithFlowGenerator sets the flow token generator.
func WithFlowGenerator(g engine.FlowTokenGenerator) Option {
	return func(m *Market) { m.flows = g }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Market) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Market) { m.logger = l }
}

// WithOrderTTL sets how long new orders stay open.
func WithOrderTTL(d time.Duration) Option {
	return func(m *Market) {
		if d > 0 {
			m.orderTTL = d
		}
	}
}

// WithMaxOrdersPerPlacer sets the per-placer ACTIVE order limit.
// Zero or less disables the limit.
func WithMaxOrdersPerPlacer(n int) Option {
	return func(m *Market) { m.maxOrders = n }
}

// WithCacheOptions configures the order cache. Now, Metrics and Logger are
// filled from the Market when unset.
func WithCacheOptions(o cache.Options) Option {
	return func(m *Market) { m.cacheOpts = o }
}

// New creates a Market whose steps run on loop. The loop must be running
// (or later be started) for any operation to complete.
func New(loop *engine.Loop, deps Deps, opts ...Option) (*Market, error) {
	if loop == nil {
		return nil, errors.New("new market: loop is required")
	}
	switch {
	case deps.Store == nil:
		return nil, errors.New("new market: store is required")
	case deps.Ledger == nil:
		return nil, errors.New("new market: ledger is required")
	case deps.Inventory == nil:
		return nil, errors.New("new market: inventory is required")
	case deps.Presence == nil:
		return nil, errors.New("new market: presence is required")
	case deps.Offline == nil:
		return nil, errors.New("new market: offline settlement queue is required")
	case deps.Audit == nil:
		return nil, errors.New("new market: audit log is required")
	}

	m := &Market{
		store:     deps.Store,
		ledger:    deps.Ledger,
		inventory: deps.Inventory,
		presence:  deps.Presence,
		offline:   deps.Offline,
		audit:     deps.Audit,
		loop:      loop,
		clock:     engine.SystemClock{},
		flows:     engine.UUIDv7Generator{},
		logger:    slog.Default(),
		orderTTL:  DefaultOrderTTL,
		maxOrders: DefaultMaxOrdersPerPlacer,
	}
	for _, opt := range opts {
		opt(m)
	}

	co := m.cacheOpts
	if co.Now == nil {
		co.Now = m.clock.Now
	}
	if co.Metrics == nil {
		co.Metrics = m.metrics
	}
	if co.Logger == nil {
		co.Logger = m.logger
	}
	m.orders = cache.New(loopLoader{m}, co)
	return m, nil
}

// loopLoader runs the cache's loads as loop steps; each load sweeps expiry,
// which is a write.
type loopLoader struct{ m *Market }

func (l loopLoader) LoadActiveOrders(ctx context.Context) ([]market.Order, error) {
	return engine.Do(ctx, l.m.loop, "load active orders", l.m.store.LoadActiveOrders)
}

func (l loopLoader) LoadOrdersByPlacer(ctx context.Context, placerID string) ([]market.Order, error) {
	return engine.Do(ctx, l.m.loop, "load placer orders", func(ctx context.Context) ([]market.Order, error) {
		return l.m.store.LoadOrdersByPlacer(ctx, placerID)
	})
}

// ActiveOrders returns a cached snapshot of every ACTIVE order.
func (m *Market) ActiveOrders(ctx context.Context, force bool) ([]market.Order, error) {
	return m.orders.ActiveOrders(ctx, force)
}

// PlacerOrders returns a cached snapshot of every order of placerID.
func (m *Market) PlacerOrders(ctx context.Context, placerID string, force bool) ([]market.Order, error) {
	return m.orders.PlacerOrders(ctx, placerID, force)
}

// Order reads one order from the store, bypassing the cache.
func (m *Market) Order(ctx context.Context, id int64) (market.Order, error) {
	return engine.Do(ctx, m.loop, "load order", func(ctx context.Context) (market.Order, error) {
		return m.loadOrder(ctx, "show", id)
	})
}

// Vault returns the unclaimed entries of an order.
func (m *Market) Vault(ctx context.Context, id int64) ([]market.VaultEntry, error) {
	return engine.Do(ctx, m.loop, "load vault", func(ctx context.Context) ([]market.VaultEntry, error) {
		if _, err := m.loadOrder(ctx, "show", id); err != nil {
			return nil, err
		}
		entries, err := m.store.LoadVault(ctx, id)
		if err != nil {
			return nil, market.Unavailable("show", id, fmt.Errorf("load vault: %w", err))
		}
		return entries, nil
	})
}

// DeliverAsync runs Deliver on a worker goroutine.
func (m *Market) DeliverAsync(ctx context.Context, fillerID string, orderID int64, offered int) *engine.Future[Delivery] {
	return engine.Go(ctx, "deliver", func(ctx context.Context) (Delivery, error) {
		return m.Deliver(ctx, fillerID, orderID, offered)
	})
}

// CancelAsync runs Cancel on a worker goroutine.
func (m *Market) CancelAsync(ctx context.Context, actor market.Actor, orderID int64, opts CancelOptions) *engine.Future[Cancellation] {
	return engine.Go(ctx, "cancel", func(ctx context.Context) (Cancellation, error) {
		return m.Cancel(ctx, actor, orderID, opts)
	})
}

// loadOrder reads an order inside a step and maps a missing row.
func (m *Market) loadOrder(ctx context.Context, op string, id int64) (market.Order, error) {
	o, err := m.store.LoadOrderByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return market.Order{}, market.Unavailable(op, id, market.ErrOrderNotFound)
	}
	if err != nil {
		return market.Order{}, market.Unavailable(op, id, fmt.Errorf("load order: %w", err))
	}
	return o, nil
}

// observe records an operation's outcome and logs rejections.
func (m *Market) observe(op, flow string, orderID int64, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(market.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.metrics.ObserveOperation(op, outcome, time.Since(start))

	switch market.CodeOf(err) {
	case market.CodeValidation, market.CodeUnavailable:
		m.logger.Info("request rejected", "op", op, "flow", flow, "order", orderID, "error", err)
	}
}

// escalate reports a critical desynchronization: audit, metrics and an
// Error log line. It never blocks the caller on the audit sink.
func (m *Market) escalate(ctx context.Context, ev market.AuditEvent) {
	ev.Kind = market.AuditCriticalDesync
	m.metrics.Desync()
	m.logger.Error("critical desync",
		"event", "critical_desync",
		"flow", ev.Flow,
		"actor", ev.ActorID,
		"order", ev.OrderID,
		"detail", ev.Detail,
		"error", ev.Err,
	)
	m.audit.Record(ctx, ev)
}
