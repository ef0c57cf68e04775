package escrow

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/roach88/buyorders/internal/audit"
	"github.com/roach88/buyorders/internal/engine"
	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/sandbox"
	"github.com/roach88/buyorders/internal/store"
	"github.com/roach88/buyorders/internal/testutil"
)

var (
	testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	diamond   = market.Item{Type: "diamond"}
	alice     = market.Actor{ID: "alice"}
	admin     = market.Actor{ID: "mod", Admin: true}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// faultyStore wraps the real store and fails chosen writes.
type faultyStore struct {
	*store.Store

	mu        sync.Mutex
	createErr error
	appendErr error
	finalErr  error
	drainErr  error
}

func (f *faultyStore) set(fn func(f *faultyStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faultyStore) CreateOrder(ctx context.Context, o market.Order) (market.Order, error) {
	f.mu.Lock()
	err := f.createErr
	f.mu.Unlock()
	if err != nil {
		return market.Order{}, err
	}
	return f.Store.CreateOrder(ctx, o)
}

func (f *faultyStore) AppendVaultEntry(ctx context.Context, orderID int64, placerID string, b market.Batch) (int64, error) {
	f.mu.Lock()
	err := f.appendErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Store.AppendVaultEntry(ctx, orderID, placerID, b)
}

func (f *faultyStore) UpdateDeliveredAndStatus(ctx context.Context, id int64, expected, delivered int, st market.Status) (bool, error) {
	f.mu.Lock()
	err := f.finalErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.Store.UpdateDeliveredAndStatus(ctx, id, expected, delivered, st)
}

func (f *faultyStore) DrainVault(ctx context.Context, orderID int64) ([]market.VaultEntry, error) {
	f.mu.Lock()
	err := f.drainErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.DrainVault(ctx, orderID)
}

// hookLedger runs a hook before selected deposits reach the sandbox.
type hookLedger struct {
	*sandbox.World

	mu        sync.Mutex
	onDeposit func(actorID string)
}

func (h *hookLedger) Deposit(ctx context.Context, actorID string, amount decimal.Decimal) error {
	h.mu.Lock()
	hook := h.onDeposit
	h.mu.Unlock()
	if hook != nil {
		hook(actorID)
	}
	return h.World.Deposit(ctx, actorID, amount)
}

// once wraps fn so it runs for the first matching actor only.
func (h *hookLedger) once(actorID string, fn func()) {
	var done bool
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDeposit = func(id string) {
		h.mu.Lock()
		fire := !done && id == actorID
		done = done || fire
		h.mu.Unlock()
		if fire {
			fn()
		}
	}
}

type testEnv struct {
	loop   *engine.Loop
	market *Market
	store  *faultyStore
	world  *sandbox.World
	ledger *hookLedger
	audit  *audit.Recorder
	clock  *testutil.ManualClock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv builds a market over a temp SQLite store and a sandbox world,
// with its loop running until the test ends.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clk := testutil.NewManualClock(testEpoch)

	st, err := store.Open(filepath.Join(t.TempDir(), "escrow.db"), store.WithClock(clk.Now))
	require.NoError(t, err)

	loop := engine.NewLoop(engine.WithLogger(discardLogger()))
	go func() { _ = loop.Run(context.Background()) }()
	t.Cleanup(func() {
		loop.Stop()
		<-loop.Done()
		st.Close()
	})

	e := &testEnv{
		loop:  loop,
		store: &faultyStore{Store: st},
		world: sandbox.New(),
		audit: &audit.Recorder{},
		clock: clk,
	}
	e.ledger = &hookLedger{World: e.world}

	base := []Option{
		WithClock(clk),
		WithFlowGenerator(testutil.NewSequentialFlowGenerator("flow")),
		WithLogger(discardLogger()),
		WithOrderTTL(time.Hour),
	}
	m, err := New(loop, Deps{
		Store:     e.store,
		Ledger:    e.ledger,
		Inventory: e.world,
		Presence:  e.world,
		Offline:   st,
		Audit:     e.audit,
	}, append(base, opts...)...)
	require.NoError(t, err)
	e.market = m
	return e
}

// place funds the placer with exactly the order's cost and places it.
func (e *testEnv) place(t *testing.T, placer string, qty int, price string) market.Order {
	t.Helper()
	cost := market.Cost(dec(price), qty)
	e.world.SetBalance(placer, e.world.Balance(placer).Add(cost))
	o, err := e.market.Place(context.Background(), PlaceRequest{
		PlacerID:  placer,
		Item:      diamond,
		Quantity:  qty,
		UnitPrice: dec(price),
	})
	require.NoError(t, err)
	return o
}

// testingT is satisfied by *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

// ledgerTotals is every unit of money and goods the system accounts for.
type ledgerTotals struct {
	money decimal.Decimal
	goods int
}

// totals sums money and goods across actors, order escrow, vaults and
// pending settlements. discarded goods (withheld by an admin) are added
// back by the caller.
func (e *testEnv) totals(t testingT) ledgerTotals {
	t.Helper()
	ctx := context.Background()
	tot := ledgerTotals{money: e.world.TotalMoney(), goods: e.world.TotalItems(diamond)}

	for _, st := range []market.Status{market.StatusActive, market.StatusExpired, market.StatusFilled, market.StatusCancelled} {
		orders, err := e.store.LoadOrdersByStatus(ctx, st)
		require.NoError(t, err)
		for _, o := range orders {
			if st != market.StatusCancelled {
				tot.money = tot.money.Add(o.Escrowed())
			}
			vault, err := e.store.LoadVault(ctx, o.ID)
			require.NoError(t, err)
			tot.goods += market.TotalQuantity(store.Batches(vault))
		}
	}

	pending, err := e.store.PendingSettlements(ctx, "")
	require.NoError(t, err)
	for _, p := range pending {
		tot.money = tot.money.Add(p.Amount)
		tot.goods += market.TotalQuantity(p.Items)
	}
	return tot
}

func (e *testEnv) requireConserved(t testingT, want ledgerTotals, discarded int) {
	t.Helper()
	got := e.totals(t)
	require.True(t, want.money.Equal(got.money), "money not conserved: want %s, got %s", want.money, got.money)
	require.Equal(t, want.goods, got.goods+discarded, "goods not conserved")
}
