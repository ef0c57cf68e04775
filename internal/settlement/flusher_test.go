package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/buyorders/internal/audit"
	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/sandbox"
	"github.com/roach88/buyorders/internal/store"
	"github.com/roach88/buyorders/internal/testutil"
)

var gem = market.Item{Type: "gem"}

type fixture struct {
	flusher *Flusher
	store   *store.Store
	world   *sandbox.World
	audit   *audit.Recorder
}

func newFixture(t *testing.T, q Queue) *fixture {
	t.Helper()
	clk := testutil.NewManualClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.Open(filepath.Join(t.TempDir(), "flush.db"), store.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fx := &fixture{store: st, world: sandbox.New(), audit: &audit.Recorder{}}
	if q == nil {
		q = st
	}
	fx.flusher, err = NewFlusher(Deps{
		Queue:     q,
		Ledger:    fx.world,
		Inventory: fx.world,
		Presence:  fx.world,
		Audit:     fx.audit,
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return fx
}

func (fx *fixture) schedule(t *testing.T, actor, amount string, qty int) {
	t.Helper()
	var items []market.Batch
	if qty > 0 {
		items = []market.Batch{{Item: gem, Quantity: qty}}
	}
	require.NoError(t, fx.store.Schedule(context.Background(), actor, decimal.RequireFromString(amount), items))
}

func TestFlush_DeliversAndAcks(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.schedule(t, "alice", "12.5", 3)
	fx.schedule(t, "alice", "0", 2)
	fx.schedule(t, "bob", "4", 0)

	r, err := fx.flusher.Flush(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Settled)
	assert.Equal(t, "12.5", r.Amount.String())
	assert.Equal(t, 5, r.Quantity)

	assert.Equal(t, "12.5", fx.world.Balance("alice").String())
	assert.Equal(t, 5, fx.world.Held("alice", gem))

	pending, err := fx.store.PendingSettlements(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 1, "other actors untouched")
	assert.Equal(t, "bob", pending[0].ActorID)
	assert.Equal(t, 2, fx.audit.Count(market.AuditSettlementFlush))

	// A second flush has nothing left to pay.
	r, err = fx.flusher.Flush(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, r.Settled)
	assert.Equal(t, "12.5", fx.world.Balance("alice").String())
}

func TestFlush_SkipsOfflineActor(t *testing.T) {
	fx := newFixture(t, nil)
	fx.schedule(t, "alice", "3", 0)
	fx.world.SetOnline("alice", false)

	r, err := fx.flusher.Flush(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, r.Settled)
	assert.True(t, fx.world.Balance("alice").IsZero())
	assert.Zero(t, fx.world.Calls(sandbox.OpDeposit))
}

func TestFlush_KeepsWhatDoesNotFit(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.schedule(t, "alice", "5", 10)
	fx.world.SetCapacity("alice", 4)

	r, err := fx.flusher.Flush(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Partial)
	assert.Equal(t, 4, fx.world.Held("alice", gem))
	assert.Equal(t, "5", fx.world.Balance("alice").String())

	pending, err := fx.store.PendingSettlements(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Amount.IsZero(), "money is not paid twice")
	assert.Equal(t, 6, market.TotalQuantity(pending[0].Items))
}

func TestFlush_FailedDepositIsDeferred(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.schedule(t, "alice", "5", 0)
	fx.world.Inject(sandbox.OpDeposit, "alice", 1)

	r, err := fx.flusher.Flush(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Deferred)

	r, err = fx.flusher.Flush(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Settled)
	assert.Equal(t, "5", fx.world.Balance("alice").String())
}

type brokenQueue struct {
	*store.Store
}

func (brokenQueue) SettleRemainder(context.Context, int64, decimal.Decimal, []market.Batch) (bool, error) {
	return false, errors.New("database is locked")
}

func TestFlush_QueueWriteFailureIsEscalated(t *testing.T) {
	shared := newFixture(t, nil)
	shared.schedule(t, "alice", "5", 0)
	broken := newFixture(t, brokenQueue{Store: shared.store})

	_, err := broken.flusher.Flush(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, 1, broken.audit.Count(market.AuditCriticalDesync))
}

func TestFlushAll(t *testing.T) {
	fx := newFixture(t, nil)
	fx.schedule(t, "bob", "1", 0)
	fx.schedule(t, "alice", "2", 0)
	fx.world.SetOnline("bob", false)

	reports, err := fx.flusher.FlushAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "alice", reports[0].ActorID)
	assert.Equal(t, 1, reports[0].Settled)
	assert.Equal(t, "bob", reports[1].ActorID)
	assert.Zero(t, reports[1].Settled)
}

func TestFlush_RequiresActor(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.flusher.Flush(context.Background(), "")
	assert.ErrorIs(t, err, market.ErrInvalidActor)
}
