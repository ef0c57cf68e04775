package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/sandbox"
)

func TestDeliver_Rejections(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := e.place(t, "alice", 10, "2")
	e.world.AddItems("bob", diamond, 5)

	tests := []struct {
		name    string
		filler  string
		orderID int64
		qty     int
		code    market.ErrorCode
		cause   error
	}{
		{"zero quantity", "bob", o.ID, 0, market.CodeValidation, market.ErrInvalidQuantity},
		{"negative quantity", "bob", o.ID, -3, market.CodeValidation, market.ErrInvalidQuantity},
		{"missing filler", "", o.ID, 1, market.CodeValidation, market.ErrInvalidActor},
		{"self fill", "alice", o.ID, 1, market.CodeValidation, market.ErrSelfFill},
		{"unknown order", "bob", 9999, 1, market.CodeUnavailable, market.ErrOrderNotFound},
		{"filler holds nothing", "carol", o.ID, 1, market.CodeValidation, market.ErrNothingToDeliver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.market.Deliver(ctx, tt.filler, tt.orderID, tt.qty)
			require.Error(t, err)
			assert.Equal(t, tt.code, market.CodeOf(err))
			assert.ErrorIs(t, err, tt.cause)
		})
	}

	assert.Equal(t, 5, e.world.Held("bob", diamond), "rejections have no side effects")
	assert.Equal(t, 0, e.world.Calls(sandbox.OpRemove))
}

func TestDeliver_RejectsTerminalOrders(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.world.AddItems("bob", diamond, 20)

	filled := e.place(t, "alice", 2, "1")
	_, err := e.market.Deliver(ctx, "bob", filled.ID, 2)
	require.NoError(t, err)
	_, err = e.market.Deliver(ctx, "bob", filled.ID, 1)
	assert.True(t, market.IsUnavailable(err))
	assert.ErrorIs(t, err, market.ErrOrderNotActive)

	expiring := e.place(t, "alice", 2, "1")
	e.clock.Advance(time.Hour)
	_, err = e.market.Deliver(ctx, "bob", expiring.ID, 1)
	assert.True(t, market.IsUnavailable(err))
	assert.ErrorIs(t, err, market.ErrOrderExpired)
}

func TestDeliver_RemoveFailureChangesNothing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := e.place(t, "alice", 10, "3")
	e.world.AddItems("bob", diamond, 4)
	e.world.Inject(sandbox.OpRemove, "bob", 1)
	before := e.totals(t)

	_, err := e.market.Deliver(ctx, "bob", o.ID, 4)
	assert.True(t, market.IsPartialFailure(err))
	assert.ErrorIs(t, err, sandbox.ErrInjected)

	assert.Equal(t, 4, e.world.Held("bob", diamond))
	assert.True(t, e.world.Balance("bob").IsZero())
	e.requireConserved(t, before, 0)
}

func TestDeliver_PayFailureRestoresFiller(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := e.place(t, "alice", 10, "3")
	e.world.AddItems("bob", diamond, 4)
	e.world.Inject(sandbox.OpDeposit, "bob", 1)
	before := e.totals(t)

	_, err := e.market.Deliver(ctx, "bob", o.ID, 4)
	require.Error(t, err)
	assert.True(t, market.IsPartialFailure(err))

	assert.Equal(t, 4, e.world.Held("bob", diamond), "held quantity restored")
	assert.True(t, e.world.Balance("bob").IsZero())
	has, err := e.store.HasVaultEntries(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, has, "no vault entry after a failed payment")

	fresh, err := e.market.Order(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.DeliveredQuantity)
	assert.Equal(t, 1, e.audit.Count(market.AuditDeliveryFailed))
	e.requireConserved(t, before, 0)
}

func TestDeliver_StoreFailureReversesPaymentAndGoods(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := e.place(t, "alice", 10, "3")
	e.world.AddItems("bob", diamond, 4)
	e.store.set(func(f *faultyStore) { f.appendErr = errors.New("disk full") })
	before := e.totals(t)

	_, err := e.market.Deliver(ctx, "bob", o.ID, 4)
	require.Error(t, err)
	assert.True(t, market.IsPartialFailure(err))

	assert.Equal(t, 4, e.world.Held("bob", diamond), "goods returned")
	assert.True(t, e.world.Balance("bob").IsZero(), "payment reversed")
	fresh, err := e.market.Order(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.DeliveredQuantity)
	assert.Equal(t, 1, e.audit.Count(market.AuditCriticalDesync), "vault write failure is escalated")
	e.requireConserved(t, before, 0)
}

func TestDeliver_StoreFailureWithUnreversiblePaymentIsDesync(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := e.place(t, "alice", 10, "3")
	e.world.AddItems("bob", diamond, 4)
	e.store.set(func(f *faultyStore) { f.appendErr = errors.New("disk full") })
	e.world.Inject(sandbox.OpWithdraw, "bob", 1)

	_, err := e.market.Deliver(ctx, "bob", o.ID, 4)
	assert.True(t, market.IsDesync(err))
	assert.Equal(t, 4, e.world.Held("bob", diamond), "goods are still returned")
	assert.Equal(t, 1, e.audit.Count(market.AuditCriticalDesync))
}

func TestDeliver_FinalWriteFailureIsDesyncNotRolledBack(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := e.place(t, "alice", 10, "3")
	e.world.AddItems("bob", diamond, 4)
	e.store.set(func(f *faultyStore) { f.finalErr = errors.New("database is locked") })

	d, err := e.market.Deliver(ctx, "bob", o.ID, 4)
	require.Error(t, err)
	assert.True(t, market.IsDesync(err))
	assert.Equal(t, 4, d.Quantity, "the caller sees what did happen")

	assert.Equal(t, "12", e.world.Balance("bob").String(), "filler keeps the payment")
	assert.Equal(t, 0, e.world.Held("bob", diamond))
	has, err := e.store.HasVaultEntries(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, has, "vault entry stays")
	assert.Equal(t, 1, e.audit.Count(market.AuditCriticalDesync))
}

func TestDeliver_CancelledMidFlightRollsBack(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := e.place(t, "alice", 10, "3")
	e.world.AddItems("bob", diamond, 4)
	before := e.totals(t)

	var cancelErr error
	e.ledger.once("bob", func() {
		_, cancelErr = e.market.Cancel(ctx, alice, o.ID, FullRefund)
	})

	_, err := e.market.Deliver(ctx, "bob", o.ID, 4)
	require.NoError(t, cancelErr)
	require.Error(t, err)
	assert.True(t, market.IsPartialFailure(err))
	assert.ErrorIs(t, err, market.ErrOrderChanged)

	assert.Equal(t, 4, e.world.Held("bob", diamond))
	assert.True(t, e.world.Balance("bob").IsZero())
	assert.Equal(t, "30", e.world.Balance("alice").String(), "placer refunded in full exactly once")
	assert.Equal(t, 1, e.audit.Count(market.AuditCriticalDesync))
	e.requireConserved(t, before, 0)
}

func TestDeliver_TrimsToFreshNeed(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := e.place(t, "alice", 10, "2")
	e.world.AddItems("bob", diamond, 8)
	e.world.AddItems("carol", diamond, 5)
	before := e.totals(t)

	// While bob is being paid, carol delivers 5 of the 10.
	var carol Delivery
	var carolErr error
	e.ledger.once("bob", func() {
		carol, carolErr = e.market.Deliver(ctx, "carol", o.ID, 5)
	})

	bob, err := e.market.Deliver(ctx, "bob", o.ID, 8)
	require.NoError(t, carolErr)
	require.NoError(t, err)

	assert.Equal(t, 5, carol.Quantity)
	assert.Equal(t, 5, bob.Quantity, "bob's 8 trimmed to the 5 still needed")
	assert.Equal(t, 10, bob.Delivered)
	assert.Equal(t, market.StatusFilled, bob.Status)

	assert.Equal(t, 3, e.world.Held("bob", diamond), "surplus returned")
	assert.Equal(t, "10", e.world.Balance("bob").String(), "surplus payment reversed")
	assert.Equal(t, "10", e.world.Balance("carol").String())

	fresh, err := e.market.Order(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, fresh.DeliveredQuantity)
	e.requireConserved(t, before, 0)
}

func TestDeliverAsync(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	o := e.place(t, "alice", 3, "1")
	e.world.AddItems("bob", diamond, 3)

	d, err := e.market.DeliverAsync(ctx, "bob", o.ID, 3).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, market.StatusFilled, d.Status)
}
