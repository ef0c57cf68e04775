package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/buyorders/internal/market"
)

func TestCreateOrder_AssignsMonotonicIDs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a, err := s.CreateOrder(ctx, newTestOrder("alice", 10, "5"))
	require.NoError(t, err)
	b, err := s.CreateOrder(ctx, newTestOrder("alice", 10, "5"))
	require.NoError(t, err)
	require.NoError(t, s.DeleteOrder(ctx, b.ID))
	c, err := s.CreateOrder(ctx, newTestOrder("bob", 1, "1"))
	require.NoError(t, err)

	assert.Greater(t, b.ID, a.ID)
	assert.Greater(t, c.ID, b.ID, "deleted ids must not be reused")
}

func TestCreateOrder_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	in := newTestOrder("alice", 100, "5.25")
	in.Item = market.Item{Type: "sword", Meta: map[string]string{"enchant": "sharpness", "level": "3"}}
	in.DeliveredQuantity = 42 // ignored on create
	in.Status = market.StatusFilled

	created, err := s.CreateOrder(ctx, in)
	require.NoError(t, err)

	loaded, err := s.LoadOrderByID(ctx, created.ID)
	require.NoError(t, err)

	if diff := cmp.Diff(created, loaded, decimalEqual); diff != "" {
		t.Errorf("order round trip mismatch (-created +loaded):\n%s", diff)
	}
	assert.Equal(t, market.StatusActive, loaded.Status)
	assert.Equal(t, 0, loaded.DeliveredQuantity)
	assert.Equal(t, "525", loaded.Withdrawn().String())
}

func TestCreateOrder_RejectsInvalidQuantity(t *testing.T) {
	s := createTestStore(t)

	_, err := s.CreateOrder(context.Background(), newTestOrder("alice", 0, "5"))
	assert.Error(t, err, "CHECK constraint must reject zero quantity")
}

func TestLoadOrderByID_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.LoadOrderByID(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpirySweep_OnNextLoad(t *testing.T) {
	s, clk := createTestStoreWithClock(t)
	ctx := context.Background()

	o, err := s.CreateOrder(ctx, newTestOrder("alice", 10, "1"))
	require.NoError(t, err)

	active, err := s.LoadActiveOrders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	clk.Advance(time.Hour)

	active, err = s.LoadActiveOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	loaded, err := s.LoadOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusExpired, loaded.Status)
}

func TestLoadOrderByID_SweepsSingleOrder(t *testing.T) {
	s, clk := createTestStoreWithClock(t)
	ctx := context.Background()

	o, err := s.CreateOrder(ctx, newTestOrder("alice", 10, "1"))
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	loaded, err := s.LoadOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusExpired, loaded.Status)
}

func TestLoadOrdersByPlacer(t *testing.T) {
	s, clk := createTestStoreWithClock(t)
	ctx := context.Background()

	_, err := s.CreateOrder(ctx, newTestOrder("alice", 10, "1"))
	require.NoError(t, err)
	_, err = s.CreateOrder(ctx, newTestOrder("bob", 10, "1"))
	require.NoError(t, err)
	long := newTestOrder("alice", 3, "2")
	long.ExpiresAt = testEpoch.Add(48 * time.Hour)
	_, err = s.CreateOrder(ctx, long)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)

	orders, err := s.LoadOrdersByPlacer(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, market.StatusExpired, orders[0].Status)
	assert.Equal(t, market.StatusActive, orders[1].Status)

	expired, err := s.LoadOrdersByStatus(ctx, market.StatusExpired)
	require.NoError(t, err)
	assert.Len(t, expired, 2)
}

func TestUpdateDeliveredAndStatus_CompareAndSet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	o, err := s.CreateOrder(ctx, newTestOrder("alice", 10, "1"))
	require.NoError(t, err)

	ok, err := s.UpdateDeliveredAndStatus(ctx, o.ID, 0, 6, market.StatusActive)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale expectation loses.
	ok, err = s.UpdateDeliveredAndStatus(ctx, o.ID, 0, 10, market.StatusFilled)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.UpdateDeliveredAndStatus(ctx, o.ID, 6, 10, market.StatusFilled)
	require.NoError(t, err)
	assert.True(t, ok)

	// No longer ACTIVE.
	ok, err = s.UpdateDeliveredAndStatus(ctx, o.ID, 10, 10, market.StatusFilled)
	require.NoError(t, err)
	assert.False(t, ok)

	loaded, err := s.LoadOrderByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.DeliveredQuantity)
	assert.Equal(t, market.StatusFilled, loaded.Status)
}

func TestUpdateDeliveredAndStatus_RejectsOverDelivery(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	o, err := s.CreateOrder(ctx, newTestOrder("alice", 10, "1"))
	require.NoError(t, err)

	_, err = s.UpdateDeliveredAndStatus(ctx, o.ID, 0, 11, market.StatusFilled)
	assert.Error(t, err, "CHECK constraint must reject delivered > total")
}

func TestUpdateStatus_OnlyOneWinner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	o, err := s.CreateOrder(ctx, newTestOrder("alice", 10, "1"))
	require.NoError(t, err)

	first, err := s.UpdateStatus(ctx, o.ID, market.StatusActive, market.StatusCancelled)
	require.NoError(t, err)
	second, err := s.UpdateStatus(ctx, o.ID, market.StatusActive, market.StatusCancelled)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestDeleteOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	o, err := s.CreateOrder(ctx, newTestOrder("alice", 10, "1"))
	require.NoError(t, err)
	_, err = s.AppendVaultEntry(ctx, o.ID, "alice", market.Batch{Item: o.Item, Quantity: 2})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteOrder(ctx, o.ID), ErrVaultNotEmpty)

	_, err = s.DrainVault(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, s.DeleteOrder(ctx, o.ID))

	assert.ErrorIs(t, s.DeleteOrder(ctx, o.ID), ErrNotFound)
	_, err = s.LoadOrderByID(ctx, o.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

var decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })
