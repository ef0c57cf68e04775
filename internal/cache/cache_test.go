package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/testutil"
)

// fakeLoader counts loads and can be gated to hold a load in flight.
type fakeLoader struct {
	mu      sync.Mutex
	orders  []market.Order
	err     error
	gate    chan struct{}
	started chan struct{}

	activeLoads atomic.Int32
	placerLoads atomic.Int32
}

func (f *fakeLoader) set(orders ...market.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = orders
}

func (f *fakeLoader) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeLoader) load() ([]market.Order, error) {
	f.mu.Lock()
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]market.Order(nil), f.orders...), nil
}

func (f *fakeLoader) LoadActiveOrders(ctx context.Context) ([]market.Order, error) {
	f.activeLoads.Add(1)
	return f.load()
}

func (f *fakeLoader) LoadOrdersByPlacer(ctx context.Context, placerID string) ([]market.Order, error) {
	f.placerLoads.Add(1)
	orders, err := f.load()
	if err != nil {
		return nil, err
	}
	out := orders[:0]
	for _, o := range orders {
		if o.PlacerID == placerID {
			out = append(out, o)
		}
	}
	return out, nil
}

func order(id int64, placer string) market.Order {
	return market.Order{
		ID:            id,
		PlacerID:      placer,
		Item:          market.Item{Type: "gem", Meta: map[string]string{"cut": "round"}},
		TotalQuantity: 10,
		Status:        market.StatusActive,
	}
}

func newTestCache(t *testing.T, l Loader) (*OrderCache, *testutil.ManualClock) {
	t.Helper()
	clk := testutil.NewManualClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return New(l, Options{ActiveTTL: 10 * time.Second, PlacerTTL: 20 * time.Second, Now: clk.Now}), clk
}

func TestOrderCache_ServesWithinTTL(t *testing.T) {
	l := &fakeLoader{}
	l.set(order(1, "alice"))
	c, clk := newTestCache(t, l)
	ctx := context.Background()

	got, err := c.ActiveOrders(ctx, false)
	require.NoError(t, err)
	require.Len(t, got, 1)

	l.set(order(1, "alice"), order(2, "bob"))
	clk.Advance(9 * time.Second)
	got, err = c.ActiveOrders(ctx, false)
	require.NoError(t, err)
	assert.Len(t, got, 1, "snapshot within TTL should be served")
	assert.Equal(t, int32(1), l.activeLoads.Load())

	clk.Advance(time.Second)
	got, err = c.ActiveOrders(ctx, false)
	require.NoError(t, err)
	assert.Len(t, got, 2, "expired snapshot should be reloaded")
	assert.Equal(t, int32(2), l.activeLoads.Load())
}

func TestOrderCache_ForceBypassesTTL(t *testing.T) {
	l := &fakeLoader{}
	l.set(order(1, "alice"))
	c, _ := newTestCache(t, l)
	ctx := context.Background()

	_, err := c.PlacerOrders(ctx, "alice", false)
	require.NoError(t, err)
	_, err = c.PlacerOrders(ctx, "alice", true)
	require.NoError(t, err)

	assert.Equal(t, int32(2), l.placerLoads.Load())
}

func TestOrderCache_IndependentKeys(t *testing.T) {
	l := &fakeLoader{}
	l.set(order(1, "alice"), order(2, "bob"))
	c, _ := newTestCache(t, l)
	ctx := context.Background()

	alice, err := c.PlacerOrders(ctx, "alice", false)
	require.NoError(t, err)
	bob, err := c.PlacerOrders(ctx, "bob", false)
	require.NoError(t, err)

	require.Len(t, alice, 1)
	require.Len(t, bob, 1)
	assert.Equal(t, int64(1), alice[0].ID)
	assert.Equal(t, int64(2), bob[0].ID)
	assert.Equal(t, int32(2), l.placerLoads.Load())
}

func TestOrderCache_StaleSnapshotDuringRefresh(t *testing.T) {
	l := &fakeLoader{}
	l.set(order(1, "alice"))
	c, clk := newTestCache(t, l)
	ctx := context.Background()

	_, err := c.ActiveOrders(ctx, false)
	require.NoError(t, err)

	l.set(order(1, "alice"), order(2, "bob"))
	l.mu.Lock()
	l.gate = make(chan struct{})
	l.started = make(chan struct{}, 1)
	l.mu.Unlock()
	clk.Advance(time.Minute)

	refreshed := make(chan []market.Order, 1)
	go func() {
		got, err := c.ActiveOrders(ctx, false)
		assert.NoError(t, err)
		refreshed <- got
	}()
	<-l.started

	// A refresh is in flight: the last good snapshot comes back without a load.
	stale, err := c.ActiveOrders(ctx, true)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
	assert.Equal(t, int32(2), l.activeLoads.Load())

	close(l.gate)
	assert.Len(t, <-refreshed, 2)
}

func TestOrderCache_ColdLoadIsShared(t *testing.T) {
	l := &fakeLoader{}
	l.set(order(1, "alice"))
	l.gate = make(chan struct{})
	c, _ := newTestCache(t, l)

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.ActiveOrders(context.Background(), false)
			assert.NoError(t, err)
			assert.Len(t, got, 1)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(l.gate)
	wg.Wait()

	assert.Equal(t, int32(1), l.activeLoads.Load())
}

func TestOrderCache_SnapshotsAreCopies(t *testing.T) {
	l := &fakeLoader{}
	l.set(order(1, "alice"))
	c, _ := newTestCache(t, l)
	ctx := context.Background()

	got, err := c.ActiveOrders(ctx, false)
	require.NoError(t, err)
	got[0].Status = market.StatusCancelled
	got[0].Item.Meta["cut"] = "oval"

	again, err := c.ActiveOrders(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, market.StatusActive, again[0].Status)
	assert.Equal(t, "round", again[0].Item.Meta["cut"])
}

func TestOrderCache_Invalidate(t *testing.T) {
	l := &fakeLoader{}
	l.set(order(1, "alice"))
	c, _ := newTestCache(t, l)
	ctx := context.Background()

	_, err := c.ActiveOrders(ctx, false)
	require.NoError(t, err)
	_, err = c.PlacerOrders(ctx, "alice", false)
	require.NoError(t, err)
	_, err = c.PlacerOrders(ctx, "bob", false)
	require.NoError(t, err)

	c.Invalidate("alice")

	_, err = c.ActiveOrders(ctx, false)
	require.NoError(t, err)
	_, err = c.PlacerOrders(ctx, "alice", false)
	require.NoError(t, err)
	_, err = c.PlacerOrders(ctx, "bob", false)
	require.NoError(t, err)

	assert.Equal(t, int32(2), l.activeLoads.Load())
	assert.Equal(t, int32(3), l.placerLoads.Load(), "bob's snapshot is unaffected")

	c.InvalidateAll()
	_, err = c.PlacerOrders(ctx, "bob", false)
	require.NoError(t, err)
	assert.Equal(t, int32(4), l.placerLoads.Load())
}

func TestOrderCache_InvalidateDuringLoadDropsResult(t *testing.T) {
	l := &fakeLoader{}
	l.set(order(1, "alice"))
	l.gate = make(chan struct{})
	l.started = make(chan struct{}, 1)
	c, _ := newTestCache(t, l)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.ActiveOrders(ctx, false)
		assert.NoError(t, err)
	}()
	<-l.started
	c.Invalidate("alice")
	l.mu.Lock()
	gate := l.gate
	l.gate, l.started = nil, nil
	l.mu.Unlock()
	close(gate)
	<-done

	_, err := c.ActiveOrders(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), l.activeLoads.Load(), "result of a load raced by invalidation must not be cached")
}

func TestOrderCache_LoadError(t *testing.T) {
	l := &fakeLoader{}
	l.set(order(1, "alice"))
	c, clk := newTestCache(t, l)
	ctx := context.Background()

	boom := errors.New("database is locked")
	l.fail(boom)
	_, err := c.ActiveOrders(ctx, false)
	assert.ErrorIs(t, err, boom)

	l.fail(nil)
	_, err = c.ActiveOrders(ctx, false)
	require.NoError(t, err)

	l.fail(boom)
	clk.Advance(time.Minute)
	got, err := c.ActiveOrders(ctx, false)
	require.NoError(t, err, "last good snapshot is served when a refresh fails")
	assert.Len(t, got, 1)
}
