package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/testutil"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, _ := createTestStoreWithClock(t)
	return s
}

// createTestStoreWithClock creates a store whose time is driven by a manual clock.
func createTestStoreWithClock(t *testing.T) (*Store, *testutil.ManualClock) {
	t.Helper()
	clk := testutil.NewManualClock(testEpoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

// newTestOrder creates an order with minimal required fields and a one hour TTL.
func newTestOrder(placer string, qty int, price string) market.Order {
	return market.Order{
		PlacerID:      placer,
		PlacerName:    placer,
		Item:          market.Item{Type: "diamond"},
		TotalQuantity: qty,
		UnitPrice:     decimal.RequireFromString(price),
		CreatedAt:     testEpoch,
		ExpiresAt:     testEpoch.Add(time.Hour),
	}
}
