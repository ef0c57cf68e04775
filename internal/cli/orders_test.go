package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/store"
)

// seedOrders writes three orders: alice's diamond order with 2 units in
// its vault, alice's cancelled sword order and bob's emerald order.
func seedOrders(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orders.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	expires := time.Now().Add(24 * time.Hour)
	create := func(placer string, item market.Item, qty int, price string) market.Order {
		o, err := st.CreateOrder(ctx, market.Order{
			PlacerID:      placer,
			PlacerName:    placer + "-name",
			Item:          item,
			TotalQuantity: qty,
			UnitPrice:     decimal.RequireFromString(price),
			ExpiresAt:     expires,
		})
		require.NoError(t, err)
		return o
	}

	diamond := create("alice", market.Item{Type: "diamond"}, 10, "5")
	_, err = st.AppendVaultEntry(ctx, diamond.ID, "alice", market.Batch{Item: market.Item{Type: "diamond"}, Quantity: 2})
	require.NoError(t, err)
	ok, err := st.UpdateDeliveredAndStatus(ctx, diamond.ID, 0, 2, market.StatusActive)
	require.NoError(t, err)
	require.True(t, ok)

	sword := create("alice", market.Item{Type: "sword"}, 1, "100")
	ok, err = st.UpdateStatus(ctx, sword.ID, market.StatusActive, market.StatusCancelled)
	require.NoError(t, err)
	require.True(t, ok)

	create("bob", market.Item{Type: "emerald"}, 4, "2.5")
	return dbPath
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestOrdersListText(t *testing.T) {
	dbPath := seedOrders(t)

	out, err := executeRoot(t, "orders", "list", "--db", dbPath)
	require.NoError(t, err)

	assert.Contains(t, out, "ESCROWED")
	assert.Contains(t, out, "diamond")
	assert.Contains(t, out, "2/10")
	assert.Contains(t, out, "sword")
	assert.Contains(t, out, "emerald")
}

func TestOrdersListJSONFilters(t *testing.T) {
	dbPath := seedOrders(t)

	tests := []struct {
		name    string
		args    []string
		wantIDs []float64
	}{
		{"all", nil, []float64{1, 2, 3}},
		{"placer", []string{"--placer", "alice"}, []float64{1, 2}},
		{"status", []string{"--status", "active"}, []float64{1, 3}},
		{"placer_and_status", []string{"--placer", "alice", "--status", "CANCELLED"}, []float64{2}},
		{"no_match", []string{"--placer", "carol"}, []float64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"orders", "list", "--db", dbPath, "--format", "json"}, tt.args...)
			out, err := executeRoot(t, args...)
			require.NoError(t, err)

			var resp struct {
				Status string           `json:"status"`
				Data   []map[string]any `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			assert.Equal(t, "ok", resp.Status)

			ids := []float64{}
			for _, o := range resp.Data {
				ids = append(ids, o["id"].(float64))
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestOrdersListEscrow(t *testing.T) {
	dbPath := seedOrders(t)

	out, err := executeRoot(t, "orders", "list", "--db", dbPath, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data []OrderView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 3)
	assert.Equal(t, "40", resp.Data[0].Escrowed, "8 undelivered units at 5")
	assert.Equal(t, "0", resp.Data[1].Escrowed, "cancelled orders hold nothing")
	assert.Equal(t, "10", resp.Data[2].Escrowed)
}

func TestOrdersListInvalidStatus(t *testing.T) {
	dbPath := seedOrders(t)

	_, err := executeRoot(t, "orders", "list", "--db", dbPath, "--status", "pending")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --status")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestOrdersMissingDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "absent.db")

	_, err := executeRoot(t, "orders", "list", "--db", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestOrdersShowText(t *testing.T) {
	dbPath := seedOrders(t)

	out, err := executeRoot(t, "orders", "show", "--db", dbPath, "1")
	require.NoError(t, err)

	assert.Contains(t, out, "Order 1 (ACTIVE)")
	assert.Contains(t, out, "alice-name (alice)")
	assert.Contains(t, out, "Delivered: 2/10")
	assert.Contains(t, out, "2 x diamond")
}

func TestOrdersShowJSON(t *testing.T) {
	dbPath := seedOrders(t)

	out, err := executeRoot(t, "orders", "show", "--db", dbPath, "--format", "json", "3")
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   OrderView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "bob", resp.Data.PlacerID)
	assert.Equal(t, "emerald", resp.Data.Item)
	assert.Equal(t, "2.5", resp.Data.UnitPrice)
	assert.Empty(t, resp.Data.Vault)
}

func TestOrdersShowNotFound(t *testing.T) {
	dbPath := seedOrders(t)

	out, err := executeRoot(t, "orders", "show", "--db", dbPath, "--format", "json", "99")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "UNAVAILABLE", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "order not found")
}

func TestOrdersShowInvalidID(t *testing.T) {
	dbPath := seedOrders(t)

	_, err := executeRoot(t, "orders", "show", "--db", dbPath, "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid order id "abc"`)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
