package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/buyorders/internal/market"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// marshalBatches converts batches to JSON TEXT for storage.
// Items are stored by canonical key so identity survives metadata reordering.
func marshalBatches(batches []market.Batch) (string, error) {
	stored := make([]storedBatch, 0, len(batches))
	for _, b := range batches {
		stored = append(stored, storedBatch{ItemKey: b.Item.Key(), Quantity: b.Quantity})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stored); err != nil {
		return "", fmt.Errorf("marshal batches: %w", err)
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}

// unmarshalBatches parses JSON TEXT produced by marshalBatches.
func unmarshalBatches(data string) ([]market.Batch, error) {
	var stored []storedBatch
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal batches: %w", err)
	}
	batches := make([]market.Batch, 0, len(stored))
	for _, sb := range stored {
		item, err := market.ParseItemKey(sb.ItemKey)
		if err != nil {
			return nil, fmt.Errorf("unmarshal batches: %w", err)
		}
		batches = append(batches, market.Batch{Item: item, Quantity: sb.Quantity})
	}
	return batches, nil
}

type storedBatch struct {
	ItemKey  string `json:"item_key"`
	Quantity int    `json:"quantity"`
}

func toUnixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func parseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return d, nil
}

// scanOrder scans a row selected with orderColumns.
func scanOrder(row rowScanner) (market.Order, error) {
	var (
		o                   market.Order
		itemKey, price, st  string
		createdAt, expireAt int64
	)
	if err := row.Scan(
		&o.ID, &o.PlacerID, &o.PlacerName, &itemKey,
		&o.TotalQuantity, &o.DeliveredQuantity, &price,
		&createdAt, &expireAt, &st,
	); err != nil {
		if err == sql.ErrNoRows {
			return market.Order{}, ErrNotFound
		}
		return market.Order{}, fmt.Errorf("scan order: %w", err)
	}

	item, err := market.ParseItemKey(itemKey)
	if err != nil {
		return market.Order{}, fmt.Errorf("scan order %d: %w", o.ID, err)
	}
	o.Item = item

	if o.UnitPrice, err = parseMoney(price); err != nil {
		return market.Order{}, fmt.Errorf("scan order %d: %w", o.ID, err)
	}
	if o.Status, err = market.ParseStatus(st); err != nil {
		return market.Order{}, fmt.Errorf("scan order %d: %w", o.ID, err)
	}
	o.CreatedAt = fromUnixNano(createdAt)
	o.ExpiresAt = fromUnixNano(expireAt)
	return o, nil
}

const orderColumns = `id, placer_id, placer_name, item_key, total_quantity,
	delivered_quantity, unit_price, created_at, expires_at, status`
