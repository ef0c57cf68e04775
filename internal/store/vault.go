package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/buyorders/internal/market"
)

// AppendVaultEntry records one delivered batch for an order and returns the
// new entry id. Entries accumulate; nothing is merged in place.
func (s *Store) AppendVaultEntry(ctx context.Context, orderID int64, placerID string, batch market.Batch) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_entries (order_id, placer_id, item_key, quantity)
		VALUES (?, ?, ?, ?)
	`, orderID, placerID, batch.Item.Key(), batch.Quantity)
	if err != nil {
		return 0, fmt.Errorf("append vault entry for order %d: %w", orderID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append vault entry for order %d: last insert id: %w", orderID, err)
	}
	return id, nil
}

// LoadVault returns every entry of an order's vault ordered by id.
func (s *Store) LoadVault(ctx context.Context, orderID int64) ([]market.VaultEntry, error) {
	return loadVault(ctx, s.db, orderID)
}

// DeleteVaultEntries deletes exactly the given entry ids and returns how
// many rows were removed.
func (s *Store) DeleteVaultEntries(ctx context.Context, ids []int64) (int64, error) {
	return deleteVaultEntries(ctx, s.db, ids)
}

// DrainVault loads and deletes every entry of an order's vault in one
// transaction. The returned entries are the ones deleted; a second drain of
// the same order returns an empty slice.
func (s *Store) DrainVault(ctx context.Context, orderID int64) ([]market.VaultEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("drain vault for order %d: begin tx: %w", orderID, err)
	}
	defer tx.Rollback() // No-op if committed

	entries, err := loadVault(ctx, tx, orderID)
	if err != nil {
		return nil, fmt.Errorf("drain vault: %w", err)
	}
	if len(entries) == 0 {
		return entries, nil
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	n, err := deleteVaultEntries(ctx, tx, ids)
	if err != nil {
		return nil, fmt.Errorf("drain vault: %w", err)
	}
	if n != int64(len(ids)) {
		return nil, fmt.Errorf("drain vault for order %d: deleted %d of %d entries", orderID, n, len(ids))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("drain vault for order %d: commit: %w", orderID, err)
	}
	return entries, nil
}

// HasVaultEntries reports whether the order's vault holds any entry.
func (s *Store) HasVaultEntries(ctx context.Context, orderID int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM vault_entries WHERE order_id = ?)
	`, orderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check vault for order %d: %w", orderID, err)
	}
	return exists == 1, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func loadVault(ctx context.Context, q queryer, orderID int64) ([]market.VaultEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, placer_id, item_key, quantity
		FROM vault_entries
		WHERE order_id = ?
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load vault for order %d: %w", orderID, err)
	}
	defer rows.Close()

	entries := []market.VaultEntry{}
	for rows.Next() {
		var (
			e       market.VaultEntry
			itemKey string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.PlacerID, &itemKey, &e.Batch.Quantity); err != nil {
			return nil, fmt.Errorf("scan vault entry: %w", err)
		}
		if e.Batch.Item, err = market.ParseItemKey(itemKey); err != nil {
			return nil, fmt.Errorf("scan vault entry %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vault entries: %w", err)
	}
	return entries, nil
}

func deleteVaultEntries(ctx context.Context, q queryer, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	result, err := q.ExecContext(ctx, `DELETE FROM vault_entries WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete vault entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete vault entries: rows affected: %w", err)
	}
	return n, nil
}

// Batches extracts the batches of vault entries.
func Batches(entries []market.VaultEntry) []market.Batch {
	out := make([]market.Batch, len(entries))
	for i, e := range entries {
		out[i] = e.Batch
	}
	return out
}
