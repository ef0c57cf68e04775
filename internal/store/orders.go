package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/buyorders/internal/market"
)

// CreateOrder inserts a new ACTIVE order and returns it with its assigned id.
// DeliveredQuantity and Status of the argument are ignored.
//
// Ids come from AUTOINCREMENT and are never reused, even after deletion.
func (s *Store) CreateOrder(ctx context.Context, o market.Order) (market.Order, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.clock()
	}
	o.DeliveredQuantity = 0
	o.Status = market.StatusActive

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
		(placer_id, placer_name, item_key, total_quantity, delivered_quantity,
		 unit_price, created_at, expires_at, status)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
	`,
		o.PlacerID,
		o.PlacerName,
		o.Item.Key(),
		o.TotalQuantity,
		o.UnitPrice.String(),
		toUnixNano(o.CreatedAt),
		toUnixNano(o.ExpiresAt),
		string(market.StatusActive),
	)
	if err != nil {
		return market.Order{}, fmt.Errorf("create order: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return market.Order{}, fmt.Errorf("create order: last insert id: %w", err)
	}
	o.ID = id
	o.CreatedAt = fromUnixNano(toUnixNano(o.CreatedAt))
	o.ExpiresAt = fromUnixNano(toUnixNano(o.ExpiresAt))
	return o, nil
}

// SweepExpired rewrites every ACTIVE order whose expiry has passed to
// EXPIRED and returns how many rows changed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?
		WHERE status = ? AND expires_at <= ?
	`, string(market.StatusExpired), string(market.StatusActive), toUnixNano(s.clock()))
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep expired: rows affected: %w", err)
	}
	return n, nil
}

// LoadActiveOrders sweeps expiry and returns every ACTIVE order ordered by id.
// Returns an empty slice (not nil) if there are none.
func (s *Store) LoadActiveOrders(ctx context.Context) ([]market.Order, error) {
	if _, err := s.SweepExpired(ctx); err != nil {
		return nil, fmt.Errorf("load active orders: %w", err)
	}
	return s.queryOrders(ctx, "load active orders", `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = ?
		ORDER BY id ASC
	`, string(market.StatusActive))
}

// LoadOrdersByPlacer sweeps expiry and returns every order of the placer,
// in any status, ordered by id.
func (s *Store) LoadOrdersByPlacer(ctx context.Context, placerID string) ([]market.Order, error) {
	if _, err := s.SweepExpired(ctx); err != nil {
		return nil, fmt.Errorf("load orders by placer: %w", err)
	}
	return s.queryOrders(ctx, "load orders by placer", `
		SELECT `+orderColumns+`
		FROM orders
		WHERE placer_id = ?
		ORDER BY id ASC
	`, placerID)
}

// LoadOrdersByStatus sweeps expiry and returns every order in status st.
func (s *Store) LoadOrdersByStatus(ctx context.Context, st market.Status) ([]market.Order, error) {
	if _, err := s.SweepExpired(ctx); err != nil {
		return nil, fmt.Errorf("load orders by status: %w", err)
	}
	return s.queryOrders(ctx, "load orders by status", `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = ?
		ORDER BY id ASC
	`, string(st))
}

// LoadOrderByID returns one order, expiring it first if its time has passed.
// Returns ErrNotFound if the order does not exist.
func (s *Store) LoadOrderByID(ctx context.Context, id int64) (market.Order, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?
		WHERE id = ? AND status = ? AND expires_at <= ?
	`, string(market.StatusExpired), id, string(market.StatusActive), toUnixNano(s.clock()))
	if err != nil {
		return market.Order{}, fmt.Errorf("load order %d: sweep: %w", id, err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = ?
	`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return market.Order{}, ErrNotFound
		}
		return market.Order{}, fmt.Errorf("load order %d: %w", id, err)
	}
	return o, nil
}

// UpdateDeliveredAndStatus sets delivered_quantity and status on an order
// that is still ACTIVE with exactly expectedDelivered units delivered.
//
// Returns false, nil if the row was not in that state (another actor moved
// it first). The caller decides whether that is a conflict or a desync.
func (s *Store) UpdateDeliveredAndStatus(
	ctx context.Context,
	id int64,
	expectedDelivered, newDelivered int,
	newStatus market.Status,
) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders SET delivered_quantity = ?, status = ?
		WHERE id = ? AND status = ? AND delivered_quantity = ?
	`, newDelivered, string(newStatus), id, string(market.StatusActive), expectedDelivered)
	if err != nil {
		return false, fmt.Errorf("update delivered for order %d: %w", id, err)
	}
	return changed(result, "update delivered", id)
}

// UpdateStatus moves an order from status from to status to.
// Returns false, nil if the order was not in status from.
func (s *Store) UpdateStatus(ctx context.Context, id int64, from, to market.Status) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?
		WHERE id = ? AND status = ?
	`, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("update status for order %d: %w", id, err)
	}
	return changed(result, "update status", id)
}

// DeleteOrder removes an order row. The delete only happens if the vault is
// empty; otherwise ErrVaultNotEmpty is returned. Returns ErrNotFound if the
// order does not exist.
func (s *Store) DeleteOrder(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM orders
		WHERE id = ?
		  AND NOT EXISTS (SELECT 1 FROM vault_entries WHERE order_id = ?)
	`, id, id)
	if err != nil {
		return fmt.Errorf("delete order %d: %w", id, err)
	}
	ok, err := changed(result, "delete order", id)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("delete order %d: %w", id, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrVaultNotEmpty
}

func (s *Store) queryOrders(ctx context.Context, op, query string, args ...any) ([]market.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	orders := []market.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return orders, nil
}

func changed(result sql.Result, op string, id int64) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s for order %d: rows affected: %w", op, id, err)
	}
	return n > 0, nil
}
