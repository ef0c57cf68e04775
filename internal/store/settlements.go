package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/buyorders/internal/market"
)

// Settlement is money and goods owed to an actor who was unreachable when
// they were due.
type Settlement struct {
	ID        int64
	ActorID   string
	Amount    decimal.Decimal
	Items     []market.Batch
	CreatedAt time.Time
}

// Schedule durably queues a settlement. It implements
// market.OfflineSettlementQueue. Empty settlements are not stored.
func (s *Store) Schedule(ctx context.Context, actorID string, amount decimal.Decimal, items []market.Batch) error {
	items = market.MergeBatches(items)
	if amount.IsZero() && len(items) == 0 {
		return nil
	}
	if amount.IsNegative() {
		return fmt.Errorf("schedule settlement for %s: negative amount %s", actorID, amount)
	}

	itemsJSON, err := marshalBatches(items)
	if err != nil {
		return fmt.Errorf("schedule settlement for %s: %w", actorID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_settlements (actor_id, amount, items, created_at)
		VALUES (?, ?, ?, ?)
	`, actorID, amount.String(), itemsJSON, toUnixNano(s.clock()))
	if err != nil {
		return fmt.Errorf("schedule settlement for %s: %w", actorID, err)
	}
	return nil
}

// PendingSettlements returns the queued settlements of one actor, oldest
// first. An empty actorID returns every pending settlement.
func (s *Store) PendingSettlements(ctx context.Context, actorID string) ([]Settlement, error) {
	query := `SELECT id, actor_id, amount, items, created_at FROM pending_settlements`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id = ?`
		args = append(args, actorID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load pending settlements: %w", err)
	}
	defer rows.Close()

	out := []Settlement{}
	for rows.Next() {
		var (
			st               Settlement
			amount, itemsRaw string
			createdAt        int64
		)
		if err := rows.Scan(&st.ID, &st.ActorID, &amount, &itemsRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending settlement: %w", err)
		}
		if st.Amount, err = parseMoney(amount); err != nil {
			return nil, fmt.Errorf("pending settlement %d: %w", st.ID, err)
		}
		if st.Items, err = unmarshalBatches(itemsRaw); err != nil {
			return nil, fmt.Errorf("pending settlement %d: %w", st.ID, err)
		}
		st.CreatedAt = fromUnixNano(createdAt)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending settlements: %w", err)
	}
	return out, nil
}

// AckSettlement removes a delivered settlement. Returns false if it was
// already acknowledged.
func (s *Store) AckSettlement(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_settlements WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("ack settlement %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ack settlement %d: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// SettleRemainder records a partial delivery of a pending settlement: the
// row is rewritten to what is still owed, or deleted if nothing is.
// Returns false if the settlement no longer exists.
func (s *Store) SettleRemainder(ctx context.Context, id int64, amount decimal.Decimal, items []market.Batch) (bool, error) {
	items = market.MergeBatches(items)
	if amount.IsZero() && len(items) == 0 {
		return s.AckSettlement(ctx, id)
	}
	if amount.IsNegative() {
		return false, fmt.Errorf("settle remainder %d: negative amount %s", id, amount)
	}

	itemsJSON, err := marshalBatches(items)
	if err != nil {
		return false, fmt.Errorf("settle remainder %d: %w", id, err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_settlements SET amount = ?, items = ?
		WHERE id = ?
	`, amount.String(), itemsJSON, id)
	if err != nil {
		return false, fmt.Errorf("settle remainder %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("settle remainder %d: rows affected: %w", id, err)
	}
	return n > 0, nil
}
