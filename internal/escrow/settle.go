package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/buyorders/internal/market"
)

// Settlement routes.
const (
	RouteNone    = "none"
	RouteDirect  = "direct"
	RouteOffline = "offline"
	RoutePartial = "partial"
)

// settle hands money and goods to an actor. A reachable actor gets them
// directly; whatever cannot be handed over (actor offline, deposit failed,
// give failed, inventory full) goes to the offline settlement queue.
//
// An error means part of the settlement was neither delivered nor queued.
func (m *Market) settle(ctx context.Context, flow, actorID string, orderID int64, amount decimal.Decimal, items []market.Batch) (string, error) {
	items = market.MergeBatches(items)
	if amount.IsZero() && len(items) == 0 {
		return RouteNone, nil
	}

	owedAmount := decimal.Zero
	var owedItems []market.Batch

	if !m.presence.Online(ctx, actorID) {
		owedAmount, owedItems = amount, items
	} else {
		if amount.IsPositive() {
			if err := m.ledger.Deposit(ctx, actorID, amount); err != nil {
				m.logger.Warn("direct deposit failed, queueing", "flow", flow, "actor", actorID, "order", orderID, "amount", amount.String(), "error", err)
				owedAmount = amount
			}
		}
		for _, b := range items {
			leftover, err := m.inventory.Give(ctx, actorID, b.Item, b.Quantity)
			if err != nil {
				m.logger.Warn("direct give failed, queueing", "flow", flow, "actor", actorID, "order", orderID, "item", b.Item.String(), "quantity", b.Quantity, "error", err)
				leftover = b.Quantity
			}
			if leftover > 0 {
				owedItems = append(owedItems, market.Batch{Item: b.Item, Quantity: leftover})
			}
		}
	}

	if owedAmount.IsZero() && len(owedItems) == 0 {
		m.metrics.Settlement(RouteDirect)
		return RouteDirect, nil
	}

	if err := m.offline.Schedule(ctx, actorID, owedAmount, owedItems); err != nil {
		return "", fmt.Errorf("schedule offline settlement for %s: %w", actorID, err)
	}
	m.audit.Record(ctx, market.AuditEvent{
		Kind:     market.AuditOfflineSchedule,
		Flow:     flow,
		ActorID:  actorID,
		OrderID:  orderID,
		Quantity: market.TotalQuantity(owedItems),
		Amount:   owedAmount,
	})

	route := RoutePartial
	if owedAmount.Equal(amount) && market.TotalQuantity(owedItems) == market.TotalQuantity(items) {
		route = RouteOffline
	}
	m.metrics.Settlement(route)
	return route, nil
}

// returnGoods gives qty units back to the actor they were taken from.
// Units that do not fit, or cannot be given, are queued.
func (m *Market) returnGoods(ctx context.Context, flow, actorID string, orderID int64, item market.Item, qty int) error {
	if qty <= 0 {
		return nil
	}
	_, err := m.settle(ctx, flow, actorID, orderID, decimal.Zero, []market.Batch{{Item: item, Quantity: qty}})
	return err
}

// reversePayment takes back a payment made to a filler during a delivery
// that did not complete.
func (m *Market) reversePayment(ctx context.Context, actorID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	if err := m.ledger.Withdraw(ctx, actorID, amount); err != nil {
		return fmt.Errorf("reverse payment of %s to %s: %w", amount, actorID, err)
	}
	return nil
}

// compensate undoes a delivery's first two phases: the payment (if made) and
// the removal of goods. Both are attempted even if one fails.
func (m *Market) compensate(ctx context.Context, flow, fillerID string, o market.Order, qty int, paid decimal.Decimal) error {
	payErr := m.reversePayment(ctx, fillerID, paid)
	goodsErr := m.returnGoods(ctx, flow, fillerID, o.ID, o.Item, qty)
	return errors.Join(payErr, goodsErr)
}
