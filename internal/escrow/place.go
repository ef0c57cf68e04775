package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/buyorders/internal/engine"
	"github.com/roach88/buyorders/internal/market"
)

// PlaceRequest describes a new buy order.
type PlaceRequest struct {
	PlacerID   string
	PlacerName string
	Item       market.Item
	Quantity   int
	UnitPrice  decimal.Decimal
}

// Place withdraws the full cost of an order from the placer into escrow and
// creates the order. If the order cannot be created the withdrawal is
// refunded.
func (m *Market) Place(ctx context.Context, req PlaceRequest) (o market.Order, err error) {
	const op = "place"
	flow := m.flows.Generate()
	start := time.Now()
	defer func() { m.observe(op, flow, o.ID, start, err) }()

	switch {
	case req.PlacerID == "":
		return o, market.Validation(op, 0, market.ErrInvalidActor)
	case req.Quantity <= 0:
		return o, market.Validation(op, 0, market.ErrInvalidQuantity)
	case req.UnitPrice.IsNegative():
		return o, market.Validation(op, 0, market.ErrInvalidPrice)
	}
	if err := req.Item.Validate(); err != nil {
		return o, market.Validation(op, 0, err)
	}
	if req.PlacerName == "" {
		req.PlacerName = req.PlacerID
	}

	// Advisory check so a placer at the limit is turned away before any
	// money moves; the create step checks again.
	if _, err := engine.Do(ctx, m.loop, "place: check limit", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.checkLimit(ctx, op, req.PlacerID)
	}); err != nil {
		return o, err
	}

	cost := market.Cost(req.UnitPrice, req.Quantity)
	ok, err := m.ledger.Has(ctx, req.PlacerID, cost)
	if err != nil {
		return o, market.PartialFailure(op, 0, "check placer funds", err)
	}
	if !ok {
		return o, market.Validation(op, 0, fmt.Errorf("%w: need %s", market.ErrInsufficientFunds, cost))
	}
	if err := m.ledger.Withdraw(ctx, req.PlacerID, cost); err != nil {
		return o, market.PartialFailure(op, 0, "withdraw escrow", err)
	}

	// Money has moved: finish or refund.
	ctx = context.WithoutCancel(ctx)
	now := m.clock.Now()
	o, err = engine.Do(ctx, m.loop, "place: create", func(ctx context.Context) (market.Order, error) {
		if err := m.checkLimit(ctx, op, req.PlacerID); err != nil {
			return market.Order{}, err
		}
		created, err := m.store.CreateOrder(ctx, market.Order{
			PlacerID:      req.PlacerID,
			PlacerName:    req.PlacerName,
			Item:          req.Item,
			TotalQuantity: req.Quantity,
			UnitPrice:     req.UnitPrice,
			CreatedAt:     now,
			ExpiresAt:     now.Add(m.orderTTL),
		})
		if err != nil {
			return market.Order{}, market.PartialFailure(op, 0, "create order", err)
		}
		return created, nil
	})
	if err != nil {
		if refundErr := m.reversePlacement(ctx, req.PlacerID, cost); refundErr != nil {
			m.escalate(ctx, market.AuditEvent{
				Flow: flow, ActorID: req.PlacerID, Amount: cost, Item: req.Item,
				Detail: "order not created and escrow could not be refunded", Err: refundErr,
			})
			return market.Order{}, market.Desync(op, 0, "refund escrow", refundErr)
		}
		m.metrics.Rollback("create")
		m.logger.Warn("placement rolled back", "flow", flow, "placer", req.PlacerID, "error", err)
		return market.Order{}, err
	}
	m.orders.Invalidate(o.PlacerID)

	m.audit.Record(ctx, market.AuditEvent{
		Kind: market.AuditOrderPlaced, Flow: flow, ActorID: o.PlacerID, OrderID: o.ID,
		Quantity: o.TotalQuantity, Amount: cost, Item: o.Item,
		Detail: fmt.Sprintf("unit price %s, expires %s", o.UnitPrice, o.ExpiresAt.Format(time.RFC3339)),
	})
	m.logger.Info("order placed", "flow", flow, "order", o.ID, "placer", o.PlacerID,
		"item", o.Item.String(), "quantity", o.TotalQuantity, "escrow", cost.String())
	return o, nil
}

// checkLimit runs inside a step.
func (m *Market) checkLimit(ctx context.Context, op, placerID string) error {
	if m.maxOrders <= 0 {
		return nil
	}
	orders, err := m.store.LoadOrdersByPlacer(ctx, placerID)
	if err != nil {
		return market.Unavailable(op, 0, fmt.Errorf("load placer orders: %w", err))
	}
	active := 0
	for _, o := range orders {
		if o.Status == market.StatusActive {
			active++
		}
	}
	if active >= m.maxOrders {
		return market.Validation(op, 0, fmt.Errorf("%w: %d of %d", market.ErrTooManyOrders, active, m.maxOrders))
	}
	return nil
}

// reversePlacement returns a withdrawal whose order was never created. An
// unreachable placer is queued.
func (m *Market) reversePlacement(ctx context.Context, placerID string, cost decimal.Decimal) error {
	if !cost.IsPositive() {
		return nil
	}
	if err := m.ledger.Deposit(ctx, placerID, cost); err == nil {
		return nil
	}
	return m.offline.Schedule(ctx, placerID, cost, nil)
}
