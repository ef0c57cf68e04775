package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/buyorders/internal/engine"
	"github.com/roach88/buyorders/internal/market"
)

// Delivery is the outcome of a successful (or desynchronized) delivery.
type Delivery struct {
	Flow     string
	OrderID  int64
	FillerID string
	// Quantity is the number of units accepted and paid for.
	Quantity int
	Paid     decimal.Decimal
	// Delivered and Status are the order's values after the delivery.
	Delivered int
	Status    market.Status
}

// commit is what the store step of a delivery decided.
type commit struct {
	order    market.Order
	accepted int
	// abort is set when the order can no longer take the delivery.
	abort error
	// vaultErr is set when the vault entry could not be written.
	vaultErr error
	// finalErr is set when the entry was written but the order row was not.
	finalErr error
}

// Deliver moves up to offered units of an order's item from the filler into
// the order's vault and pays the filler per unit.
//
// Phases run in order, each undone if a later one fails: remove the goods
// from the filler, pay the filler, store the batch in the vault. The final
// delivered-count write is never undone; if it fails the delivery is
// reported as a desync. A delivery that loses the commit to a concurrent
// cancel is rolled back and escalated as critical_desync, but returns
// PARTIAL_FAILURE when the rollback succeeds.
func (m *Market) Deliver(ctx context.Context, fillerID string, orderID int64, offered int) (res Delivery, err error) {
	const op = "deliver"
	flow := m.flows.Generate()
	start := time.Now()
	defer func() { m.observe(op, flow, orderID, start, err) }()

	res = Delivery{Flow: flow, OrderID: orderID, FillerID: fillerID}
	if fillerID == "" {
		return res, market.Validation(op, orderID, market.ErrInvalidActor)
	}
	if offered <= 0 {
		return res, market.Validation(op, orderID, market.ErrInvalidQuantity)
	}

	o, err := engine.Do(ctx, m.loop, "deliver: validate", func(ctx context.Context) (market.Order, error) {
		o, err := m.loadOrder(ctx, op, orderID)
		if err != nil {
			return o, err
		}
		return o, m.deliverable(op, o, fillerID)
	})
	if err != nil {
		return res, err
	}

	held, err := m.inventory.Count(ctx, fillerID, o.Item)
	if err != nil {
		return res, market.PartialFailure(op, orderID, "count filler goods", err)
	}
	take := min(o.Remaining(), offered, held)
	if take <= 0 {
		return res, market.Validation(op, orderID, market.ErrNothingToDeliver)
	}

	// From here the delivery runs to completion or rollback.
	ctx = context.WithoutCancel(ctx)
	failed := func(phase string, cause error) {
		m.metrics.Rollback(phase)
		m.logger.Warn("delivery rolled back", "flow", flow, "order", orderID, "filler", fillerID, "phase", phase, "error", cause)
		m.audit.Record(ctx, market.AuditEvent{
			Kind: market.AuditDeliveryFailed, Flow: flow, ActorID: fillerID, OrderID: orderID,
			Quantity: take, Item: o.Item, Detail: phase, Err: cause,
		})
	}

	// Phase 1: remove.
	if err := m.inventory.Remove(ctx, fillerID, o.Item, take); err != nil {
		failed("remove", err)
		return res, market.PartialFailure(op, orderID, "remove goods from filler", err)
	}

	// Phase 2: pay.
	payment := market.Cost(o.UnitPrice, take)
	if payment.IsPositive() {
		if err := m.ledger.Deposit(ctx, fillerID, payment); err != nil {
			if rbErr := m.returnGoods(ctx, flow, fillerID, orderID, o.Item, take); rbErr != nil {
				m.escalate(ctx, market.AuditEvent{
					Flow: flow, ActorID: fillerID, OrderID: orderID, Quantity: take, Item: o.Item,
					Detail: "payment failed and removed goods could not be returned", Err: rbErr,
				})
				return res, market.Desync(op, orderID, "return goods after failed payment", rbErr)
			}
			failed("pay", err)
			return res, market.PartialFailure(op, orderID, "pay filler", err)
		}
	}

	// Phase 3 and the final write, against a fresh read of the order.
	c, err := engine.Do(ctx, m.loop, "deliver: commit", func(ctx context.Context) (commit, error) {
		return m.commitDelivery(ctx, o.ID, fillerID, take)
	})
	if err != nil {
		// The step itself could not run; nothing was written.
		c = commit{vaultErr: err}
	}
	m.orders.Invalidate(o.PlacerID)

	switch {
	case c.abort != nil, c.vaultErr != nil:
		cause, detail := c.abort, "order changed before goods were stored"
		if c.vaultErr != nil {
			cause, detail = c.vaultErr, "vault entry could not be stored"
		}
		if rbErr := m.compensate(ctx, flow, fillerID, o, take, payment); rbErr != nil {
			m.escalate(ctx, market.AuditEvent{
				Flow: flow, ActorID: fillerID, OrderID: orderID, Quantity: take, Amount: payment, Item: o.Item,
				Detail: detail + "; rollback failed", Err: rbErr,
			})
			return res, market.Desync(op, orderID, "roll back undelivered goods", rbErr)
		}
		// Rolled back, but goods and money moved and moved back: alert.
		m.escalate(ctx, market.AuditEvent{
			Flow: flow, ActorID: fillerID, OrderID: orderID, Quantity: take, Amount: payment, Item: o.Item,
			Detail: detail + "; rolled back", Err: cause,
		})
		m.metrics.Rollback("store")
		return res, market.PartialFailure(op, orderID, detail, cause)
	}

	res.Quantity = c.accepted
	res.Paid = market.Cost(o.UnitPrice, c.accepted)
	res.Delivered = c.order.DeliveredQuantity
	res.Status = c.order.Status

	var desync error
	if c.finalErr != nil {
		m.escalate(ctx, market.AuditEvent{
			Flow: flow, ActorID: fillerID, OrderID: orderID, Quantity: c.accepted, Amount: res.Paid, Item: o.Item,
			Detail: "goods vaulted and filler paid but delivered count not written", Err: c.finalErr,
		})
		desync = market.Desync(op, orderID, "final write failed", c.finalErr)
	}

	if surplus := take - c.accepted; surplus > 0 {
		// A concurrent delivery shrank the remaining need: hand back the
		// surplus and take back its payment.
		m.logger.Info("delivery trimmed", "flow", flow, "order", orderID, "filler", fillerID, "offered", take, "accepted", c.accepted)
		if rbErr := m.compensate(ctx, flow, fillerID, o, surplus, market.Cost(o.UnitPrice, surplus)); rbErr != nil {
			m.escalate(ctx, market.AuditEvent{
				Flow: flow, ActorID: fillerID, OrderID: orderID, Quantity: surplus, Item: o.Item,
				Detail: "surplus of trimmed delivery could not be returned", Err: rbErr,
			})
			if desync == nil {
				desync = market.Desync(op, orderID, "return trimmed surplus", rbErr)
			}
		}
	}

	m.audit.Record(ctx, market.AuditEvent{
		Kind: market.AuditDelivery, Flow: flow, ActorID: fillerID, OrderID: orderID,
		Quantity: res.Quantity, Amount: res.Paid, Item: o.Item,
		Detail: fmt.Sprintf("delivered %d/%d %s", res.Delivered, c.order.TotalQuantity, res.Status),
	})
	m.logger.Info("delivery completed", "flow", flow, "order", orderID, "filler", fillerID,
		"quantity", res.Quantity, "paid", res.Paid.String(), "status", res.Status)
	return res, desync
}

// deliverable checks the preconditions of a delivery against a fresh read.
func (m *Market) deliverable(op string, o market.Order, fillerID string) error {
	if fillerID == o.PlacerID {
		return market.Validation(op, o.ID, market.ErrSelfFill)
	}
	if o.Status == market.StatusExpired || (o.Status == market.StatusActive && o.ExpiredAt(m.clock.Now())) {
		return market.Unavailable(op, o.ID, market.ErrOrderExpired)
	}
	if o.Status != market.StatusActive {
		return market.Unavailable(op, o.ID, fmt.Errorf("%w: %s", market.ErrOrderNotActive, o.Status))
	}
	return nil
}

// commitDelivery runs as one loop step. It re-reads the order, trims take to
// the fresh remaining need, appends the vault entry and compare-and-sets the
// delivered count against the value it just read.
func (m *Market) commitDelivery(ctx context.Context, orderID int64, fillerID string, take int) (commit, error) {
	fresh, err := m.loadOrder(ctx, "deliver", orderID)
	if err != nil {
		// Cancelled and deleted while the filler was being paid.
		return commit{abort: fmt.Errorf("%w: %w", market.ErrOrderChanged, err)}, nil
	}
	if err := m.deliverable("deliver", fresh, fillerID); err != nil {
		return commit{order: fresh, abort: fmt.Errorf("%w: %w", market.ErrOrderChanged, err)}, nil
	}
	accepted := min(take, fresh.Remaining())
	if accepted <= 0 {
		return commit{order: fresh, abort: fmt.Errorf("%w: nothing left to fill", market.ErrOrderChanged)}, nil
	}

	batch := market.Batch{Item: fresh.Item, Quantity: accepted}
	if _, err := m.store.AppendVaultEntry(ctx, fresh.ID, fresh.PlacerID, batch); err != nil {
		return commit{order: fresh, vaultErr: err}, nil
	}

	newDelivered := fresh.DeliveredQuantity + accepted
	newStatus := market.StatusActive
	if newDelivered == fresh.TotalQuantity {
		newStatus = market.StatusFilled
	}

	c := commit{order: fresh, accepted: accepted}
	c.order.DeliveredQuantity = newDelivered
	c.order.Status = newStatus

	ok, err := m.store.UpdateDeliveredAndStatus(ctx, fresh.ID, fresh.DeliveredQuantity, newDelivered, newStatus)
	switch {
	case err != nil:
		c.finalErr = err
	case !ok:
		c.finalErr = fmt.Errorf("%w: delivered count moved from %d", market.ErrOrderChanged, fresh.DeliveredQuantity)
	}
	return c, nil
}
