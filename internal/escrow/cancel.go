package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/buyorders/internal/engine"
	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/store"
)

// CancelOptions are the operator toggles of a cancellation.
type CancelOptions struct {
	// RefundMoney returns the escrowed funds to the placer.
	RefundMoney bool
	// ReturnItems hands the vault to the placer; otherwise it is drained
	// and discarded.
	ReturnItems bool
}

// FullRefund refunds money and returns items.
var FullRefund = CancelOptions{RefundMoney: true, ReturnItems: true}

// Cancellation is the outcome of a cancellation.
type Cancellation struct {
	Flow     string
	OrderID  int64
	PlacerID string
	// Refund is the escrow returned to the placer.
	Refund decimal.Decimal
	// Returned are the vault batches handed to the placer.
	Returned []market.Batch
	// Discarded are the vault batches drained without being returned.
	Discarded []market.Batch
	// Route is how the placer was settled (direct, offline, partial, none).
	Route string
	// Deleted reports whether the order row was removed.
	Deleted bool
}

// cancelDecision is what the status-write step of a cancellation decided.
type cancelDecision struct {
	order    market.Order
	drained  []market.VaultEntry
	drainErr error
}

// Cancel terminates an ACTIVE or EXPIRED order and settles the placer.
//
// The order is re-read from the store and moved to CANCELLED with a
// compare-and-set on the status just observed. Only the caller whose write
// changed the row settles; every other concurrent caller gets
// ErrNotCancellable. The order row is deleted once its vault is empty.
func (m *Market) Cancel(ctx context.Context, actor market.Actor, orderID int64, opts CancelOptions) (res Cancellation, err error) {
	const op = "cancel"
	flow := m.flows.Generate()
	start := time.Now()
	defer func() { m.observe(op, flow, orderID, start, err) }()

	res = Cancellation{Flow: flow, OrderID: orderID, Refund: decimal.Zero, Route: RouteNone}
	if actor.ID == "" {
		return res, market.Validation(op, orderID, market.ErrInvalidActor)
	}

	d, err := engine.Do(ctx, m.loop, "cancel: mark", func(ctx context.Context) (cancelDecision, error) {
		o, err := m.loadOrder(ctx, op, orderID)
		if err != nil {
			return cancelDecision{}, err
		}
		if !actor.MayActFor(o.PlacerID) {
			return cancelDecision{}, market.Validation(op, orderID, market.ErrNotPlacer)
		}
		if !o.Status.Cancellable() {
			return cancelDecision{}, market.Unavailable(op, orderID, fmt.Errorf("%w: %s", market.ErrNotCancellable, o.Status))
		}
		ok, err := m.store.UpdateStatus(ctx, o.ID, o.Status, market.StatusCancelled)
		if err != nil {
			return cancelDecision{}, market.PartialFailure(op, orderID, "mark cancelled", err)
		}
		if !ok {
			return cancelDecision{}, market.Unavailable(op, orderID, fmt.Errorf("%w: settled by another actor", market.ErrNotCancellable))
		}

		// This caller won the status write and owns the settlement.
		drained, drainErr := m.store.DrainVault(ctx, o.ID)
		return cancelDecision{order: o, drained: drained, drainErr: drainErr}, nil
	})
	if err != nil {
		return res, err
	}
	m.orders.Invalidate(d.order.PlacerID)

	// Settlement must finish regardless of the caller going away.
	ctx = context.WithoutCancel(ctx)
	o := d.order
	res.PlacerID = o.PlacerID

	var desync error
	if d.drainErr != nil {
		// The vault stays for a later claim; the refund still goes out.
		m.escalate(ctx, market.AuditEvent{
			Flow: flow, ActorID: actor.ID, OrderID: orderID,
			Detail: "order cancelled but vault could not be drained", Err: d.drainErr,
		})
		desync = market.Desync(op, orderID, "drain vault", d.drainErr)
	}

	batches := market.MergeBatches(store.Batches(d.drained))
	if opts.ReturnItems {
		res.Returned = batches
	} else {
		res.Discarded = batches
	}
	if opts.RefundMoney {
		res.Refund = o.Escrowed()
	}

	route, err := m.settle(ctx, flow, o.PlacerID, orderID, res.Refund, res.Returned)
	if err != nil {
		m.escalate(ctx, market.AuditEvent{
			Flow: flow, ActorID: o.PlacerID, OrderID: orderID, Amount: res.Refund,
			Quantity: market.TotalQuantity(res.Returned),
			Detail:   "order cancelled but placer could not be settled or queued", Err: err,
		})
		return res, market.Desync(op, orderID, "settle placer", err)
	}
	res.Route = route

	if d.drainErr == nil {
		res.Deleted = m.deleteIfDrained(ctx, flow, orderID)
		m.orders.Invalidate(o.PlacerID)
	}

	detail := fmt.Sprintf("by %s, route %s", actor.ID, route)
	if len(res.Discarded) > 0 {
		detail += fmt.Sprintf(", %d units withheld", market.TotalQuantity(res.Discarded))
	}
	m.audit.Record(ctx, market.AuditEvent{
		Kind: market.AuditCancellation, Flow: flow, ActorID: actor.ID, OrderID: orderID,
		Quantity: market.TotalQuantity(res.Returned), Amount: res.Refund, Item: o.Item, Detail: detail,
	})
	m.logger.Info("order cancelled", "flow", flow, "order", orderID, "actor", actor.ID,
		"refund", res.Refund.String(), "returned", market.TotalQuantity(res.Returned), "route", route, "deleted", res.Deleted)
	return res, desync
}

// deleteIfDrained removes a settled order row once its vault is confirmed
// empty. Failures leave the row for an explicit Remove.
func (m *Market) deleteIfDrained(ctx context.Context, flow string, orderID int64) bool {
	deleted, err := engine.Do(ctx, m.loop, "cancel: delete", func(ctx context.Context) (bool, error) {
		has, err := m.store.HasVaultEntries(ctx, orderID)
		if err != nil || has {
			return false, err
		}
		return true, m.store.DeleteOrder(ctx, orderID)
	})
	if err != nil {
		m.logger.Warn("cancelled order left in place", "flow", flow, "order", orderID, "error", err)
		return false
	}
	return deleted
}

// Remove deletes a terminal order whose vault is empty. It never moves
// money or goods.
func (m *Market) Remove(ctx context.Context, actor market.Actor, orderID int64) (err error) {
	const op = "remove"
	flow := m.flows.Generate()
	start := time.Now()
	defer func() { m.observe(op, flow, orderID, start, err) }()

	if actor.ID == "" {
		return market.Validation(op, orderID, market.ErrInvalidActor)
	}

	o, err := engine.Do(ctx, m.loop, "remove", func(ctx context.Context) (market.Order, error) {
		o, err := m.loadOrder(ctx, op, orderID)
		if err != nil {
			return o, err
		}
		if !actor.MayActFor(o.PlacerID) {
			return o, market.Validation(op, orderID, market.ErrNotPlacer)
		}
		if !o.Status.Terminal() {
			return o, market.Unavailable(op, orderID, market.ErrOrderStillActive)
		}
		if o.Status == market.StatusExpired && o.Escrowed().IsPositive() {
			return o, market.Unavailable(op, orderID, market.ErrEscrowOutstanding)
		}
		has, err := m.store.HasVaultEntries(ctx, orderID)
		if err != nil {
			return o, market.Unavailable(op, orderID, fmt.Errorf("check vault: %w", err))
		}
		if has {
			return o, market.Unavailable(op, orderID, market.ErrVaultNotEmpty)
		}
		if err := m.store.DeleteOrder(ctx, orderID); err != nil {
			switch {
			case errors.Is(err, store.ErrVaultNotEmpty):
				return o, market.Unavailable(op, orderID, market.ErrVaultNotEmpty)
			case errors.Is(err, store.ErrNotFound):
				return o, market.Unavailable(op, orderID, market.ErrOrderNotFound)
			}
			return o, market.PartialFailure(op, orderID, "delete order", err)
		}
		return o, nil
	})
	if err != nil {
		return err
	}
	m.orders.Invalidate(o.PlacerID)

	m.audit.Record(ctx, market.AuditEvent{
		Kind: market.AuditOrderRemoved, Flow: flow, ActorID: actor.ID, OrderID: orderID, Item: o.Item,
		Detail: string(o.Status),
	})
	m.logger.Info("order removed", "flow", flow, "order", orderID, "actor", actor.ID, "status", o.Status)
	return nil
}
