package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/buyorders/internal/engine"
	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/store"
)

// Claim is the outcome of a placer collecting an order's vault.
type Claim struct {
	Flow    string
	OrderID int64
	Items   []market.Batch
	Route   string
}

// Claim drains an order's vault into the placer's inventory. It works in
// any order status; goods that do not fit are queued for later delivery.
func (m *Market) Claim(ctx context.Context, actor market.Actor, orderID int64) (res Claim, err error) {
	const op = "claim"
	flow := m.flows.Generate()
	start := time.Now()
	defer func() { m.observe(op, flow, orderID, start, err) }()

	res = Claim{Flow: flow, OrderID: orderID, Route: RouteNone}
	if actor.ID == "" {
		return res, market.Validation(op, orderID, market.ErrInvalidActor)
	}

	type drained struct {
		order   market.Order
		entries []market.VaultEntry
	}
	d, err := engine.Do(ctx, m.loop, "claim: drain", func(ctx context.Context) (drained, error) {
		o, err := m.loadOrder(ctx, op, orderID)
		if err != nil {
			return drained{}, err
		}
		if !actor.MayActFor(o.PlacerID) {
			return drained{}, market.Validation(op, orderID, market.ErrNotPlacer)
		}
		entries, err := m.store.DrainVault(ctx, orderID)
		if err != nil {
			return drained{}, market.PartialFailure(op, orderID, "drain vault", err)
		}
		return drained{order: o, entries: entries}, nil
	})
	if err != nil {
		return res, err
	}
	res.Items = market.MergeBatches(store.Batches(d.entries))
	if len(res.Items) == 0 {
		return res, nil
	}

	ctx = context.WithoutCancel(ctx)
	route, err := m.settle(ctx, flow, d.order.PlacerID, orderID, decimal.Zero, res.Items)
	if err != nil {
		m.escalate(ctx, market.AuditEvent{
			Flow: flow, ActorID: d.order.PlacerID, OrderID: orderID, Quantity: market.TotalQuantity(res.Items),
			Item: d.order.Item, Detail: "vault drained but goods could not be given or queued", Err: err,
		})
		return res, market.Desync(op, orderID, "hand over vault", err)
	}
	res.Route = route

	m.audit.Record(ctx, market.AuditEvent{
		Kind: market.AuditClaim, Flow: flow, ActorID: actor.ID, OrderID: orderID,
		Quantity: market.TotalQuantity(res.Items), Item: d.order.Item, Detail: "route " + route,
	})
	m.logger.Info("vault claimed", "flow", flow, "order", orderID, "placer", d.order.PlacerID,
		"quantity", market.TotalQuantity(res.Items), "route", route)
	return res, nil
}
