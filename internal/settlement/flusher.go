// Package settlement delivers money and goods that were queued for actors
// who could not receive them at the time.
//
// A Flusher drains one actor's pending settlements once the actor is
// reachable. Whatever still cannot be handed over stays queued; the queued
// row is rewritten in a single statement after each delivery attempt, so a
// settlement is never delivered twice.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/metrics"
	"github.com/roach88/buyorders/internal/store"
)

// Queue is the durable side of the offline settlement queue.
type Queue interface {
	PendingSettlements(ctx context.Context, actorID string) ([]store.Settlement, error)
	SettleRemainder(ctx context.Context, id int64, amount decimal.Decimal, items []market.Batch) (bool, error)
}

// Deps are the collaborators of a Flusher.
type Deps struct {
	Queue     Queue
	Ledger    market.Ledger
	Inventory market.Inventory
	Presence  market.Presence
	Audit     market.AuditLog
}

// Report summarizes one flush.
type Report struct {
	ActorID string
	// Settled counts settlements delivered in full.
	Settled int
	// Partial counts settlements of which only a part could be delivered.
	Partial int
	// Deferred counts settlements left untouched.
	Deferred int
	Amount   decimal.Decimal
	Quantity int
}

// Flusher hands queued settlements to reachable actors.
type Flusher struct {
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics

	// flights collapses concurrent flushes of the same actor into one.
	flights singleflight.Group
}

// Option configures a Flusher.
type Option func(*Flusher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Flusher) { f.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Flusher) { f.metrics = m }
}

// NewFlusher creates a Flusher.
func NewFlusher(deps Deps, opts ...Option) (*Flusher, error) {
	switch {
	case deps.Queue == nil:
		return nil, fmt.Errorf("new flusher: queue is required")
	case deps.Ledger == nil, deps.Inventory == nil, deps.Presence == nil:
		return nil, fmt.Errorf("new flusher: ledger, inventory and presence are required")
	}
	f := &Flusher{deps: deps, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Flush delivers every pending settlement of actorID. An unreachable actor
// is left alone. Concurrent calls for the same actor share one run.
func (f *Flusher) Flush(ctx context.Context, actorID string) (Report, error) {
	v, err, _ := f.flights.Do(actorID, func() (any, error) {
		return f.flush(context.WithoutCancel(ctx), actorID)
	})
	report, _ := v.(Report)
	return report, err
}

func (f *Flusher) flush(ctx context.Context, actorID string) (Report, error) {
	report := Report{ActorID: actorID, Amount: decimal.Zero}
	if actorID == "" {
		return report, fmt.Errorf("flush: %w", market.ErrInvalidActor)
	}
	if !f.deps.Presence.Online(ctx, actorID) {
		return report, nil
	}

	pending, err := f.deps.Queue.PendingSettlements(ctx, actorID)
	if err != nil {
		return report, fmt.Errorf("flush %s: %w", actorID, err)
	}

	for _, s := range pending {
		owedAmount, owedItems := f.deliver(ctx, s)
		paid := s.Amount.Sub(owedAmount)
		given := market.TotalQuantity(s.Items) - market.TotalQuantity(owedItems)
		if paid.IsZero() && given == 0 {
			report.Deferred++
			continue
		}

		if _, err := f.deps.Queue.SettleRemainder(ctx, s.ID, owedAmount, owedItems); err != nil {
			// Delivered but still queued: the next flush would pay again.
			f.metrics.Desync()
			f.logger.Error("critical desync",
				"event", "critical_desync",
				"actor", actorID,
				"settlement", s.ID,
				"detail", "settlement delivered but queue not updated",
				"error", err,
			)
			f.record(ctx, market.AuditEvent{
				Kind: market.AuditCriticalDesync, ActorID: actorID, Amount: paid, Quantity: given,
				Detail: fmt.Sprintf("settlement %d delivered but queue not updated", s.ID), Err: err,
			})
			return report, fmt.Errorf("flush %s: settlement %d: %w", actorID, s.ID, err)
		}

		report.Amount = report.Amount.Add(paid)
		report.Quantity += given
		if owedAmount.IsZero() && len(owedItems) == 0 {
			report.Settled++
		} else {
			report.Partial++
		}
		f.metrics.Settlement("flushed")
		f.record(ctx, market.AuditEvent{
			Kind: market.AuditSettlementFlush, ActorID: actorID, Amount: paid, Quantity: given,
			Detail: fmt.Sprintf("settlement %d", s.ID),
		})
	}

	if report.Settled+report.Partial > 0 {
		f.logger.Info("settlements flushed", "actor", actorID, "settled", report.Settled,
			"partial", report.Partial, "deferred", report.Deferred,
			"amount", report.Amount.String(), "quantity", report.Quantity)
	}
	return report, nil
}

// deliver attempts one settlement and returns what is still owed.
func (f *Flusher) deliver(ctx context.Context, s store.Settlement) (decimal.Decimal, []market.Batch) {
	owedAmount := decimal.Zero
	if s.Amount.IsPositive() {
		if err := f.deps.Ledger.Deposit(ctx, s.ActorID, s.Amount); err != nil {
			f.logger.Warn("queued deposit failed", "actor", s.ActorID, "settlement", s.ID, "error", err)
			owedAmount = s.Amount
		}
	}

	var owedItems []market.Batch
	for _, b := range s.Items {
		leftover, err := f.deps.Inventory.Give(ctx, s.ActorID, b.Item, b.Quantity)
		if err != nil {
			f.logger.Warn("queued give failed", "actor", s.ActorID, "settlement", s.ID, "item", b.Item.String(), "error", err)
			leftover = b.Quantity
		}
		if leftover > 0 {
			owedItems = append(owedItems, market.Batch{Item: b.Item, Quantity: leftover})
		}
	}
	return owedAmount, owedItems
}

func (f *Flusher) record(ctx context.Context, ev market.AuditEvent) {
	if f.deps.Audit != nil {
		f.deps.Audit.Record(ctx, ev)
	}
}

// FlushAll flushes every actor with pending settlements, a few at a time.
// Reports are sorted by actor.
func (f *Flusher) FlushAll(ctx context.Context) ([]Report, error) {
	pending, err := f.deps.Queue.PendingSettlements(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("flush all: %w", err)
	}
	seen := make(map[string]bool)
	var actors []string
	for _, s := range pending {
		if !seen[s.ActorID] {
			seen[s.ActorID] = true
			actors = append(actors, s.ActorID)
		}
	}

	reports := make([]Report, len(actors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, actorID := range actors {
		g.Go(func() error {
			r, err := f.Flush(gctx, actorID)
			reports[i] = r
			return err
		})
	}
	err = g.Wait()
	sort.Slice(reports, func(i, j int) bool { return reports[i].ActorID < reports[j].ActorID })
	return reports, err
}

// Run flushes every interval until ctx is done.
func (f *Flusher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := f.FlushAll(ctx); err != nil {
				f.logger.Warn("settlement flush failed", "error", err)
			}
		}
	}
}
