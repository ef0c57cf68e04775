package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/buyorders/internal/engine"
	"github.com/roach88/buyorders/internal/market"
)

// SystemActor is the admin identity expiry settlement runs as.
var SystemActor = market.Actor{ID: "system", Admin: true}

// sweepParallelism bounds concurrent settlements in SettleExpired.
const sweepParallelism = 8

// SweepReport summarizes one SettleExpired run.
type SweepReport struct {
	Settled []Cancellation
	// Skipped counts orders another actor settled first.
	Skipped int
}

// SettleExpired cancels every EXPIRED order with a full refund and item
// return. Orders are settled concurrently; each goes through Cancel, so an
// order settled by someone else in the meantime is skipped, not settled
// twice.
func (m *Market) SettleExpired(ctx context.Context) (SweepReport, error) {
	expired, err := engine.Do(ctx, m.loop, "settle expired: load", func(ctx context.Context) ([]market.Order, error) {
		return m.store.LoadOrdersByStatus(ctx, market.StatusExpired)
	})
	if err != nil {
		return SweepReport{}, market.Unavailable("settle expired", 0, err)
	}

	var (
		mu     sync.Mutex
		report SweepReport
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, o := range expired {
		id := o.ID
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			c, err := m.Cancel(gctx, SystemActor, id, FullRefund)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case market.IsUnavailable(err):
				report.Skipped++
			case err != nil:
				errs = append(errs, err)
				if market.IsDesync(err) {
					report.Settled = append(report.Settled, c)
				}
			default:
				report.Settled = append(report.Settled, c)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	sort.Slice(report.Settled, func(i, j int) bool { return report.Settled[i].OrderID < report.Settled[j].OrderID })

	if len(report.Settled) > 0 {
		m.logger.Info("expired orders settled", "settled", len(report.Settled), "skipped", report.Skipped, "failed", len(errs))
	}
	return report, errors.Join(errs...)
}
