package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/buyorders/internal/audit"
	"github.com/roach88/buyorders/internal/engine"
	"github.com/roach88/buyorders/internal/escrow"
	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/sandbox"
	"github.com/roach88/buyorders/internal/settlement"
	"github.com/roach88/buyorders/internal/store"
	"github.com/roach88/buyorders/internal/testutil"
)

// Epoch is the wall-clock time every scenario starts at.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness runs one scenario against a fresh market.
type Harness struct {
	scenario *Scenario
	store    *faultyStore
	world    *sandbox.World
	loop     *engine.Loop
	market   *escrow.Market
	flusher  *settlement.Flusher
	audit    *audit.Recorder
	clock    *testutil.ManualClock
	logger   *slog.Logger

	// orders maps place labels to order ids.
	orders map[string]int64
	// items is every good the scenario names, by key.
	items map[string]market.Item

	mu        sync.Mutex
	baseline  totals
	discarded int
	desynced  bool
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database and sandbox world with a
// manual clock and sequential flow tokens, so identical scenarios produce
// identical results. An error is returned only when the run itself could
// not be set up; failed expectations are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = h.loop.Run(loopCtx) }()

	result := NewResult()
	h.seed()
	base, err := h.totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to take baseline: %w", err)
	}
	h.baseline = base

	for i := range scenario.Steps {
		step := &scenario.Steps[i]
		res := h.execute(ctx, i+1, step)
		result.Steps = append(result.Steps, res)
		for _, msg := range checkStep(res, step.Expect) {
			result.AddError(msg)
		}
		if res.Outcome == string(market.CodeDesync) || desyncedBranch(res) {
			h.desynced = true
		}
		if !h.desynced {
			if msg := h.checkConserved(ctx); msg != "" {
				result.AddError(fmt.Sprintf("step %d (%s): %s", res.Step, res.Action, msg))
			}
		}
	}

	state, err := h.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	result.State = state

	if scenario.Final != nil {
		for _, msg := range h.checkFinal(ctx, scenario.Final) {
			result.AddError(msg)
		}
	}
	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	if scenario == nil {
		return nil, errors.New("scenario is required")
	}
	ttl := time.Hour
	if scenario.OrderTTL != "" {
		d, err := time.ParseDuration(scenario.OrderTTL)
		if err != nil {
			return nil, fmt.Errorf("order_ttl: %w", err)
		}
		ttl = d
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in scenarios
	clk := testutil.NewManualClock(Epoch)

	st, err := store.Open(":memory:", store.WithClock(clk.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	h := &Harness{
		scenario: scenario,
		store:    &faultyStore{Store: st},
		world:    sandbox.New(),
		loop:     engine.NewLoop(engine.WithLogger(logger)),
		audit:    &audit.Recorder{},
		clock:    clk,
		logger:   logger,
		orders:   make(map[string]int64),
		items:    make(map[string]market.Item),
	}

	opts := []escrow.Option{
		escrow.WithClock(clk),
		escrow.WithFlowGenerator(testutil.NewSequentialFlowGenerator("flow")),
		escrow.WithLogger(logger),
		escrow.WithOrderTTL(ttl),
	}
	if scenario.MaxOrdersPerPlacer != 0 {
		opts = append(opts, escrow.WithMaxOrdersPerPlacer(scenario.MaxOrdersPerPlacer))
	}
	h.market, err = escrow.New(h.loop, escrow.Deps{
		Store:     h.store,
		Ledger:    h.world,
		Inventory: h.world,
		Presence:  h.world,
		Offline:   st,
		Audit:     h.audit,
	}, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	h.flusher, err = settlement.NewFlusher(settlement.Deps{
		Queue:     st,
		Ledger:    h.world,
		Inventory: h.world,
		Presence:  h.world,
		Audit:     h.audit,
	}, settlement.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, err
	}
	return h, nil
}

func (h *Harness) close() {
	h.loop.Stop()
	<-h.loop.Done()
	h.store.Close()
}

// seed loads the scenario's actors into the world.
func (h *Harness) seed() {
	ids := make([]string, 0, len(h.scenario.Actors))
	for id := range h.scenario.Actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := h.scenario.Actors[id]
		balance := decimal.Zero
		if a.Balance != "" {
			balance = decimal.RequireFromString(a.Balance)
		}
		h.world.SetBalance(id, balance)
		h.world.SetOnline(id, !a.Offline)
		h.world.SetCapacity(id, a.Capacity)
		for _, b := range a.Items {
			batch := b.Batch()
			h.items[batch.Item.Key()] = batch.Item
			h.world.AddItems(id, batch.Item, batch.Quantity)
		}
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if code := market.CodeOf(err); code != "" {
		return string(code)
	}
	return OutcomeError
}

// settledFields reports whether a protocol result should be read: it
// succeeded, or it moved value before desynchronizing.
func settledFields(err error) bool {
	return err == nil || market.IsDesync(err)
}

func desyncedBranch(res StepResult) bool {
	return res.Outcomes[string(market.CodeDesync)] > 0
}

// execute runs one step and records its outcome.
func (h *Harness) execute(ctx context.Context, n int, step *Step) StepResult {
	res := h.run(ctx, step)
	res.Step = n
	res.Outcome = outcomeOf(res.Err)
	return res
}

func (h *Harness) run(ctx context.Context, step *Step) StepResult {
	switch {
	case step.Place != nil:
		return h.place(ctx, step.Place)
	case step.Deliver != nil:
		return h.deliver(ctx, step.Deliver)
	case step.Cancel != nil:
		return h.cancel(ctx, step.Cancel)
	case step.Claim != nil:
		return h.claim(ctx, step.Claim)
	case step.Remove != nil:
		p := step.Remove
		return StepResult{Action: "remove", Order: p.Order,
			Err: h.market.Remove(ctx, market.Actor{ID: p.Actor, Admin: p.Admin}, h.orders[p.Order])}
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err == nil {
			h.clock.Advance(d)
		}
		return StepResult{Action: "advance", Err: err}
	case step.Sweep:
		rep, err := h.market.SettleExpired(ctx)
		return StepResult{Action: "sweep", Settled: len(rep.Settled), Err: err}
	case step.Flush != nil:
		return h.flush(ctx, step.Flush.Actor)
	case step.Presence != nil:
		h.world.SetOnline(step.Presence.Actor, step.Presence.Online)
		if !step.Presence.Online {
			return StepResult{Action: "presence"}
		}
		res := h.flush(ctx, step.Presence.Actor)
		res.Action = "presence"
		return res
	case step.Fault != nil:
		return h.fault(step.Fault)
	case step.StoreFault != nil:
		h.store.set(step.StoreFault.Op, !step.StoreFault.Clear)
		return StepResult{Action: "store_fault"}
	case len(step.Concurrent) > 0:
		return h.concurrent(ctx, step.Concurrent)
	}
	return StepResult{Action: "unknown", Err: errors.New("step has no action")}
}

func (h *Harness) place(ctx context.Context, p *PlaceStep) StepResult {
	res := StepResult{Action: "place", Order: p.As}
	item := p.Item.Item()
	if item.Type != "" {
		h.items[item.Key()] = item
	}
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		res.Err = err
		return res
	}
	o, err := h.market.Place(ctx, escrow.PlaceRequest{
		PlacerID:  p.Placer,
		Item:      item,
		Quantity:  p.Quantity,
		UnitPrice: price,
	})
	if res.Err = err; err != nil {
		return res
	}
	h.orders[p.As] = o.ID
	res.Quantity = o.TotalQuantity
	res.Status = string(o.Status)
	return res
}

func (h *Harness) deliver(ctx context.Context, p *DeliverStep) StepResult {
	res := StepResult{Action: "deliver", Order: p.Order}
	d, err := h.market.Deliver(ctx, p.Filler, h.orders[p.Order], p.Quantity)
	res.Err = err
	if settledFields(err) {
		res.Quantity = d.Quantity
		res.Paid = d.Paid.String()
		res.Status = string(d.Status)
	}
	return res
}

func (h *Harness) cancel(ctx context.Context, p *CancelStep) StepResult {
	res := StepResult{Action: "cancel", Order: p.Order}
	refund, items := p.Options()
	c, err := h.market.Cancel(ctx, market.Actor{ID: p.Actor, Admin: p.Admin}, h.orders[p.Order],
		escrow.CancelOptions{RefundMoney: refund, ReturnItems: items})
	res.Err = err

	h.mu.Lock()
	h.discarded += market.TotalQuantity(c.Discarded)
	h.mu.Unlock()

	if settledFields(err) {
		res.Quantity = market.TotalQuantity(c.Returned)
		res.Refund = c.Refund.String()
		res.Route = c.Route
		res.Deleted = c.Deleted
	}
	return res
}

func (h *Harness) claim(ctx context.Context, p *OrderStep) StepResult {
	res := StepResult{Action: "claim", Order: p.Order}
	c, err := h.market.Claim(ctx, market.Actor{ID: p.Actor, Admin: p.Admin}, h.orders[p.Order])
	res.Err = err
	if settledFields(err) {
		res.Quantity = market.TotalQuantity(c.Items)
		res.Route = c.Route
	}
	return res
}

func (h *Harness) flush(ctx context.Context, actorID string) StepResult {
	res := StepResult{Action: "flush"}
	if actorID != "" {
		rep, err := h.flusher.Flush(ctx, actorID)
		res.Settled, res.Quantity, res.Err = rep.Settled, rep.Quantity, err
		return res
	}
	reps, err := h.flusher.FlushAll(ctx)
	for _, rep := range reps {
		res.Settled += rep.Settled
		res.Quantity += rep.Quantity
	}
	res.Err = err
	return res
}

func (h *Harness) fault(p *FaultStep) StepResult {
	res := StepResult{Action: "fault"}
	if p.Clear {
		h.world.ClearFaults()
		return res
	}
	op, err := sandbox.ParseOp(p.Op)
	if err != nil {
		res.Err = err
		return res
	}
	times := p.Times
	if times == 0 {
		times = 1
	}
	h.world.Inject(op, p.Actor, times)
	return res
}

// concurrent runs every branch at once and counts their outcomes.
func (h *Harness) concurrent(ctx context.Context, branches []Step) StepResult {
	results := make([]StepResult, len(branches))
	var g errgroup.Group
	for i := range branches {
		g.Go(func() error {
			results[i] = h.execute(ctx, i+1, &branches[i])
			return nil
		})
	}
	_ = g.Wait()

	res := StepResult{Action: "concurrent", Outcomes: make(map[string]int)}
	for _, r := range results {
		res.Outcomes[r.Outcome]++
	}
	return res
}

// faultyStore fails chosen store writes until they are cleared.
type faultyStore struct {
	*store.Store

	mu      sync.Mutex
	failing map[string]bool
}

// ErrStoreFault is returned by a store write failed on purpose.
var ErrStoreFault = errors.New("harness: injected store fault")

func (f *faultyStore) set(op string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing == nil {
		f.failing = make(map[string]bool)
	}
	f.failing[op] = failing
}

func (f *faultyStore) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[op] {
		return fmt.Errorf("%s: %w", op, ErrStoreFault)
	}
	return nil
}

func (f *faultyStore) CreateOrder(ctx context.Context, o market.Order) (market.Order, error) {
	if err := f.fail(StoreCreate); err != nil {
		return market.Order{}, err
	}
	return f.Store.CreateOrder(ctx, o)
}

func (f *faultyStore) AppendVaultEntry(ctx context.Context, orderID int64, placerID string, b market.Batch) (int64, error) {
	if err := f.fail(StoreAppend); err != nil {
		return 0, err
	}
	return f.Store.AppendVaultEntry(ctx, orderID, placerID, b)
}

func (f *faultyStore) UpdateDeliveredAndStatus(ctx context.Context, id int64, expected, delivered int, st market.Status) (bool, error) {
	if err := f.fail(StoreFinal); err != nil {
		return false, err
	}
	return f.Store.UpdateDeliveredAndStatus(ctx, id, expected, delivered, st)
}

func (f *faultyStore) DrainVault(ctx context.Context, orderID int64) ([]market.VaultEntry, error) {
	if err := f.fail(StoreDrain); err != nil {
		return nil, err
	}
	return f.Store.DrainVault(ctx, orderID)
}
