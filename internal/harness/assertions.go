package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/buyorders/internal/engine"
	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/store"
)

// totals is every unit of money and goods the scenario accounts for.
type totals struct {
	money decimal.Decimal
	goods int
}

var allStatuses = []market.Status{market.StatusActive, market.StatusExpired, market.StatusFilled, market.StatusCancelled}

// totals sums money and goods across actors, order escrow, vaults and
// pending settlements.
func (h *Harness) totals(ctx context.Context) (totals, error) {
	return engine.Do(ctx, h.loop, "harness: totals", func(ctx context.Context) (totals, error) {
		t := totals{money: h.world.TotalMoney()}
		for _, it := range h.items {
			t.goods += h.world.TotalItems(it)
		}
		for _, st := range allStatuses {
			orders, err := h.store.LoadOrdersByStatus(ctx, st)
			if err != nil {
				return totals{}, err
			}
			for _, o := range orders {
				if st != market.StatusCancelled {
					t.money = t.money.Add(o.Escrowed())
				}
				vault, err := h.store.LoadVault(ctx, o.ID)
				if err != nil {
					return totals{}, err
				}
				t.goods += market.TotalQuantity(store.Batches(vault))
			}
		}
		pending, err := h.store.PendingSettlements(ctx, "")
		if err != nil {
			return totals{}, err
		}
		for _, p := range pending {
			t.money = t.money.Add(p.Amount)
			t.goods += market.TotalQuantity(p.Items)
		}
		return t, nil
	})
}

// checkConserved compares the current totals with the baseline. Goods
// withheld by an admin cancellation leave the system and are added back.
func (h *Harness) checkConserved(ctx context.Context) string {
	got, err := h.totals(ctx)
	if err != nil {
		return fmt.Sprintf("read totals: %v", err)
	}
	h.mu.Lock()
	discarded := h.discarded
	h.mu.Unlock()

	var problems []string
	if !got.money.Equal(h.baseline.money) {
		problems = append(problems, fmt.Sprintf("money not conserved: want %s, got %s", h.baseline.money, got.money))
	}
	if got.goods+discarded != h.baseline.goods {
		problems = append(problems, fmt.Sprintf("goods not conserved: want %d, got %d", h.baseline.goods, got.goods+discarded))
	}
	return strings.Join(problems, "; ")
}

// checkStep compares a step's result with its expectation. A nil
// expectation requires success.
func checkStep(res StepResult, exp *StepExpect) []string {
	prefix := fmt.Sprintf("step %d (%s)", res.Step, res.Action)
	if exp == nil {
		exp = &StepExpect{}
	}
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, prefix+": "+fmt.Sprintf(format, args...))
	}

	want := exp.Code
	if want == "" {
		want = OutcomeOK
	}
	if res.Outcome != want {
		if res.Err != nil {
			fail("expected %s, got %s: %v", want, res.Outcome, res.Err)
		} else {
			fail("expected %s, got %s", want, res.Outcome)
		}
	}
	if exp.Error != "" && (res.Err == nil || !strings.Contains(res.Err.Error(), exp.Error)) {
		fail("expected error containing %q, got %v", exp.Error, res.Err)
	}
	if exp.Quantity != nil && res.Quantity != *exp.Quantity {
		fail("quantity: expected %d, got %d", *exp.Quantity, res.Quantity)
	}
	if exp.Paid != "" && !decimalMatches(exp.Paid, res.Paid) {
		fail("paid: expected %s, got %s", exp.Paid, res.Paid)
	}
	if exp.Status != "" && res.Status != exp.Status {
		fail("status: expected %s, got %s", exp.Status, res.Status)
	}
	if exp.Refund != "" && !decimalMatches(exp.Refund, res.Refund) {
		fail("refund: expected %s, got %s", exp.Refund, res.Refund)
	}
	if exp.Route != "" && res.Route != exp.Route {
		fail("route: expected %s, got %s", exp.Route, res.Route)
	}
	if exp.Deleted != nil && res.Deleted != *exp.Deleted {
		fail("deleted: expected %t, got %t", *exp.Deleted, res.Deleted)
	}
	if exp.Settled != nil && res.Settled != *exp.Settled {
		fail("settled: expected %d, got %d", *exp.Settled, res.Settled)
	}
	if exp.Outcomes != nil {
		for _, code := range unionKeys(exp.Outcomes, res.Outcomes) {
			if exp.Outcomes[code] != res.Outcomes[code] {
				fail("outcome %s: expected %d, got %d", code, exp.Outcomes[code], res.Outcomes[code])
			}
		}
	}
	return errs
}

// checkFinal compares the world and store with the final expectations.
func (h *Harness) checkFinal(ctx context.Context, final *FinalExpect) []string {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, "final: "+fmt.Sprintf(format, args...))
	}

	for _, id := range sortedKeys(final.Balances) {
		want := final.Balances[id]
		if got := h.world.Balance(id); !decimalMatches(want, got.String()) {
			fail("balance of %s: expected %s, got %s", id, want, got)
		}
	}

	for _, id := range sortedKeys(final.Held) {
		for _, key := range sortedKeys(final.Held[id]) {
			item, err := parseItem(key)
			if err != nil {
				fail("held by %s: %v", id, err)
				continue
			}
			if want, got := final.Held[id][key], h.world.Held(id, item); want != got {
				fail("%s held by %s: expected %d, got %d", key, id, want, got)
			}
		}
	}

	for _, label := range sortedKeys(final.Orders) {
		want := final.Orders[label]
		o, err := h.market.Order(ctx, h.orders[label])
		if want.Deleted {
			if !errors.Is(err, market.ErrOrderNotFound) {
				fail("order %s: expected deleted, got %v", label, describe(o, err))
			}
			continue
		}
		if err != nil {
			fail("order %s: %v", label, err)
			continue
		}
		if want.Status != "" && string(o.Status) != want.Status {
			fail("order %s status: expected %s, got %s", label, want.Status, o.Status)
		}
		if want.Delivered != nil && o.DeliveredQuantity != *want.Delivered {
			fail("order %s delivered: expected %d, got %d", label, *want.Delivered, o.DeliveredQuantity)
		}
		if want.Escrowed != "" && !decimalMatches(want.Escrowed, o.Escrowed().String()) {
			fail("order %s escrowed: expected %s, got %s", label, want.Escrowed, o.Escrowed())
		}
		if want.Vault != nil {
			vault, err := h.market.Vault(ctx, o.ID)
			if err != nil {
				fail("order %s vault: %v", label, err)
			} else if got := market.TotalQuantity(store.Batches(vault)); got != *want.Vault {
				fail("order %s vault: expected %d units, got %d", label, *want.Vault, got)
			}
		}
	}

	if len(final.Pending) > 0 {
		pending, err := h.pendingByActor(ctx)
		if err != nil {
			fail("pending: %v", err)
		}
		for _, id := range sortedKeys(final.Pending) {
			want := final.Pending[id]
			got := pending[id]
			if got.Amount == "" {
				got.Amount = "0"
			}
			wantAmount := want.Amount
			if wantAmount == "" {
				wantAmount = "0"
			}
			if !decimalMatches(wantAmount, got.Amount) {
				fail("pending for %s: expected amount %s, got %s", id, wantAmount, got.Amount)
			}
			if got.Quantity != want.Quantity {
				fail("pending for %s: expected %d units, got %d", id, want.Quantity, got.Quantity)
			}
		}
	}

	for _, kind := range sortedKeys(final.Audit) {
		if want, got := final.Audit[kind], h.audit.Count(market.AuditKind(kind)); want != got {
			fail("audit %s: expected %d, got %d", kind, want, got)
		}
	}
	return errs
}

// pendingByActor sums queued settlements per actor.
func (h *Harness) pendingByActor(ctx context.Context) (map[string]PendingState, error) {
	rows, err := h.store.PendingSettlements(ctx, "")
	if err != nil {
		return nil, err
	}
	sums := make(map[string]decimal.Decimal)
	qty := make(map[string]int)
	for _, r := range rows {
		sums[r.ActorID] = sums[r.ActorID].Add(r.Amount)
		qty[r.ActorID] += market.TotalQuantity(r.Items)
	}
	out := make(map[string]PendingState, len(sums))
	for id, amount := range sums {
		out[id] = PendingState{Amount: amount.String(), Quantity: qty[id]}
	}
	return out, nil
}

func decimalMatches(want, got string) bool {
	w, err := decimal.NewFromString(want)
	if err != nil {
		return false
	}
	g, err := decimal.NewFromString(got)
	if err != nil {
		return false
	}
	return w.Equal(g)
}

// parseItem accepts a bare item type or a canonical item key.
func parseItem(key string) (market.Item, error) {
	if strings.HasPrefix(key, "{") {
		return market.ParseItemKey(key)
	}
	return market.Item{Type: key}, nil
}

func describe(o market.Order, err error) string {
	if err != nil {
		return err.Error()
	}
	return "status " + string(o.Status)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unionKeys(a, b map[string]int) []string {
	seen := make(map[string]int, len(a)+len(b))
	for k := range a {
		seen[k]++
	}
	for k := range b {
		seen[k]++
	}
	return sortedKeys(seen)
}
