// Package sandbox is an in-process stand-in for the ledger, inventory and
// presence services the marketplace consumes. It backs the HTTP server in
// sandbox mode, the scenario harness, and the escrow tests.
//
// Faults can be injected per operation and per actor to exercise the
// rollback paths.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/roach88/buyorders/internal/market"
)

// Op names a collaborator call that can be made to fail.
type Op string

const (
	OpWithdraw Op = "withdraw"
	OpDeposit  Op = "deposit"
	OpHas      Op = "has"
	OpCount    Op = "count"
	OpRemove   Op = "remove"
	OpGive     Op = "give"
)

// ParseOp converts an op name.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpWithdraw, OpDeposit, OpHas, OpCount, OpRemove, OpGive:
		return op, nil
	}
	return "", fmt.Errorf("unknown sandbox op %q", s)
}

// ErrInjected is returned by a call failed on purpose.
var ErrInjected = errors.New("sandbox: injected fault")

// ErrInsufficient is returned when an actor lacks the money or goods.
var ErrInsufficient = errors.New("sandbox: insufficient holdings")

type holding struct {
	item market.Item
	qty  int
}

type account struct {
	balance decimal.Decimal
	online  bool
	// capacity bounds the total units held; 0 means unbounded.
	capacity int
	items    map[string]*holding
}

func (a *account) units() int {
	n := 0
	for _, h := range a.items {
		n += h.qty
	}
	return n
}

type fault struct {
	op      Op
	actorID string // "" matches every actor
	times   int    // < 0 means forever
}

// World holds every sandbox account. The zero value is not usable; use New.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type World struct {
	mu       sync.Mutex
	accounts map[string]*account
	faults   []*fault
	calls    map[Op]int
}

var (
	_ market.Ledger    = (*World)(nil)
	_ market.Inventory = (*World)(nil)
	_ market.Presence  = (*World)(nil)
)

// New creates an empty world. Unknown actors are created on first touch,
// online, with zero balance and no goods.
func New() *World {
	return &World{
		accounts: make(map[string]*account),
		calls:    make(map[Op]int),
	}
}

func (w *World) account(id string) *account {
	a, ok := w.accounts[id]
	if !ok {
		a = &account{online: true, items: make(map[string]*holding)}
		w.accounts[id] = a
	}
	return a
}

// Inject makes the next times calls of op for actorID fail with
// ErrInjected. An empty actorID matches every actor; times < 0 fails
// forever.
func (w *World) Inject(op Op, actorID string, times int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.faults = append(w.faults, &fault{op: op, actorID: actorID, times: times})
}

// ClearFaults removes every injected fault.
func (w *World) ClearFaults() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.faults = nil
}

// Calls returns how many times op was invoked, failed calls included.
func (w *World) Calls(op Op) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[op]
}

// trip records a call and reports whether an injected fault fires.
// Callers hold w.mu.
func (w *World) trip(op Op, actorID string) error {
	w.calls[op]++
	for i, f := range w.faults {
		if f.op != op || (f.actorID != "" && f.actorID != actorID) {
			continue
		}
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				w.faults = append(w.faults[:i], w.faults[i+1:]...)
			}
		}
		return fmt.Errorf("%s %s: %w", op, actorID, ErrInjected)
	}
	return nil
}

// SetBalance sets an actor's balance.
func (w *World) SetBalance(actorID string, amount decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.account(actorID).balance = amount
}

// Balance returns an actor's balance.
func (w *World) Balance(actorID string) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.account(actorID).balance
}

// SetOnline sets whether an actor is reachable.
func (w *World) SetOnline(actorID string, online bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.account(actorID).online = online
}

// SetCapacity bounds how many units an actor can hold. 0 is unbounded.
func (w *World) SetCapacity(actorID string, units int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.account(actorID).capacity = units
}

// AddItems puts qty units of item into an actor's holdings, ignoring
// capacity.
func (w *World) AddItems(actorID string, item market.Item, qty int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.add(w.account(actorID), item, qty)
}

func (w *World) add(a *account, item market.Item, qty int) {
	k := item.Key()
	h, ok := a.items[k]
	if !ok {
		h = &holding{item: item}
		a.items[k] = h
	}
	h.qty += qty
}

// Held returns how many units of item an actor holds.
func (w *World) Held(actorID string, item market.Item) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h, ok := w.account(actorID).items[item.Key()]; ok {
		return h.qty
	}
	return 0
}

// TotalMoney sums every balance.
func (w *World) TotalMoney() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := decimal.Zero
	for _, a := range w.accounts {
		total = total.Add(a.balance)
	}
	return total
}

// TotalItems sums the units of item held by every actor.
func (w *World) TotalItems(item market.Item) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := item.Key()
	n := 0
	for _, a := range w.accounts {
		if h, ok := a.items[k]; ok {
			n += h.qty
		}
	}
	return n
}

// ActorState is a read-only view of one account.
type ActorState struct {
	ID      string
	Balance decimal.Decimal
	Online  bool
	Items   []market.Batch
}

// Actors returns every account sorted by id, with holdings sorted by item key.
func (w *World) Actors() []ActorState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ActorState, 0, len(w.accounts))
	for id, a := range w.accounts {
		st := ActorState{ID: id, Balance: a.balance, Online: a.online}
		keys := make([]string, 0, len(a.items))
		for k, h := range a.items {
			if h.qty > 0 {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			h := a.items[k]
			st.Items = append(st.Items, market.Batch{Item: h.item, Quantity: h.qty})
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Withdraw implements market.Ledger.
func (w *World) Withdraw(ctx context.Context, actorID string, amount decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.trip(OpWithdraw, actorID); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("withdraw %s: negative amount %s", actorID, amount)
	}
	a := w.account(actorID)
	if a.balance.LessThan(amount) {
		return fmt.Errorf("withdraw %s from %s: %w", amount, actorID, ErrInsufficient)
	}
	a.balance = a.balance.Sub(amount)
	return nil
}

// Deposit implements market.Ledger.
func (w *World) Deposit(ctx context.Context, actorID string, amount decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.trip(OpDeposit, actorID); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fmt.Errorf("deposit %s: negative amount %s", actorID, amount)
	}
	a := w.account(actorID)
	a.balance = a.balance.Add(amount)
	return nil
}

// Has implements market.Ledger.
func (w *World) Has(ctx context.Context, actorID string, amount decimal.Decimal) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.trip(OpHas, actorID); err != nil {
		return false, err
	}
	return w.account(actorID).balance.GreaterThanOrEqual(amount), nil
}

// Count implements market.Inventory.
func (w *World) Count(ctx context.Context, actorID string, item market.Item) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.trip(OpCount, actorID); err != nil {
		return 0, err
	}
	if h, ok := w.account(actorID).items[item.Key()]; ok {
		return h.qty, nil
	}
	return 0, nil
}

// Remove implements market.Inventory. It removes all qty units or none.
func (w *World) Remove(ctx context.Context, actorID string, item market.Item, qty int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.trip(OpRemove, actorID); err != nil {
		return err
	}
	if qty <= 0 {
		return fmt.Errorf("remove %d %s from %s: quantity must be positive", qty, item, actorID)
	}
	h, ok := w.account(actorID).items[item.Key()]
	if !ok || h.qty < qty {
		return fmt.Errorf("remove %d %s from %s: %w", qty, item, actorID, ErrInsufficient)
	}
	h.qty -= qty
	return nil
}

// Give implements market.Inventory. Units beyond the actor's capacity are
// returned as leftover and stay with the caller.
func (w *World) Give(ctx context.Context, actorID string, item market.Item, qty int) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.trip(OpGive, actorID); err != nil {
		return 0, err
	}
	if qty <= 0 {
		return 0, nil
	}
	a := w.account(actorID)
	fits := qty
	if a.capacity > 0 {
		fits = max(0, min(qty, a.capacity-a.units()))
	}
	if fits > 0 {
		w.add(a, item, fits)
	}
	return qty - fits, nil
}

// Online implements market.Presence.
func (w *World) Online(ctx context.Context, actorID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.account(actorID).online
}
