package harness

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/store"
)

// Snapshot is the deterministic record of a scenario run compared against
// golden files.
type Snapshot struct {
	Scenario string       `json:"scenario"`
	Steps    []StepResult `json:"steps"`
	State    State        `json:"state"`
}

// MarshalSnapshot renders a result as indented JSON with a trailing newline.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	data, err := json.MarshalIndent(Snapshot{Scenario: name, Steps: result.Steps, State: result.State}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// snapshot reads the final world and store state.
func (h *Harness) snapshot(ctx context.Context) (State, error) {
	st := State{Balances: make(map[string]string)}
	for _, a := range h.world.Actors() {
		st.Balances[a.ID] = a.Balance.String()
		if len(a.Items) == 0 {
			continue
		}
		if st.Held == nil {
			st.Held = make(map[string]map[string]int)
		}
		held := make(map[string]int, len(a.Items))
		for _, b := range a.Items {
			held[b.Item.String()] = b.Quantity
		}
		st.Held[a.ID] = held
	}

	for _, label := range sortedKeys(h.orders) {
		o, err := h.market.Order(ctx, h.orders[label])
		if errors.Is(err, market.ErrOrderNotFound) {
			err = nil
			o.Status = StatusDeleted
		}
		if err != nil {
			return State{}, err
		}
		state := OrderState{Status: string(o.Status)}
		if o.Status != StatusDeleted {
			vault, err := h.market.Vault(ctx, o.ID)
			if err != nil {
				return State{}, err
			}
			state.Delivered = o.DeliveredQuantity
			if !o.Status.Terminal() || o.Status == market.StatusExpired {
				state.Escrowed = o.Escrowed().String()
			}
			state.Vault = market.TotalQuantity(store.Batches(vault))
		}
		if st.Orders == nil {
			st.Orders = make(map[string]OrderState)
		}
		st.Orders[label] = state
	}

	pending, err := h.pendingByActor(ctx)
	if err != nil {
		return State{}, err
	}
	if len(pending) > 0 {
		st.Pending = pending
	}

	for _, kind := range h.audit.Kinds() {
		if st.Audit == nil {
			st.Audit = make(map[string]int)
		}
		st.Audit[string(kind)]++
	}
	return st, nil
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares a result's snapshot against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
