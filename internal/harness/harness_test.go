package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, yaml string) *Scenario {
	t.Helper()
	scenario, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	return scenario
}

func TestRun_ExampleScenariosPass(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join(scenariosDir, "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
			assert.Len(t, result.Steps, len(scenario.Steps))
		})
	}
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	scenario := mustParse(t, `
name: wrong_expectations
description: every expectation below is wrong
actors:
  alice: {balance: "10"}
steps:
  - place: {placer: alice, as: o1, item: {type: gem}, quantity: 2, price: "5"}
    expect: {quantity: 3}
  - cancel: {actor: alice, order: o1}
    expect: {code: VALIDATION}
final:
  balances:
    alice: "0"
  orders:
    o1: {status: ACTIVE}
  audit:
    cancellation: 2
`)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	want := []string{
		"step 1 (place): quantity: expected 3, got 2",
		"step 2 (cancel): expected VALIDATION, got OK",
		"final: balance of alice: expected 0, got 10",
		"final: order o1: show UNAVAILABLE: order not found",
		"final: audit cancellation: expected 2, got 1",
	}
	require.Len(t, result.Errors, len(want), strings.Join(result.Errors, "\n"))
	for i, msg := range want {
		assert.Contains(t, result.Errors[i], msg)
	}
}

func TestRun_UnexpectedErrorFailsStep(t *testing.T) {
	scenario := mustParse(t, `
name: broke
description: placing without funds fails the step
actors:
  alice: {balance: "1"}
steps:
  - place: {placer: alice, as: o1, item: {type: gem}, quantity: 2, price: "5"}
`)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected OK, got VALIDATION")
	assert.Contains(t, result.Errors[0], "insufficient funds")
	assert.Equal(t, "VALIDATION", result.Steps[0].Outcome)
}

func TestRun_DesyncSuspendsConservationCheck(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join(scenariosDir, "final_write_desync.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.Equal(t, "DESYNC", result.Steps[2].Outcome)
}

func TestRun_PartialClaimQueuesOverflow(t *testing.T) {
	scenario := mustParse(t, `
name: overflow
description: goods beyond the placer's capacity are queued and flushed later
actors:
  alice: {balance: "5", capacity: 3}
  bob:
    items:
      - {type: gem, quantity: 5}
steps:
  - place: {placer: alice, as: o1, item: {type: gem}, quantity: 5, price: "1"}
  - deliver: {filler: bob, order: o1, quantity: 5}
    expect: {status: FILLED}
  - claim: {actor: alice, order: o1}
    expect: {quantity: 5, route: partial}
  - flush: {}
    expect: {settled: 0}
final:
  held:
    alice: {gem: 3}
  pending:
    alice: {quantity: 2}
  audit:
    offline_scheduled: 1
`)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.Equal(t, PendingState{Amount: "0", Quantity: 2}, result.State.Pending["alice"])
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join(scenariosDir, "offline_settlement.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second, cmp.Comparer(func(a, b error) bool {
		return (a == nil) == (b == nil)
	})); diff != "" {
		t.Errorf("runs differ (-first +second):\n%s", diff)
	}
}

func TestRun_FreshWorldPerRun(t *testing.T) {
	scenario := mustParse(t, `
name: fresh
description: each run starts from the seeded actors only
actors:
  alice: {balance: "10"}
steps:
  - place: {placer: alice, as: o1, item: {type: gem}, quantity: 1, price: "10"}
final:
  balances:
    alice: "0"
  orders:
    o1: {status: ACTIVE, delivered: 0, escrowed: "10"}
`)

	for range 2 {
		result, err := Run(scenario)
		require.NoError(t, err)
		assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	}
}

func TestRun_StopsLoop(t *testing.T) {
	defer leaktest.Check(t)()

	scenario, err := LoadScenario(filepath.Join(scenariosDir, "concurrent_cancel.yaml"))
	require.NoError(t, err)
	_, err = Run(scenario)
	require.NoError(t, err)
}

func TestRun_NilScenario(t *testing.T) {
	_, err := Run(nil)
	require.Error(t, err)
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
