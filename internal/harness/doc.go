// Package harness runs scripted marketplace scenarios against a sandbox
// world and checks their outcomes.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	order_ttl: 1h
//	actors:
//	  alice: {balance: "500"}
//	  bob:
//	    items:
//	      - {type: diamond, quantity: 60}
//	steps:
//	  - place: {placer: alice, as: order, item: {type: diamond}, quantity: 100, price: "5"}
//	  - deliver: {filler: bob, order: order, quantity: 60}
//	    expect: {quantity: 60, paid: "300", status: ACTIVE}
//	  - cancel: {actor: alice, order: order}
//	    expect: {refund: "200", route: direct}
//	final:
//	  balances: {alice: "200", bob: "300"}
//	  orders:
//	    order: {deleted: true}
//
// # Steps
//
// Each step names exactly one action: place, deliver, cancel, claim,
// remove, advance (the clock), sweep (settle expired orders), flush
// (queued settlements), presence, fault (sandbox failures), store_fault
// (store write failures) or concurrent (branches run at once). A step
// without expect must succeed.
//
// # Conservation
//
// After every step the harness sums money and goods across actors, order
// escrow, vaults and the offline queue and compares them with the seeded
// totals. Goods an admin withheld are counted as discarded. Once a step
// reports DESYNC the check is suspended for the rest of the run.
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite database, a manual clock starting
// at Epoch and sequential flow tokens, so a scenario always produces the
// same snapshot. Snapshots are compared with golden files under
// testdata/golden.
package harness
