// Package engine provides the execution model the escrow protocols run on.
//
// Single logical state-mutation thread:
// Loop runs steps one at a time in FIFO order. Protocols read authoritative
// order state and write orders and vault entries only inside steps.
//
// Worker pool:
// Ledger and inventory calls run outside the loop, on the caller's goroutine
// or on a goroutine started by Go. Their results come back as values (or
// Futures) and the next step re-reads whatever it acts on.
//
// There is no per-order lock. Two protocols on the same order interleave at
// step boundaries; correctness comes from compare-and-set writes and from
// re-validating state at the top of every step.
//
// Clocks:
// Clock numbers steps. WallClock supplies the time orders expire against.
package engine
