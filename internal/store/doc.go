// Package store provides SQLite-backed durable storage for buy orders.
//
// The store owns three tables:
//   - orders: one row per buy order, keyed by a monotonic id
//   - vault_entries: delivered-but-unclaimed batches, many per order
//   - pending_settlements: money and goods owed to actors who were offline
//
// # Rules
//
// Every mutation is a single statement on a single row, or a single
// transaction scoped to one order's vault. Higher layers never get a
// multi-row transaction; they compensate failures explicitly.
//
// Status writes are compare-and-set: UpdateStatus and
// UpdateDeliveredAndStatus report whether they changed a row still in the
// expected state. A false result means another actor got there first.
//
// Loads sweep expiry first: any ACTIVE order whose expires_at has passed is
// rewritten to EXPIRED before the result set is read, so callers never
// observe a logically expired order reporting ACTIVE.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: an order row cannot be deleted while its vault holds entries
//
// Timestamps are stored as UTC unix nanoseconds. Money is stored as the
// decimal string of a shopspring/decimal value.
package store
