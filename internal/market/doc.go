// Package market defines the domain model of the buy-order marketplace.
//
// A placer posts an Order to buy TotalQuantity units of an Item at a fixed
// UnitPrice and prepays the full cost into escrow. Fillers deliver units over
// time; each delivery pays the filler and appends a VaultEntry that the placer
// later claims.
//
// # Conservation
//
// For every order, at every point of its life:
//
//	Escrowed() + PaidToFillers() == UnitPrice * TotalQuantity
//
// which is exactly the amount withdrawn from the placer at creation.
//
// # Collaborators
//
// The marketplace consumes, but does not implement, a Ledger, an Inventory,
// a Presence oracle, an OfflineSettlementQueue and an AuditLog. Their
// contracts live in ports.go. Each call is assumed atomic on its own; no
// cross-call transaction is available, so protocols compensate explicitly.
//
// # Errors
//
// Every failure surfaced by the marketplace is an *Error carrying one of four
// codes (see errors.go): Validation and Unavailable are rejected before any
// side effect, PartialFailure means a protocol phase failed and was fully
// rolled back, Desync means durable state diverged and needs manual
// reconciliation.
package market
