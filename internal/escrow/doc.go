// Package escrow runs the buy-order protocols over the escrow store.
//
// A placer prepays an order's full cost into escrow (Place). Fillers deliver
// units over time and are paid per unit (Deliver). The placer collects
// delivered goods from the order's vault independently of payment (Claim).
// An order ends by filling, by expiring, or by cancellation (Cancel), which
// refunds the remaining escrow and returns the vault. Terminal orders with
// nothing left in them are deleted on request (Remove).
//
// Money and goods are conserved across every path: for each order the
// escrowed funds plus the amount paid to fillers equal what was withdrawn
// from the placer, and every unit removed from a filler ends up in a vault,
// back with the filler, or with the placer (directly or via the offline
// settlement queue).
//
// Errors are *market.Error values. VALIDATION and UNAVAILABLE happen before
// any side effect; PARTIAL_FAILURE means earlier phases were compensated;
// DESYNC means something durable happened that could not be completed or
// undone and the event was escalated to the audit log.
package escrow
