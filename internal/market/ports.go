package market

import (
	"context"

	"github.com/shopspring/decimal"
)

// Ledger moves money in and out of actor accounts.
// Each call is atomic; there are no cross-call transactions.
type Ledger interface {
	Withdraw(ctx context.Context, actorID string, amount decimal.Decimal) error
	Deposit(ctx context.Context, actorID string, amount decimal.Decimal) error
	Has(ctx context.Context, actorID string, amount decimal.Decimal) (bool, error)
}

// Inventory manipulates the goods held by a live actor.
type Inventory interface {
	Count(ctx context.Context, actorID string, item Item) (int, error)
	Remove(ctx context.Context, actorID string, item Item, qty int) error
	// Give hands qty units to the actor and returns how many did not fit.
	Give(ctx context.Context, actorID string, item Item, qty int) (leftover int, err error)
}

// Presence reports whether an actor can currently receive goods and money
// directly.
type Presence interface {
	Online(ctx context.Context, actorID string) bool
}

// OfflineSettlementQueue durably delivers money and goods to an actor the
// next time they are reachable.
type OfflineSettlementQueue interface {
	Schedule(ctx context.Context, actorID string, amount decimal.Decimal, items []Batch) error
}

// AuditLog receives structured facts about marketplace activity.
// It is fire-and-forget: a failure to record never affects the operation.
type AuditLog interface {
	Record(ctx context.Context, ev AuditEvent)
}

// AuditKind names the kind of fact recorded in the audit log.
type AuditKind string

const (
	AuditOrderPlaced     AuditKind = "order_placed"
	AuditDelivery        AuditKind = "delivery"
	AuditDeliveryFailed  AuditKind = "delivery_failed"
	AuditCancellation    AuditKind = "cancellation"
	AuditClaim           AuditKind = "claim"
	AuditOrderRemoved    AuditKind = "order_removed"
	AuditCriticalDesync  AuditKind = "critical_desync"
	AuditOfflineSchedule AuditKind = "offline_scheduled"
	AuditSettlementFlush AuditKind = "settlement_flushed"
)

// AuditEvent is one structured fact.
type AuditEvent struct {
	Kind     AuditKind
	Flow     string
	ActorID  string
	OrderID  int64
	Quantity int
	Amount   decimal.Decimal
	Item     Item
	Detail   string
	Err      error
}
