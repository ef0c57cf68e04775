package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusFilled    Status = "FILLED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusFilled, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further delivery can ever be accepted.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusExpired || s == StatusCancelled
}

// Cancellable reports whether a cancellation may transition s to CANCELLED.
// EXPIRED orders still hold escrow, so they are cancellable for the refund.
func (s Status) Cancellable() bool {
	return s == StatusActive || s == StatusExpired
}

// ParseStatus converts a stored status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return st, nil
}

// Order is a standing request to buy TotalQuantity units of Item.
type Order struct {
	ID         int64
	PlacerID   string
	PlacerName string
	Item       Item

	TotalQuantity     int
	DeliveredQuantity int
	UnitPrice         decimal.Decimal

	CreatedAt time.Time
	ExpiresAt time.Time
	Status    Status
}

// Remaining returns the number of units still requested.
func (o Order) Remaining() int {
	return o.TotalQuantity - o.DeliveredQuantity
}

// Escrowed returns the funds still held for undelivered units.
func (o Order) Escrowed() decimal.Decimal {
	return Cost(o.UnitPrice, o.Remaining())
}

// PaidToFillers returns the funds already paid out for delivered units.
func (o Order) PaidToFillers() decimal.Decimal {
	return Cost(o.UnitPrice, o.DeliveredQuantity)
}

// Withdrawn returns the amount taken from the placer at creation.
func (o Order) Withdrawn() decimal.Decimal {
	return Cost(o.UnitPrice, o.TotalQuantity)
}

// ExpiredAt reports whether the order has logically expired at now.
func (o Order) ExpiredAt(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Cost returns unitPrice * quantity.
func Cost(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// VaultEntry is one delivered-but-unclaimed batch for an order.
type VaultEntry struct {
	ID       int64
	OrderID  int64
	PlacerID string
	Batch    Batch
}

// Actor identifies who invokes a mutating operation.
// Admin actors may act on orders they did not place.
type Actor struct {
	ID    string
	Admin bool
}

// MayActFor reports whether a may act on behalf of placerID.
func (a Actor) MayActFor(placerID string) bool {
	return a.Admin || a.ID == placerID
}
