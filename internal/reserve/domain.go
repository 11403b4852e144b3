package reserve

import (
	"errors"
	"time"

	"github.com/stocklane/stocklane/internal/stock"
)

// Status is the reservation lifecycle state. Every transition leads out of
// open and is terminal: open -> consumed | released | expired.
type Status string

const (
	// StatusOpen marks a live hold that reduces computed availability.
	StatusOpen Status = "open"
	// StatusConsumed marks a hold fully picked into real stock movements.
	StatusConsumed Status = "consumed"
	// StatusReleased marks a hold cancelled by the caller.
	StatusReleased Status = "released"
	// StatusExpired marks a hold released by the TTL reaper.
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s != StatusOpen }

// Key is the natural business key of a reservation; creation is idempotent
// on it.
type Key struct {
	Platform    string
	Shop        string
	WarehouseID int64
	Ref         string
}

// Reservation is the hold header.
type Reservation struct {
	ID        int64
	Key       Key
	Status    Status
	TraceID   string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpireAt  *time.Time
}

// Line is one reserved quantity. The open lock of a line is Qty minus
// ConsumedQty.
type Line struct {
	ReservationID int64
	RefLine       int32
	ItemID        int64
	Qty           int64
	ConsumedQty   int64
}

// Remaining returns the unconsumed part of the line's lock.
func (l Line) Remaining() int64 { return l.Qty - l.ConsumedQty }

// LineInput is one requested line; ref_line is positional (1..N).
type LineInput struct {
	ItemID int64
	Qty    int64
}

// PersistInput describes an idempotent reservation upsert.
type PersistInput struct {
	Key        Key
	Lines      []LineInput
	TTLMinutes *int
	TraceID    string
}

// ConsumedLine reports one line consumed by a pick.
type ConsumedLine struct {
	RefLine     int32
	ItemID      int64
	Consumed    int64
	Allocations []stock.Allocation
}

// PickOutcome reports the result of a pick. NoOp is true when a concurrent
// caller already consumed the reservation.
type PickOutcome struct {
	ReservationID int64
	Status        Status
	NoOp          bool
	Lines         []ConsumedLine
}

// Availability is the derived, never persisted view: on-hand minus open
// reservation-line locks. The raw value may be negative; presentation layers
// clamp it themselves.
type Availability struct {
	ItemID       int64
	WarehouseID  int64
	OnHand       int64
	ReservedOpen int64
	Available    int64
}

var (
	// ErrReservationNotFound indicates no reservation under the business key.
	ErrReservationNotFound = errors.New("reserve: reservation not found")
	// ErrReservationNotOpen indicates a pick against a terminal reservation.
	ErrReservationNotOpen = errors.New("reserve: reservation not open")
	// ErrNoLines indicates a persist call without lines.
	ErrNoLines = errors.New("reserve: at least one line required")
	// ErrInvalidLine indicates a line without item or with non-positive qty.
	ErrInvalidLine = errors.New("reserve: line requires item and positive qty")
	// ErrLineBelowConsumed indicates a correction shrinking a line under its
	// already-consumed quantity.
	ErrLineBelowConsumed = errors.New("reserve: line qty below consumed qty")
)
