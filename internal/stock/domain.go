package stock

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Reason enumerates the closed vocabulary of ledger movement reasons.
// Process-level words (SHIPMENT, OUTBOUND, ...) are deliberately rejected;
// they describe workflows, not atomic movements.
type Reason string

const (
	// ReasonInbound records goods entering a warehouse.
	ReasonInbound Reason = "INBOUND"
	// ReasonPick records stock leaving a slot for an outbound order.
	ReasonPick Reason = "PICK"
	// ReasonPutaway records stock placed into its slot after receiving.
	ReasonPutaway Reason = "PUTAWAY"
	// ReasonCount records a cycle-count correction.
	ReasonCount Reason = "COUNT"
	// ReasonAdjust records a manual adjustment.
	ReasonAdjust Reason = "ADJUST"
)

// Valid reports whether r is part of the closed reason vocabulary.
func (r Reason) Valid() bool {
	switch r {
	case ReasonInbound, ReasonPick, ReasonPutaway, ReasonCount, ReasonAdjust:
		return true
	}
	return false
}

// ParseReason converts free text into a Reason, rejecting anything outside
// the closed vocabulary.
func ParseReason(s string) (Reason, error) {
	r := Reason(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, s)
	}
	return r, nil
}

// noLotBatchKey is the storage sentinel for the single untracked slot per
// (item, warehouse). It never leaves the storage boundary.
const noLotBatchKey = "__NOLOT__"

var lotCaser = cases.Upper(language.Und)

// LotCode is an optional vendor lot identifier. The zero value means the
// movement is not lot-tracked.
type LotCode struct {
	value string
}

// NewLotCode canonicalizes a raw lot code: surrounding whitespace is trimmed
// and the code is upper-cased (vendor labels arrive in arbitrary case). An
// empty or all-whitespace input yields the zero LotCode.
func NewLotCode(raw string) LotCode {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return LotCode{}
	}
	return LotCode{value: lotCaser.String(trimmed)}
}

// IsZero reports whether the lot is untracked.
func (l LotCode) IsZero() bool { return l.value == "" }

// String returns the canonical lot code, empty when untracked.
func (l LotCode) String() string { return l.value }

// BatchKey returns the storage key for the lot, substituting the fixed
// sentinel for untracked lots so uniqueness and joins behave uniformly.
func (l LotCode) BatchKey() string {
	if l.value == "" {
		return noLotBatchKey
	}
	return l.value
}

// LotCodeFromBatchKey reverses BatchKey at the storage boundary.
func LotCodeFromBatchKey(key string) LotCode {
	if key == noLotBatchKey {
		return LotCode{}
	}
	return LotCode{value: key}
}

// Slot is the single physical-truth row for one (item, warehouse, batch_key)
// triple. Quantity is mutated only by the adjustment applier.
type Slot struct {
	ID          int64
	ItemID      int64
	WarehouseID int64
	BatchKey    string
	Qty         int64
}

// Batch holds the master record behind a batch key. Created on first receipt
// and never deleted; the expiry date is corrected only through the explicit
// correction path.
type Batch struct {
	ItemID         int64
	WarehouseID    int64
	BatchKey       string
	ProductionDate *time.Time
	ExpiryDate     *time.Time
	CreatedAt      time.Time
}

// LedgerEntry is an immutable movement record. after_qty is the slot quantity
// immediately after the delta was applied.
type LedgerEntry struct {
	ID          int64
	ItemID      int64
	WarehouseID int64
	BatchKey    string
	Reason      Reason
	Delta       int64
	AfterQty    int64
	Ref         string
	RefLine     int32
	OccurredAt  time.Time
	TraceID     string
}

// LedgerKey is the natural idempotency key of a movement.
type LedgerKey struct {
	Reason      Reason
	Ref         string
	RefLine     int32
	ItemID      int64
	WarehouseID int64
	BatchKey    string
}

// Key extracts the idempotency key of an entry.
func (e LedgerEntry) Key() LedgerKey {
	return LedgerKey{
		Reason:      e.Reason,
		Ref:         e.Ref,
		RefLine:     e.RefLine,
		ItemID:      e.ItemID,
		WarehouseID: e.WarehouseID,
		BatchKey:    e.BatchKey,
	}
}

// ItemProfile carries the item master fields the engine consumes.
type ItemProfile struct {
	ItemID        int64
	ShelfLifeDays int32
	LotTracked    bool
}

// PickCandidate is one batch eligible for FEFO allocation.
type PickCandidate struct {
	BatchKey   string
	Qty        int64
	ExpiryDate *time.Time
}

// Allocation is one planned draw from a batch.
type Allocation struct {
	BatchKey string
	Qty      int64
}

// AdjustInput describes one movement for the adjustment applier.
type AdjustInput struct {
	ItemID         int64
	WarehouseID    int64
	Lot            LotCode
	Delta          int64
	Reason         Reason
	Ref            string
	RefLine        int32
	OccurredAt     time.Time
	TraceID        string
	ProductionDate *time.Time
	ExpiryDate     *time.Time
}

// AdjustResult reports the authoritative slot state after a movement.
// Applied is false when the movement was a duplicate delivery and the prior
// outcome was returned instead.
type AdjustResult struct {
	AfterQty int64
	Applied  bool
	TraceID  string
}

// LedgerFilter narrows the read-only audit listing.
type LedgerFilter struct {
	ItemID      int64
	WarehouseID int64
	Reason      Reason
	Ref         string
	From        time.Time
	To          time.Time
	Page        int
	PerPage     int
}

var (
	// ErrInvalidReason indicates a reason outside the closed vocabulary.
	ErrInvalidReason = errors.New("stock: unknown movement reason")
	// ErrZeroDelta indicates a movement with no quantity change.
	ErrZeroDelta = errors.New("stock: delta must be non-zero")
	// ErrRefRequired indicates a movement without a correlation ref.
	ErrRefRequired = errors.New("stock: ref is required")
	// ErrInsufficientStock indicates a movement that would drive a slot negative.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrInsufficientAvailable indicates a pick plan that cannot be satisfied.
	ErrInsufficientAvailable = errors.New("stock: insufficient available stock")
	// ErrDuplicateMovement signals an idempotency hit on the ledger unique key.
	ErrDuplicateMovement = errors.New("stock: duplicate movement")
	// ErrLedgerEntryNotFound indicates a missing ledger row.
	ErrLedgerEntryNotFound = errors.New("stock: ledger entry not found")
	// ErrBatchNotFound indicates a missing batch master row.
	ErrBatchNotFound = errors.New("stock: batch not found")
	// ErrInvalidBatchDates indicates an expiry date before the production date.
	ErrInvalidBatchDates = errors.New("stock: expiry date before production date")
	// ErrItemNotFound indicates a missing item master row.
	ErrItemNotFound = errors.New("stock: item not found")
)

// InsufficientStockError is returned when a movement would drive a slot
// negative. It carries the authoritative on-hand quantity so the caller can
// split or abort without a re-query.
type InsufficientStockError struct {
	ItemID      int64
	WarehouseID int64
	BatchKey    string
	OnHand      int64
	Delta       int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: insufficient stock for item %d warehouse %d batch %s: on hand %d, delta %d",
		e.ItemID, e.WarehouseID, e.BatchKey, e.OnHand, e.Delta)
}

// Is lets errors.Is match the sentinel.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Shortage details an unsatisfiable pick request.
type Shortage struct {
	ItemID      int64
	WarehouseID int64
	Required    int64
	Available   int64
	Short       int64
}

// InsufficientAvailableError is raised by the FEFO allocator before any
// mutation when the total across batches cannot satisfy the request.
type InsufficientAvailableError struct {
	Shortage Shortage
}

func (e *InsufficientAvailableError) Error() string {
	return fmt.Sprintf("stock: insufficient available for item %d warehouse %d: required %d, available %d",
		e.Shortage.ItemID, e.Shortage.WarehouseID, e.Shortage.Required, e.Shortage.Available)
}

// Is lets errors.Is match the sentinel.
func (e *InsufficientAvailableError) Is(target error) bool {
	return target == ErrInsufficientAvailable
}
