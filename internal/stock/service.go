package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stocklane/stocklane/internal/observability"
	"github.com/stocklane/stocklane/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	Tx(tx pgx.Tx) TxRepository
	GetLedgerByKey(ctx context.Context, key LedgerKey) (LedgerEntry, error)
	ItemShelfLife(ctx context.Context, itemID int64) (ItemProfile, error)
	ListPickCandidates(ctx context.Context, itemID, warehouseID int64) ([]PickCandidate, error)
	QueryLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, int, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the adjustment applier, the batch registry and the FEFO
// allocator. Every quantity mutation in the system funnels through Adjust or
// AdjustTx; correctness rests on the slot row lock, the ledger unique key and
// the surrounding transaction, never on in-process state.
type Service struct {
	repo       RepositoryPort
	audit      AuditPort
	logger     *slog.Logger
	metrics    *observability.Metrics
	clock      func() time.Time
	invalidate func(context.Context)
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		audit:   audit,
		logger:  logger,
		metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// SetAvailabilityBump registers a hook invoked after movements commit, so
// derived availability caches never serve pre-movement on-hand. AdjustTx is
// exempt: the surrounding transaction's owner bumps after its own commit.
func (s *Service) SetAvailabilityBump(fn func(context.Context)) {
	s.invalidate = fn
}

func (s *Service) bumpAvailability(ctx context.Context) {
	if s.invalidate != nil {
		s.invalidate(ctx)
	}
}

// Adjust applies one movement in its own transaction and returns the
// authoritative after-quantity. Repeating the call with the same
// (reason, ref, ref_line, item, batch, warehouse) key changes the slot
// exactly once; the duplicate delivery resolves to the prior outcome.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (AdjustResult, error) {
	in, err := s.normalize(ctx, input)
	if err != nil {
		return AdjustResult{}, err
	}

	// Committed duplicates resolve without taking the slot lock.
	if prior, err := s.repo.GetLedgerByKey(ctx, in.key()); err == nil {
		s.observeDuplicate(in)
		return AdjustResult{AfterQty: prior.AfterQty, Applied: false, TraceID: prior.TraceID}, nil
	} else if !errors.Is(err, ErrLedgerEntryNotFound) {
		return AdjustResult{}, err
	}

	var result AdjustResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var applyErr error
		result, applyErr = s.apply(ctx, s.repo.Tx(tx), in)
		return applyErr
	})
	if errors.Is(err, ErrDuplicateMovement) {
		// A concurrent writer with the same key won the unique-index race and
		// has committed; its outcome is ours.
		prior, lookupErr := s.repo.GetLedgerByKey(ctx, in.key())
		if lookupErr != nil {
			return AdjustResult{}, fmt.Errorf("stock: resolve duplicate movement: %w", lookupErr)
		}
		s.observeDuplicate(in)
		return AdjustResult{AfterQty: prior.AfterQty, Applied: false, TraceID: prior.TraceID}, nil
	}
	if err != nil {
		return AdjustResult{}, err
	}

	s.observeApplied(ctx, in, result)
	s.bumpAvailability(ctx)
	return result, nil
}

// AdjustTx applies one movement inside the caller's transaction. The caller
// owns commit and rollback; a duplicate already committed is absorbed, while
// an in-flight race surfaces as ErrDuplicateMovement and poisons the
// transaction, which the caller must roll back and retry.
func (s *Service) AdjustTx(ctx context.Context, tx pgx.Tx, input AdjustInput) (AdjustResult, error) {
	in, err := s.normalize(ctx, input)
	if err != nil {
		return AdjustResult{}, err
	}
	result, err := s.apply(ctx, s.repo.Tx(tx), in)
	if err != nil {
		return AdjustResult{}, err
	}
	if result.Applied {
		s.observeApplied(ctx, in, result)
	} else {
		s.observeDuplicate(in)
	}
	return result, nil
}

type normalizedAdjust struct {
	AdjustInput
	batchKey string
}

func (n normalizedAdjust) key() LedgerKey {
	return LedgerKey{
		Reason:      n.Reason,
		Ref:         n.Ref,
		RefLine:     n.RefLine,
		ItemID:      n.ItemID,
		WarehouseID: n.WarehouseID,
		BatchKey:    n.batchKey,
	}
}

// normalize validates the movement and fills derived fields: ref_line default,
// trace id, occurred_at, and the inbound batch date resolution (production
// date defaults to today; expiry derives from the item shelf life when the
// caller supplied neither).
func (s *Service) normalize(ctx context.Context, input AdjustInput) (normalizedAdjust, error) {
	if input.ItemID == 0 || input.WarehouseID == 0 {
		return normalizedAdjust{}, errors.New("stock: item and warehouse required")
	}
	if input.Delta == 0 {
		return normalizedAdjust{}, ErrZeroDelta
	}
	if !input.Reason.Valid() {
		return normalizedAdjust{}, fmt.Errorf("%w: %q", ErrInvalidReason, string(input.Reason))
	}
	if input.Ref == "" {
		return normalizedAdjust{}, ErrRefRequired
	}
	if input.RefLine <= 0 {
		input.RefLine = 1
	}
	if input.OccurredAt.IsZero() {
		input.OccurredAt = s.clock()
	}
	if input.TraceID == "" {
		input.TraceID = uuid.NewString()
	}

	if input.Delta > 0 {
		if err := s.resolveBatchDates(ctx, &input); err != nil {
			return normalizedAdjust{}, err
		}
	}
	return normalizedAdjust{AdjustInput: input, batchKey: input.Lot.BatchKey()}, nil
}

func (s *Service) resolveBatchDates(ctx context.Context, input *AdjustInput) error {
	if input.Lot.IsZero() {
		return nil
	}
	profile, err := s.repo.ItemShelfLife(ctx, input.ItemID)
	if err != nil {
		return err
	}
	if input.ProductionDate == nil && input.ExpiryDate == nil {
		today := s.clock().Truncate(24 * time.Hour)
		input.ProductionDate = &today
	}
	if input.ExpiryDate == nil && input.ProductionDate != nil && profile.ShelfLifeDays > 0 {
		expiry := input.ProductionDate.AddDate(0, 0, int(profile.ShelfLifeDays))
		input.ExpiryDate = &expiry
	}
	if input.ExpiryDate != nil && input.ProductionDate != nil && input.ExpiryDate.Before(*input.ProductionDate) {
		return fmt.Errorf("%w: expiry %s production %s", ErrInvalidBatchDates,
			input.ExpiryDate.Format("2006-01-02"), input.ProductionDate.Format("2006-01-02"))
	}
	return nil
}

// apply is the core primitive: ensure the slot, lock it, validate
// non-negativity, append the ledger row and move the quantity - all against
// the same transaction. A ledger row already present under the idempotency
// key short-circuits to the recorded outcome without touching the slot.
func (s *Service) apply(ctx context.Context, tx TxRepository, in normalizedAdjust) (AdjustResult, error) {
	if prior, err := tx.GetLedgerByKey(ctx, in.key()); err == nil {
		return AdjustResult{AfterQty: prior.AfterQty, Applied: false, TraceID: prior.TraceID}, nil
	} else if !errors.Is(err, ErrLedgerEntryNotFound) {
		return AdjustResult{}, err
	}

	if in.Delta > 0 {
		if err := tx.EnsureBatch(ctx, Batch{
			ItemID:         in.ItemID,
			WarehouseID:    in.WarehouseID,
			BatchKey:       in.batchKey,
			ProductionDate: in.ProductionDate,
			ExpiryDate:     in.ExpiryDate,
		}); err != nil {
			return AdjustResult{}, err
		}
	}

	if err := tx.EnsureSlot(ctx, in.ItemID, in.WarehouseID, in.batchKey); err != nil {
		return AdjustResult{}, err
	}
	slot, err := tx.GetSlotForUpdate(ctx, in.ItemID, in.WarehouseID, in.batchKey)
	if err != nil {
		return AdjustResult{}, err
	}

	newQty := slot.Qty + in.Delta
	if newQty < 0 {
		return AdjustResult{}, &InsufficientStockError{
			ItemID:      in.ItemID,
			WarehouseID: in.WarehouseID,
			BatchKey:    in.batchKey,
			OnHand:      slot.Qty,
			Delta:       in.Delta,
		}
	}

	if _, err := tx.InsertLedger(ctx, LedgerEntry{
		ItemID:      in.ItemID,
		WarehouseID: in.WarehouseID,
		BatchKey:    in.batchKey,
		Reason:      in.Reason,
		Delta:       in.Delta,
		AfterQty:    newQty,
		Ref:         in.Ref,
		RefLine:     in.RefLine,
		OccurredAt:  in.OccurredAt,
		TraceID:     in.TraceID,
	}); err != nil {
		return AdjustResult{}, err
	}

	if err := tx.SetSlotQty(ctx, slot.ID, newQty); err != nil {
		return AdjustResult{}, err
	}
	return AdjustResult{AfterQty: newQty, Applied: true, TraceID: in.TraceID}, nil
}

// GetOrCreateBatch resolves the batch identity for an (item, warehouse, lot)
// triple, creating the master row on first use. Dates supplied for an
// existing batch never overwrite recorded ones.
func (s *Service) GetOrCreateBatch(ctx context.Context, itemID, warehouseID int64, lot LotCode, production, expiry *time.Time) (Batch, error) {
	if itemID == 0 || warehouseID == 0 {
		return Batch{}, errors.New("stock: item and warehouse required")
	}
	if expiry != nil && production != nil && expiry.Before(*production) {
		return Batch{}, ErrInvalidBatchDates
	}
	var batch Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, ptx pgx.Tx) error {
		tx := s.repo.Tx(ptx)
		if err := tx.EnsureBatch(ctx, Batch{
			ItemID:         itemID,
			WarehouseID:    warehouseID,
			BatchKey:       lot.BatchKey(),
			ProductionDate: production,
			ExpiryDate:     expiry,
		}); err != nil {
			return err
		}
		var err error
		batch, err = tx.GetBatch(ctx, itemID, warehouseID, lot.BatchKey())
		return err
	})
	return batch, err
}

// CorrectBatchExpiry is the explicit expiry correction path.
func (s *Service) CorrectBatchExpiry(ctx context.Context, itemID, warehouseID int64, lot LotCode, expiry time.Time) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, ptx pgx.Tx) error {
		tx := s.repo.Tx(ptx)
		batch, err := tx.GetBatch(ctx, itemID, warehouseID, lot.BatchKey())
		if err != nil {
			return err
		}
		if batch.ProductionDate != nil && expiry.Before(*batch.ProductionDate) {
			return ErrInvalidBatchDates
		}
		return tx.SetBatchExpiry(ctx, itemID, warehouseID, lot.BatchKey(), expiry)
	})
	if err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Action:   "stock:batch-expiry-correct",
			Entity:   "batches",
			EntityID: fmt.Sprintf("%d:%d:%s", itemID, warehouseID, lot.BatchKey()),
			Meta:     map[string]any{"expiry_date": expiry.Format("2006-01-02")},
		})
	}
	return nil
}

// PlanPick builds an advisory FEFO plan for the requested quantity.
func (s *Service) PlanPick(ctx context.Context, itemID, warehouseID, need int64) ([]Allocation, error) {
	candidates, err := s.repo.ListPickCandidates(ctx, itemID, warehouseID)
	if err != nil {
		return nil, err
	}
	return PlanPick(itemID, warehouseID, candidates, need)
}

// PlanPickTx builds a FEFO plan against the caller's transaction snapshot.
func (s *Service) PlanPickTx(ctx context.Context, tx pgx.Tx, itemID, warehouseID, need int64) ([]Allocation, error) {
	candidates, err := s.repo.Tx(tx).ListPickCandidates(ctx, itemID, warehouseID)
	if err != nil {
		return nil, err
	}
	return PlanPick(itemID, warehouseID, candidates, need)
}

// QueryLedger serves the read-only audit listing.
func (s *Service) QueryLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, shared.Pagination, error) {
	if filter.Reason != "" && !filter.Reason.Valid() {
		return nil, shared.Pagination{}, fmt.Errorf("%w: %q", ErrInvalidReason, string(filter.Reason))
	}
	entries, total, err := s.repo.QueryLedger(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	perPage := filter.PerPage
	if perPage <= 0 || perPage > 500 {
		perPage = 100
	}
	return entries, shared.NewPagination(filter.Page, perPage, total), nil
}

func (s *Service) observeApplied(ctx context.Context, in normalizedAdjust, result AdjustResult) {
	s.metrics.MovementApplied(string(in.Reason))
	s.logger.Info("movement applied",
		slog.String("reason", string(in.Reason)),
		slog.String("ref", in.Ref),
		slog.Int("ref_line", int(in.RefLine)),
		slog.Int64("item_id", in.ItemID),
		slog.Int64("warehouse_id", in.WarehouseID),
		slog.Int64("delta", in.Delta),
		slog.Int64("after_qty", result.AfterQty),
		slog.String("trace_id", result.TraceID),
	)
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Action:   fmt.Sprintf("stock:%s", in.Reason),
			Entity:   "stock_ledger",
			EntityID: fmt.Sprintf("%s:%s:%d", in.Reason, in.Ref, in.RefLine),
			Meta: map[string]any{
				"item_id":      in.ItemID,
				"warehouse_id": in.WarehouseID,
				"batch_key":    in.batchKey,
				"delta":        in.Delta,
				"after_qty":    result.AfterQty,
				"trace_id":     result.TraceID,
			},
		})
	}
}

func (s *Service) observeDuplicate(in normalizedAdjust) {
	s.metrics.DuplicateAbsorbed(string(in.Reason))
	s.logger.Info("duplicate movement absorbed",
		slog.String("reason", string(in.Reason)),
		slog.String("ref", in.Ref),
		slog.Int("ref_line", int(in.RefLine)),
		slog.Int64("item_id", in.ItemID),
		slog.Int64("warehouse_id", in.WarehouseID),
	)
}
