package reserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stocklane/stocklane/internal/observability"
	"github.com/stocklane/stocklane/internal/stock"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	Tx(tx pgx.Tx) TxRepository
	GetByKey(ctx context.Context, key Key) (Reservation, []Line, error)
	ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]int64, error)
	Availability(ctx context.Context, itemID, warehouseID int64) (Availability, error)
	AvailabilityBulk(ctx context.Context, warehouseID int64, itemIDs []int64) (map[int64]Availability, error)
}

// StockPort is the slice of the stock service the reservation engine drives.
// Both calls run against the reservation's own transaction so a pick is one
// atomic unit: header lock, plan, movements and line consumption together.
type StockPort interface {
	PlanPickTx(ctx context.Context, tx pgx.Tx, itemID, warehouseID, need int64) ([]stock.Allocation, error)
	AdjustTx(ctx context.Context, tx pgx.Tx, input stock.AdjustInput) (stock.AdjustResult, error)
}

// Service owns the reservation lifecycle: idempotent persist, pick into real
// movements, release and TTL expiry. State transitions run under the header
// row lock; callers never coordinate through process memory.
type Service struct {
	repo    RepositoryPort
	stock   StockPort
	cache   *Cache
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, stockSvc StockPort, cache *Cache, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		stock:   stockSvc,
		cache:   cache,
		logger:  logger,
		metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Persist creates or refreshes a reservation under its business key. Calling
// it again with the same key updates lines in place; lines are positional and
// never deleted, so a shrunk order keeps its tail lines until released.
func (s *Service) Persist(ctx context.Context, input PersistInput) (Reservation, []Line, error) {
	if err := validatePersist(input); err != nil {
		return Reservation{}, nil, err
	}
	now := s.clock()
	traceID := input.TraceID
	if traceID == "" {
		traceID = input.Key.Ref
	}
	var expireAt *time.Time
	if input.TTLMinutes != nil {
		deadline := now.Add(time.Duration(*input.TTLMinutes) * time.Minute)
		expireAt = &deadline
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, ptx pgx.Tx) error {
		tx := s.repo.Tx(ptx)
		id, err := tx.UpsertHeader(ctx, input.Key, expireAt, traceID, now)
		if err != nil {
			return err
		}
		for i, line := range input.Lines {
			refLine := int32(i + 1)
			if err := tx.UpsertLine(ctx, id, refLine, line.ItemID, line.Qty, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Reservation{}, nil, err
	}

	s.bump(ctx)
	res, lines, err := s.repo.GetByKey(ctx, input.Key)
	if err != nil {
		return Reservation{}, nil, err
	}
	s.logger.Info("reservation persisted",
		slog.String("platform", input.Key.Platform),
		slog.String("shop", input.Key.Shop),
		slog.Int64("warehouse_id", input.Key.WarehouseID),
		slog.String("ref", input.Key.Ref),
		slog.Int("lines", len(lines)),
		slog.String("trace_id", res.TraceID),
	)
	return res, lines, nil
}

// Pick consumes an open reservation into real stock movements, all inside one
// transaction. Each line draws only its remaining quantity, allocated FEFO
// across batches; any shortage rolls the whole pick back. A reservation
// already consumed returns a no-op outcome, a released or expired one fails
// with ErrReservationNotOpen.
func (s *Service) Pick(ctx context.Context, key Key, traceID string) (PickOutcome, error) {
	var outcome PickOutcome
	err := s.repo.WithTx(ctx, func(ctx context.Context, ptx pgx.Tx) error {
		tx := s.repo.Tx(ptx)
		res, err := tx.GetForUpdateByKey(ctx, key)
		if err != nil {
			return err
		}
		outcome.ReservationID = res.ID
		outcome.Status = res.Status
		switch res.Status {
		case StatusConsumed:
			outcome.NoOp = true
			return nil
		case StatusReleased, StatusExpired:
			return fmt.Errorf("%w: %s", ErrReservationNotOpen, res.Status)
		}

		if traceID == "" {
			traceID = res.TraceID
		}
		lines, err := tx.GetLines(ctx, res.ID)
		if err != nil {
			return err
		}
		now := s.clock()
		for _, line := range lines {
			need := line.Remaining()
			if need <= 0 {
				continue
			}
			allocations, err := s.stock.PlanPickTx(ctx, ptx, line.ItemID, res.Key.WarehouseID, need)
			if err != nil {
				return err
			}
			for _, alloc := range allocations {
				if _, err := s.stock.AdjustTx(ctx, ptx, stock.AdjustInput{
					ItemID:      line.ItemID,
					WarehouseID: res.Key.WarehouseID,
					Lot:         stock.LotCodeFromBatchKey(alloc.BatchKey),
					Delta:       -alloc.Qty,
					Reason:      stock.ReasonPick,
					Ref:         res.Key.Ref,
					RefLine:     line.RefLine,
					OccurredAt:  now,
					TraceID:     traceID,
				}); err != nil {
					return err
				}
			}
			if err := tx.SetLineConsumed(ctx, res.ID, line.RefLine, line.Qty, now); err != nil {
				return err
			}
			outcome.Lines = append(outcome.Lines, ConsumedLine{
				RefLine:     line.RefLine,
				ItemID:      line.ItemID,
				Consumed:    need,
				Allocations: allocations,
			})
		}
		if err := tx.SetStatus(ctx, res.ID, StatusConsumed, now); err != nil {
			return err
		}
		outcome.Status = StatusConsumed
		return nil
	})
	if err != nil {
		return PickOutcome{}, err
	}
	if !outcome.NoOp {
		s.bump(ctx)
		s.logger.Info("reservation picked",
			slog.Int64("reservation_id", outcome.ReservationID),
			slog.String("ref", key.Ref),
			slog.Int("lines", len(outcome.Lines)),
		)
	}
	return outcome, nil
}

// Release cancels an open reservation and frees its remaining lock. Releasing
// a terminal reservation is a no-op that reports the recorded status.
func (s *Service) Release(ctx context.Context, key Key) (Status, error) {
	var status Status
	var changed bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, ptx pgx.Tx) error {
		tx := s.repo.Tx(ptx)
		res, err := tx.GetForUpdateByKey(ctx, key)
		if err != nil {
			return err
		}
		status = res.Status
		if res.Status.Terminal() {
			return nil
		}
		if err := tx.SetStatus(ctx, res.ID, StatusReleased, s.clock()); err != nil {
			return err
		}
		status = StatusReleased
		changed = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if changed {
		s.bump(ctx)
		s.logger.Info("reservation released",
			slog.String("platform", key.Platform),
			slog.String("shop", key.Shop),
			slog.Int64("warehouse_id", key.WarehouseID),
			slog.String("ref", key.Ref),
		)
	}
	return status, nil
}

// ReleaseExpired sweeps one page of open reservations past their deadline and
// marks them expired. Each reservation transitions in its own transaction
// under the header lock, so a pick racing the reaper sees exactly one winner:
// either every line moved, or none did.
func (s *Service) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	now := s.clock()
	ids, err := s.repo.ListExpiredOpen(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		err := s.repo.WithTx(ctx, func(ctx context.Context, ptx pgx.Tx) error {
			tx := s.repo.Tx(ptx)
			res, err := tx.GetForUpdateByID(ctx, id)
			if err != nil {
				if errors.Is(err, ErrReservationNotFound) {
					return nil
				}
				return err
			}
			// Re-check under the lock: a pick, release or TTL extension may
			// have won between the scan and here.
			if res.Status != StatusOpen || res.ExpireAt == nil || !res.ExpireAt.Before(now) {
				return nil
			}
			if err := tx.SetStatus(ctx, res.ID, StatusExpired, now); err != nil {
				return err
			}
			expired++
			return nil
		})
		if err != nil {
			return expired, err
		}
	}

	if expired > 0 {
		s.metrics.ReservationsExpired(expired)
		s.bump(ctx)
		s.logger.Info("expired reservations released",
			slog.Int("scanned", len(ids)),
			slog.Int("expired", expired),
		)
	}
	return expired, nil
}

// Get reads a reservation and its lines by business key.
func (s *Service) Get(ctx context.Context, key Key) (Reservation, []Line, error) {
	return s.repo.GetByKey(ctx, key)
}

// ItemAvailability returns the derived availability for one item, served
// cache-aside. The raw value may be negative; callers decide how to present
// that.
func (s *Service) ItemAvailability(ctx context.Context, itemID, warehouseID int64) (Availability, error) {
	if itemID == 0 || warehouseID == 0 {
		return Availability{}, errors.New("reserve: item and warehouse required")
	}
	key, err := s.cache.BuildKey(ctx, "availability", strconv.FormatInt(warehouseID, 10), strconv.FormatInt(itemID, 10))
	if err != nil {
		return Availability{}, err
	}
	var av Availability
	err = s.cache.FetchJSON(ctx, key, &av, func(ctx context.Context) (interface{}, error) {
		return s.repo.Availability(ctx, itemID, warehouseID)
	})
	return av, err
}

// ItemAvailabilityBulk returns availability for a set of items in one
// database round trip, bypassing the cache.
func (s *Service) ItemAvailabilityBulk(ctx context.Context, warehouseID int64, itemIDs []int64) (map[int64]Availability, error) {
	if warehouseID == 0 {
		return nil, errors.New("reserve: warehouse required")
	}
	return s.repo.AvailabilityBulk(ctx, warehouseID, itemIDs)
}

func (s *Service) bump(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("availability cache bump failed", slog.String("error", err.Error()))
	}
}

func validatePersist(input PersistInput) error {
	if input.Key.Platform == "" || input.Key.Shop == "" || input.Key.Ref == "" || input.Key.WarehouseID == 0 {
		return errors.New("reserve: platform, shop, warehouse and ref required")
	}
	if len(input.Lines) == 0 {
		return ErrNoLines
	}
	if input.TTLMinutes != nil && *input.TTLMinutes < 0 {
		return errors.New("reserve: ttl must not be negative")
	}
	for _, line := range input.Lines {
		if line.ItemID == 0 || line.Qty <= 0 {
			return ErrInvalidLine
		}
	}
	return nil
}
