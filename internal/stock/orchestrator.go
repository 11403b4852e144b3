package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

// perLineWorkers bounds the fan-out of per-line commits. Lines touching the
// same slot still serialize on the row lock.
const perLineWorkers = 4

// CommitLine is one movement inside a multi-line commit.
type CommitLine struct {
	ItemID         int64
	WarehouseID    int64
	Lot            LotCode
	Delta          int64
	Reason         Reason
	ProductionDate *time.Time
	ExpiryDate     *time.Time
}

// CommitInput describes a multi-line inbound or outbound commit. Atomic mode
// wraps every line in one transaction: a single insufficient line rejects the
// whole commit with no ledger effect anywhere. Per-line mode commits each
// line independently, shipping what is available.
type CommitInput struct {
	Ref        string
	Atomic     bool
	OccurredAt time.Time
	TraceID    string
	Lines      []CommitLine
}

// CommitLineResult reports the outcome of one line.
type CommitLineResult struct {
	RefLine  int32
	AfterQty int64
	Applied  bool
	Err      error
}

// CommitResult aggregates per-line outcomes. In atomic mode either every line
// applied or the commit error was returned instead.
type CommitResult struct {
	Ref   string
	Lines []CommitLineResult
}

// Commit composes the adjustment applier across the lines of one ref.
// Line numbers are positional (ref_line 1..N), so a retried commit with an
// identical payload is absorbed line by line through ledger idempotency.
func (s *Service) Commit(ctx context.Context, input CommitInput) (CommitResult, error) {
	if input.Ref == "" {
		return CommitResult{}, ErrRefRequired
	}
	if len(input.Lines) == 0 {
		return CommitResult{}, errors.New("stock: commit requires at least one line")
	}

	inputs := make([]AdjustInput, len(input.Lines))
	for i, line := range input.Lines {
		inputs[i] = AdjustInput{
			ItemID:         line.ItemID,
			WarehouseID:    line.WarehouseID,
			Lot:            line.Lot,
			Delta:          line.Delta,
			Reason:         line.Reason,
			Ref:            input.Ref,
			RefLine:        int32(i + 1),
			OccurredAt:     input.OccurredAt,
			TraceID:        input.TraceID,
			ProductionDate: line.ProductionDate,
			ExpiryDate:     line.ExpiryDate,
		}
	}

	if input.Atomic {
		return s.commitAtomic(ctx, input.Ref, inputs)
	}
	return s.commitPerLine(ctx, input.Ref, inputs)
}

func (s *Service) commitAtomic(ctx context.Context, ref string, inputs []AdjustInput) (CommitResult, error) {
	normalized := make([]normalizedAdjust, len(inputs))
	for i, in := range inputs {
		n, err := s.normalize(ctx, in)
		if err != nil {
			return CommitResult{}, err
		}
		normalized[i] = n
	}

	results := make([]CommitLineResult, len(normalized))
	err := s.repo.WithTx(ctx, func(ctx context.Context, ptx pgx.Tx) error {
		tx := s.repo.Tx(ptx)
		for i, in := range normalized {
			res, err := s.apply(ctx, tx, in)
			if err != nil {
				return err
			}
			results[i] = CommitLineResult{RefLine: in.RefLine, AfterQty: res.AfterQty, Applied: res.Applied}
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateMovement) {
		// A concurrent caller with the same ref won the unique-index race and
		// committed the whole commit; every line resolves to its recorded
		// outcome, same as a single Adjust race loser.
		for i, in := range normalized {
			prior, lookupErr := s.repo.GetLedgerByKey(ctx, in.key())
			if lookupErr != nil {
				return CommitResult{}, fmt.Errorf("stock: resolve duplicate commit line %d: %w", in.RefLine, lookupErr)
			}
			results[i] = CommitLineResult{RefLine: in.RefLine, AfterQty: prior.AfterQty, Applied: false}
			s.observeDuplicate(in)
		}
		return CommitResult{Ref: ref, Lines: results}, nil
	}
	if err != nil {
		return CommitResult{}, err
	}
	applied := false
	for i, in := range normalized {
		if results[i].Applied {
			s.observeApplied(ctx, in, AdjustResult{AfterQty: results[i].AfterQty, Applied: true, TraceID: in.TraceID})
			applied = true
		} else {
			s.observeDuplicate(in)
		}
	}
	if applied {
		s.bumpAvailability(ctx)
	}
	return CommitResult{Ref: ref, Lines: results}, nil
}

func (s *Service) commitPerLine(ctx context.Context, ref string, inputs []AdjustInput) (CommitResult, error) {
	results := make([]CommitLineResult, len(inputs))

	var g errgroup.Group
	g.SetLimit(perLineWorkers)
	for i, in := range inputs {
		g.Go(func() error {
			res, err := s.Adjust(ctx, in)
			results[i] = CommitLineResult{
				RefLine:  in.RefLine,
				AfterQty: res.AfterQty,
				Applied:  res.Applied,
				Err:      err,
			}
			// Line failures are part of the result, not a commit failure.
			return nil
		})
	}
	_ = g.Wait()

	return CommitResult{Ref: ref, Lines: results}, nil
}
