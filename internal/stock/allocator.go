package stock

import "sort"

// PlanPick builds a FEFO allocation over the given candidates: batches are
// consumed earliest expiry first, expiry-less batches last, batch key as the
// stable tie-break. The plan is all-or-nothing; when the total across batches
// is short an InsufficientAvailableError is returned and nothing is planned.
//
// The plan itself locks nothing. Application happens through per-batch
// adjustment calls inside the caller's transaction, where a stale plan is
// caught by the slot non-negativity check.
func PlanPick(itemID, warehouseID int64, candidates []PickCandidate, need int64) ([]Allocation, error) {
	if need <= 0 {
		return nil, ErrZeroDelta
	}

	ranked := make([]PickCandidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		ei, ej := ranked[i].ExpiryDate, ranked[j].ExpiryDate
		switch {
		case ei == nil && ej == nil:
			return ranked[i].BatchKey < ranked[j].BatchKey
		case ei == nil:
			return false
		case ej == nil:
			return true
		case ei.Equal(*ej):
			return ranked[i].BatchKey < ranked[j].BatchKey
		default:
			return ei.Before(*ej)
		}
	})

	var available int64
	for _, c := range ranked {
		if c.Qty > 0 {
			available += c.Qty
		}
	}
	if available < need {
		return nil, &InsufficientAvailableError{Shortage: Shortage{
			ItemID:      itemID,
			WarehouseID: warehouseID,
			Required:    need,
			Available:   available,
			Short:       need - available,
		}}
	}

	plan := []Allocation{}
	remaining := need
	for _, c := range ranked {
		if remaining == 0 {
			break
		}
		if c.Qty <= 0 {
			continue
		}
		take := c.Qty
		if take > remaining {
			take = remaining
		}
		plan = append(plan, Allocation{BatchKey: c.BatchKey, Qty: take})
		remaining -= take
	}
	return plan, nil
}
