package stock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func datePtr(t *testing.T, value string) *time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", value)
	require.NoError(t, err)
	return &parsed
}

func TestPlanPickOrdersByExpiry(t *testing.T) {
	candidates := []PickCandidate{
		{BatchKey: "LOT-C", Qty: 10, ExpiryDate: datePtr(t, "2026-12-01")},
		{BatchKey: "LOT-A", Qty: 10, ExpiryDate: datePtr(t, "2026-09-01")},
		{BatchKey: "LOT-B", Qty: 10, ExpiryDate: datePtr(t, "2026-10-15")},
	}

	plan, err := PlanPick(1, 1, candidates, 15)
	require.NoError(t, err)
	require.Equal(t, []Allocation{
		{BatchKey: "LOT-A", Qty: 10},
		{BatchKey: "LOT-B", Qty: 5},
	}, plan)
}

func TestPlanPickExpiryLessBatchesLast(t *testing.T) {
	candidates := []PickCandidate{
		{BatchKey: noLotBatchKey, Qty: 50},
		{BatchKey: "LOT-A", Qty: 5, ExpiryDate: datePtr(t, "2026-09-01")},
	}

	plan, err := PlanPick(1, 1, candidates, 8)
	require.NoError(t, err)
	require.Equal(t, []Allocation{
		{BatchKey: "LOT-A", Qty: 5},
		{BatchKey: noLotBatchKey, Qty: 3},
	}, plan)
}

func TestPlanPickTieBreaksOnBatchKey(t *testing.T) {
	expiry := datePtr(t, "2026-09-01")
	candidates := []PickCandidate{
		{BatchKey: "LOT-B", Qty: 4, ExpiryDate: expiry},
		{BatchKey: "LOT-A", Qty: 4, ExpiryDate: expiry},
	}

	plan, err := PlanPick(1, 1, candidates, 6)
	require.NoError(t, err)
	require.Equal(t, []Allocation{
		{BatchKey: "LOT-A", Qty: 4},
		{BatchKey: "LOT-B", Qty: 2},
	}, plan)
}

func TestPlanPickAllOrNothing(t *testing.T) {
	candidates := []PickCandidate{
		{BatchKey: "LOT-A", Qty: 3, ExpiryDate: datePtr(t, "2026-09-01")},
		{BatchKey: "LOT-B", Qty: 4, ExpiryDate: datePtr(t, "2026-10-01")},
	}

	plan, err := PlanPick(7, 2, candidates, 10)
	require.Nil(t, plan)
	require.ErrorIs(t, err, ErrInsufficientAvailable)

	var detail *InsufficientAvailableError
	require.ErrorAs(t, err, &detail)
	require.Equal(t, int64(7), detail.Shortage.ItemID)
	require.Equal(t, int64(2), detail.Shortage.WarehouseID)
	require.Equal(t, int64(10), detail.Shortage.Required)
	require.Equal(t, int64(7), detail.Shortage.Available)
	require.Equal(t, int64(3), detail.Shortage.Short)
}

func TestPlanPickIgnoresEmptySlots(t *testing.T) {
	candidates := []PickCandidate{
		{BatchKey: "LOT-A", Qty: 0, ExpiryDate: datePtr(t, "2026-09-01")},
		{BatchKey: "LOT-B", Qty: 6, ExpiryDate: datePtr(t, "2026-10-01")},
	}

	plan, err := PlanPick(1, 1, candidates, 6)
	require.NoError(t, err)
	require.Equal(t, []Allocation{{BatchKey: "LOT-B", Qty: 6}}, plan)
}

func TestPlanPickRejectsNonPositiveNeed(t *testing.T) {
	_, err := PlanPick(1, 1, nil, 0)
	require.True(t, errors.Is(err, ErrZeroDelta))
}
