package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type stubReaper struct {
	pages []int
	calls int
	limit int
	err   error
}

func (s *stubReaper) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	s.calls++
	s.limit = limit
	if s.err != nil {
		return 0, s.err
	}
	if len(s.pages) == 0 {
		return 0, nil
	}
	page := s.pages[0]
	s.pages = s.pages[1:]
	return page, nil
}

func sweepTask(t *testing.T, pageSize int) *asynq.Task {
	t.Helper()
	task, err := NewReservationSweepTask(pageSize)
	require.NoError(t, err)
	return task
}

func TestReservationReaperDrainsFullPages(t *testing.T) {
	reaper := &stubReaper{pages: []int{200, 200, 50}}
	job := NewReservationReaperJob(reaper, nil, nil)

	err := job.Handle(context.Background(), sweepTask(t, 200))
	require.NoError(t, err)
	require.Equal(t, 3, reaper.calls)
	require.Equal(t, 200, reaper.limit)
}

func TestReservationReaperStopsOnShortPage(t *testing.T) {
	reaper := &stubReaper{pages: []int{3}}
	job := NewReservationReaperJob(reaper, nil, nil)

	err := job.Handle(context.Background(), sweepTask(t, 200))
	require.NoError(t, err)
	require.Equal(t, 1, reaper.calls)
}

func TestReservationReaperDefaultsPageSize(t *testing.T) {
	reaper := &stubReaper{}
	job := NewReservationReaperJob(reaper, nil, nil)

	body, err := json.Marshal(ReservationSweepPayload{})
	require.NoError(t, err)
	err = job.Handle(context.Background(), asynq.NewTask(TaskReservationSweep, body))
	require.NoError(t, err)
	require.Equal(t, 200, reaper.limit)
}

func TestReservationReaperPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	reaper := &stubReaper{err: boom}
	job := NewReservationReaperJob(reaper, nil, nil)

	err := job.Handle(context.Background(), sweepTask(t, 10))
	require.ErrorIs(t, err, boom)
}

func TestReservationReaperSkipsBadPayload(t *testing.T) {
	job := NewReservationReaperJob(&stubReaper{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskReservationSweep, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
