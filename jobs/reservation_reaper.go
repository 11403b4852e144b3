package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/stocklane/stocklane/internal/jobs"
)

// ReaperService is the slice of the reservation engine the sweep drives.
type ReaperService interface {
	ReleaseExpired(ctx context.Context, limit int) (int, error)
}

// ReservationReaperJob expires open reservations whose TTL elapsed. Each
// reservation transitions under its own row lock, so the sweep never races a
// concurrent pick into a partial state.
type ReservationReaperJob struct {
	Service ReaperService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReservationReaperJob initialises the sweep handler.
func NewReservationReaperJob(service ReaperService, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReservationReaperJob {
	return &ReservationReaperJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep, draining full pages until the backlog is empty.
func (j *ReservationReaperJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("reservation sweep: handler not configured")
	}
	var payload ReservationSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.PageSize <= 0 {
		payload.PageSize = 200
	}

	tracker := j.metrics().Track(TaskReservationSweep)
	start := j.now()

	total := 0
	var resultErr error
	for {
		expired, err := j.Service.ReleaseExpired(ctx, payload.PageSize)
		total += expired
		if err != nil {
			resultErr = err
			break
		}
		if expired < payload.PageSize {
			break
		}
		if ctx.Err() != nil {
			resultErr = ctx.Err()
			break
		}
	}

	logger := j.logger()
	if resultErr != nil {
		logger.Error("reservation sweep failed",
			slog.Int("expired", total),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", resultErr))
	} else {
		logger.Info("reservation sweep finished",
			slog.Int("expired", total),
			slog.Duration("elapsed", time.Since(start)))
	}
	return tracker.End(resultErr)
}

func (j *ReservationReaperJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return nil
}

func (j *ReservationReaperJob) logger() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *ReservationReaperJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
