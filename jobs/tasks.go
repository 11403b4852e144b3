package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReservationSweep marks open reservations past their deadline as
	// expired, freeing their availability lock.
	TaskReservationSweep = "reserve:sweep"
)

// ReservationSweepPayload bounds one sweep run.
type ReservationSweepPayload struct {
	PageSize int `json:"page_size"`
}

// NewReservationSweepTask constructs an Asynq task for the TTL reaper.
func NewReservationSweepTask(pageSize int) (*asynq.Task, error) {
	body, err := json.Marshal(ReservationSweepPayload{PageSize: pageSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReservationSweep, body, asynq.Queue(QueueDefault)), nil
}
