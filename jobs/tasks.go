package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPipelineAdvance claims one run and executes steps until it
	// suspends or finishes.
	TaskPipelineAdvance = "pipeline:advance"
	// TaskPipelineReclaim re-enqueues runs whose worker lease expired.
	TaskPipelineReclaim = "pipeline:reclaim"
)

// AdvancePayload identifies the run to advance.
type AdvancePayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// NewAdvanceTask constructs a pipeline advance task.
func NewAdvanceTask(runID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(AdvancePayload{RunID: runID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPipelineAdvance, data), nil
}

// ReclaimPayload bounds one reclaim sweep.
type ReclaimPayload struct {
	Limit int `json:"limit"`
}

// NewReclaimTask constructs a reclaim sweep task.
func NewReclaimTask(limit int) (*asynq.Task, error) {
	data, err := json.Marshal(ReclaimPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPipelineReclaim, data), nil
}
