package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the orchestrator-owned lifecycle state of a generation job.
type JobState string

const (
	JobStateCreated       JobState = "created"
	JobStateDebited       JobState = "debited"
	JobStateSubmitted     JobState = "submitted"
	JobStateInProgress    JobState = "in_progress"
	JobStateSucceeded     JobState = "succeeded"
	JobStateFailed        JobState = "failed"
	JobStateRefundPending JobState = "refund_pending"
	JobStateRefunded      JobState = "refunded"
)

// Terminal reports whether a job in this state is closed. refund_pending is
// not terminal: the job stays open until the refund is confirmed.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateRefunded
}

type GenerationJob struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	AccountID      uuid.UUID  `json:"account_id" db:"account_id"`
	InputText      string     `json:"input_text" db:"input_text"`
	Voice          string     `json:"voice" db:"voice"`
	CreditCost     int64      `json:"credit_cost" db:"credit_cost"`
	State          JobState   `json:"state" db:"state"`
	FailureReason  string     `json:"failure_reason,omitempty" db:"failure_reason"`
	ExternalTaskID string     `json:"external_task_id,omitempty" db:"external_task_id"`
	ArtifactURL    string     `json:"artifact_url,omitempty" db:"artifact_url"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
