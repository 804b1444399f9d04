// Package synthesis adapts the external text-to-speech backends behind a
// single client interface. Transport failures are never swallowed: they
// surface as one of the typed errors below so the orchestrator can choose
// between retry and refund.
package synthesis

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the backend could not be reached after the retry
	// budget was exhausted. The job should be refunded.
	ErrUnavailable = errors.New("synthesis service unavailable")

	// ErrInvalidInput means the backend rejected the request itself; there
	// is no point retrying.
	ErrInvalidInput = errors.New("invalid synthesis input")

	// ErrTaskNotFound means the backend does not know the task id.
	ErrTaskNotFound = errors.New("synthesis task not found")
)

type Request struct {
	// TaskKey is the caller-supplied idempotency key (the job id); the
	// backend dedupes resubmissions on it.
	TaskKey string `json:"task_key"`
	Input   string `json:"input"`
	Voice   string `json:"voice,omitempty"`
}

type Status struct {
	Phase       string `json:"phase"` // queued, processing, completed, failed
	Percent     int    `json:"percent"`
	ArtifactURL string `json:"artifact_url,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (s *Status) Completed() bool { return s.Phase == "completed" }
func (s *Status) Failed() bool    { return s.Phase == "failed" }

type Client interface {
	// Submit hands the request to the backend and returns its task id.
	Submit(ctx context.Context, req Request) (string, error)

	// Poll reports the task's current phase and percent.
	Poll(ctx context.Context, taskID string) (*Status, error)
}
