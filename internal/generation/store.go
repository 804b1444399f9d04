package generation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/talkstudio/voice-backend/internal/models"
)

var (
	ErrJobNotFound = errors.New("generation job not found")

	// ErrStateConflict means another actor committed a conflicting
	// transition first. The losing side treats it as a no-op.
	ErrStateConflict = errors.New("job state conflict")
)

// StateChange is a conditional transition: it only applies while the job is
// still in one of the From states. Empty fields leave the column untouched.
type StateChange struct {
	To             models.JobState
	From           []models.JobState
	FailureReason  string
	ExternalTaskID string
	ArtifactURL    string
	Completed      bool // stamp completed_at
}

type Store interface {
	Create(ctx context.Context, job *models.GenerationJob) error
	Get(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.GenerationJob, error)

	// Transition applies the change, or returns ErrStateConflict if the job
	// already left the expected states.
	Transition(ctx context.Context, id uuid.UUID, change StateChange) error

	// InStatesSince lists jobs in any of the given states created before
	// the cutoff, oldest first.
	InStatesSince(ctx context.Context, cutoff time.Time, states ...models.JobState) ([]models.GenerationJob, error)
}
