package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/talkstudio/voice-backend/internal/ledger"
	"github.com/talkstudio/voice-backend/internal/models"
	"github.com/talkstudio/voice-backend/internal/progress"
)

var (
	// ErrEmptyInput rejects generation requests with no text to synthesize.
	ErrEmptyInput = errors.New("input text is empty")

	// ErrCancelRejected is returned when a job is too far along to cancel.
	ErrCancelRejected = errors.New("job can no longer be cancelled")
)

// Enqueuer hands jobs to the background worker pool.
type Enqueuer interface {
	EnqueueSynthesisRun(ctx context.Context, jobID uuid.UUID) error
}

// Service owns job creation and cancellation. The asynchronous lifecycle
// between submission and settlement belongs to the Orchestrator.
type Service struct {
	store   Store
	ledger  ledger.Ledger
	tracker *progress.Tracker
	queue   Enqueuer

	rate            int64 // credits per input character
	cancelThreshold int   // percent above which in-progress jobs cannot be cancelled
}

func NewService(store Store, l ledger.Ledger, tracker *progress.Tracker, queue Enqueuer, rate int64, cancelThreshold int) *Service {
	if rate <= 0 {
		rate = 1
	}
	return &Service{
		store:           store,
		ledger:          l,
		tracker:         tracker,
		queue:           queue,
		rate:            rate,
		cancelThreshold: cancelThreshold,
	}
}

// Cost computes the credit price of an input before any job is created.
func (s *Service) Cost(input string) int64 {
	return int64(utf8.RuneCountInString(input)) * s.rate
}

// EstimateSeconds predicts how long synthesis of the input will take.
func (s *Service) EstimateSeconds(input string) int {
	return progress.EstimateSeconds(utf8.RuneCountInString(input))
}

// Create persists a new job, debits the account and queues it for synthesis.
// An insufficient balance fails the job synchronously with no ledger write
// and no progress record.
func (s *Service) Create(ctx context.Context, accountID uuid.UUID, input, voice string) (*models.GenerationJob, error) {
	if input == "" {
		return nil, ErrEmptyInput
	}

	job := &models.GenerationJob{
		ID:         uuid.New(),
		AccountID:  accountID,
		InputText:  input,
		Voice:      voice,
		CreditCost: s.Cost(input),
		State:      models.JobStateCreated,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	_, err := s.ledger.Debit(ctx, accountID, job.CreditCost, models.ReasonGenerationDebit, job.ID.String())
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			if terr := s.store.Transition(ctx, job.ID, StateChange{
				To:            models.JobStateFailed,
				From:          []models.JobState{models.JobStateCreated},
				FailureReason: "insufficient_credits",
				Completed:     true,
			}); terr != nil {
				slog.Error("failed to mark job failed", "job_id", job.ID, "error", terr)
			}
			job.State = models.JobStateFailed
			job.FailureReason = "insufficient_credits"
			return job, err
		}
		return nil, fmt.Errorf("debit account %s: %w", accountID, err)
	}

	if err := s.store.Transition(ctx, job.ID, StateChange{
		To:   models.JobStateDebited,
		From: []models.JobState{models.JobStateCreated},
	}); err != nil {
		return nil, err
	}
	job.State = models.JobStateDebited

	if err := s.tracker.SetEstimate(ctx, job.ID, utf8.RuneCountInString(input)); err != nil {
		slog.Warn("failed to record progress estimate", "job_id", job.ID, "error", err)
	}

	if err := s.queue.EnqueueSynthesisRun(ctx, job.ID); err != nil {
		slog.Error("failed to enqueue synthesis", "job_id", job.ID, "error", err)
		s.abandon(ctx, job, "enqueue_failed")
		return nil, fmt.Errorf("enqueue synthesis for job %s: %w", job.ID, err)
	}
	return job, nil
}

// Cancel honors cancellation while the job is debited or submitted. Once
// synthesis is in progress it is only honored below the progress threshold;
// beyond that the job runs to completion. Jobs still in created state are
// failed outright since no debit landed yet.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.State {
	case models.JobStateCreated:
		if err := s.store.Transition(ctx, jobID, StateChange{
			To:            models.JobStateFailed,
			From:          []models.JobState{models.JobStateCreated},
			FailureReason: "cancelled",
			Completed:     true,
		}); err != nil {
			return nil, err
		}
		return s.store.Get(ctx, jobID)

	case models.JobStateDebited, models.JobStateSubmitted:
		// fallthrough to refund below

	case models.JobStateInProgress:
		rec, err := s.tracker.Get(ctx, jobID)
		if err != nil && !errors.Is(err, progress.ErrNotFound) {
			return nil, err
		}
		if rec != nil && rec.Percent >= s.cancelThreshold {
			return nil, ErrCancelRejected
		}

	default:
		return nil, ErrCancelRejected
	}

	if err := s.store.Transition(ctx, jobID, StateChange{
		To:            models.JobStateRefundPending,
		From:          []models.JobState{models.JobStateDebited, models.JobStateSubmitted, models.JobStateInProgress},
		FailureReason: "cancelled",
	}); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return nil, ErrCancelRejected
		}
		return nil, err
	}

	// Best effort immediate refund. The orchestrator's settlement loop and
	// the watchdog re-drive refund_pending jobs if this fails.
	if _, err := ledger.Refund(ctx, s.ledger, job.AccountID, job.ID, job.CreditCost); err != nil {
		slog.Error("inline refund failed, left for settlement", "job_id", job.ID, "error", err)
	} else {
		if err := s.store.Transition(ctx, jobID, StateChange{
			To:        models.JobStateRefunded,
			From:      []models.JobState{models.JobStateRefundPending},
			Completed: true,
		}); err != nil && !errors.Is(err, ErrStateConflict) {
			slog.Error("failed to mark job refunded", "job_id", job.ID, "error", err)
		}
		if err := s.tracker.Set(ctx, jobID, progress.PhaseRefunded, 0, "cancelled"); err != nil {
			slog.Warn("failed to update progress", "job_id", job.ID, "error", err)
		}
	}

	return s.store.Get(ctx, jobID)
}

// Get returns the job if it belongs to the account.
func (s *Service) Get(ctx context.Context, accountID, jobID uuid.UUID) (*models.GenerationJob, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.AccountID != accountID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns the account's most recent jobs.
func (s *Service) List(ctx context.Context, accountID uuid.UUID, limit int) ([]models.GenerationJob, error) {
	return s.store.ListByAccount(ctx, accountID, limit)
}

// Progress returns the live progress record, falling back to a synthetic
// record derived from the persisted job when the redis entry expired.
func (s *Service) Progress(ctx context.Context, accountID, jobID uuid.UUID) (*progress.Record, error) {
	job, err := s.Get(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}

	rec, err := s.tracker.Get(ctx, jobID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, progress.ErrNotFound) {
		return nil, err
	}
	return recordFromJob(job), nil
}

func (s *Service) abandon(ctx context.Context, job *models.GenerationJob, reason string) {
	if err := s.store.Transition(ctx, job.ID, StateChange{
		To:            models.JobStateRefundPending,
		From:          []models.JobState{models.JobStateDebited},
		FailureReason: reason,
	}); err != nil {
		slog.Error("failed to mark job refund_pending", "job_id", job.ID, "error", err)
		return
	}
	if _, err := ledger.Refund(ctx, s.ledger, job.AccountID, job.ID, job.CreditCost); err != nil {
		slog.Error("inline refund failed, left for settlement", "job_id", job.ID, "error", err)
		return
	}
	if err := s.store.Transition(ctx, job.ID, StateChange{
		To:        models.JobStateRefunded,
		From:      []models.JobState{models.JobStateRefundPending},
		Completed: true,
	}); err != nil {
		slog.Error("failed to mark job refunded", "job_id", job.ID, "error", err)
	}
}

// recordFromJob maps a settled job row to the progress shape so pollers get
// a consistent response after the live record expires.
func recordFromJob(job *models.GenerationJob) *progress.Record {
	rec := &progress.Record{JobID: job.ID, UpdatedAt: job.CreatedAt}
	if job.CompletedAt != nil {
		rec.UpdatedAt = *job.CompletedAt
	}
	switch job.State {
	case models.JobStateSucceeded:
		rec.Phase = progress.PhaseCompleted
		rec.Percent = 100
	case models.JobStateFailed:
		rec.Phase = progress.PhaseFailed
		rec.Message = job.FailureReason
	case models.JobStateRefunded, models.JobStateRefundPending:
		rec.Phase = progress.PhaseRefunded
		rec.Message = job.FailureReason
	case models.JobStateSubmitted:
		rec.Phase = progress.PhaseSubmitted
	case models.JobStateInProgress:
		rec.Phase = progress.PhaseSynthesizing
	default:
		rec.Phase = progress.PhaseQueued
	}
	return rec
}
