package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/talkstudio/voice-backend/internal/ledger"
	"github.com/talkstudio/voice-backend/internal/models"
	"github.com/talkstudio/voice-backend/internal/notify"
	"github.com/talkstudio/voice-backend/internal/progress"
	"github.com/talkstudio/voice-backend/internal/synthesis"
)

// Orchestrator drives a job from debited through settlement. Every state
// transition is a conditional update keyed on the current state, so a
// concurrent cancel or watchdog expiry wins or loses cleanly: the losing
// side sees ErrStateConflict and backs off.
type Orchestrator struct {
	store    Store
	ledger   ledger.Ledger
	client   synthesis.Client
	tracker  *progress.Tracker
	notifier notify.Notifier

	ceiling      time.Duration
	pollInterval time.Duration
}

func NewOrchestrator(store Store, l ledger.Ledger, client synthesis.Client, tracker *progress.Tracker, notifier notify.Notifier, ceiling, pollInterval time.Duration) *Orchestrator {
	if ceiling <= 0 {
		ceiling = 300 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Orchestrator{
		store:        store,
		ledger:       l,
		client:       client,
		tracker:      tracker,
		notifier:     notifier,
		ceiling:      ceiling,
		pollInterval: pollInterval,
	}
}

// Run executes one job to a closed state. It is resumable: the worker may
// crash and retry, and Run picks up from whatever state was persisted. A
// non-nil error means the job is not settled yet and the task should be
// retried.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.State {
	case models.JobStateDebited:
		settled, err := o.submit(ctx, job)
		if err != nil || settled {
			return err
		}
	case models.JobStateSubmitted, models.JobStateInProgress:
		// resume the poll loop below
	case models.JobStateRefundPending:
		return o.settleRefund(ctx, job)
	default:
		// already closed, nothing to drive
		return nil
	}

	return o.awaitCompletion(ctx, job)
}

// submit hands the job to the synthesis backend. Backend rejection or
// exhausted retries route straight to refund settlement; settled reports
// that the job reached a closed state here and the poll loop is not needed.
func (o *Orchestrator) submit(ctx context.Context, job *models.GenerationJob) (settled bool, err error) {
	taskID, err := o.client.Submit(ctx, synthesis.Request{
		TaskKey: job.ID.String(),
		Input:   job.InputText,
		Voice:   job.Voice,
	})
	if err != nil {
		reason := "synthesis_unavailable"
		if errors.Is(err, synthesis.ErrInvalidInput) {
			reason = "invalid_input"
		}
		slog.Error("synthesis submit failed", "job_id", job.ID, "error", err)
		return true, o.abort(ctx, job, reason)
	}

	if err := o.store.Transition(ctx, job.ID, StateChange{
		To:             models.JobStateSubmitted,
		From:           []models.JobState{models.JobStateDebited},
		ExternalTaskID: taskID,
	}); err != nil {
		if errors.Is(err, ErrStateConflict) {
			// a cancel landed between submit and the transition; the
			// backend dedupes on the task key so nothing leaks
			return true, o.reconcile(ctx, job.ID)
		}
		return false, err
	}
	job.State = models.JobStateSubmitted
	job.ExternalTaskID = taskID

	if err := o.tracker.Set(ctx, job.ID, progress.PhaseSubmitted, 0, ""); err != nil {
		slog.Warn("failed to update progress", "job_id", job.ID, "error", err)
	}
	return false, nil
}

// awaitCompletion polls the backend until the job settles or the ceiling
// elapses. Each tick reloads the persisted job so concurrent transitions
// (cancellation, watchdog expiry) are observed.
func (o *Orchestrator) awaitCompletion(ctx context.Context, job *models.GenerationJob) error {
	deadline := job.CreatedAt.Add(o.ceiling)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				// worker shutdown, not a job timeout; retry later
				return ctx.Err()
			}
			slog.Warn("synthesis ceiling exceeded", "job_id", job.ID, "ceiling", o.ceiling)
			return o.abort(ctx, job, "synthesis_timeout")

		case <-ticker.C:
			current, err := o.store.Get(runCtx, job.ID)
			if err != nil {
				return err
			}
			switch current.State {
			case models.JobStateSubmitted, models.JobStateInProgress:
				// still ours to drive
			case models.JobStateRefundPending:
				return o.settleRefund(ctx, current)
			default:
				return nil
			}

			status, err := o.client.Poll(runCtx, current.ExternalTaskID)
			if err != nil {
				if errors.Is(err, synthesis.ErrTaskNotFound) {
					slog.Error("synthesis task lost", "job_id", job.ID, "task_id", current.ExternalTaskID)
					return o.abort(ctx, current, "synthesis_task_lost")
				}
				slog.Warn("synthesis poll failed", "job_id", job.ID, "error", err)
				continue
			}

			done, err := o.observe(ctx, current, status)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// observe applies one status sample. It returns true once the job reached a
// closed state.
func (o *Orchestrator) observe(ctx context.Context, job *models.GenerationJob, status *synthesis.Status) (bool, error) {
	switch {
	case status.Failed():
		slog.Error("synthesis reported failure", "job_id", job.ID, "message", status.Message)
		return true, o.abort(ctx, job, "synthesis_failed")

	case status.Completed():
		// success requires the artifact; a completed status without one is
		// treated as a backend failure and refunded
		if status.Percent < 100 || status.ArtifactURL == "" {
			slog.Error("synthesis completed without artifact", "job_id", job.ID, "percent", status.Percent)
			return true, o.abort(ctx, job, "missing_artifact")
		}
		err := o.store.Transition(ctx, job.ID, StateChange{
			To:          models.JobStateSucceeded,
			From:        []models.JobState{models.JobStateSubmitted, models.JobStateInProgress},
			ArtifactURL: status.ArtifactURL,
			Completed:   true,
		})
		if errors.Is(err, ErrStateConflict) {
			// cancel or watchdog committed first; their transition wins
			return true, o.reconcile(ctx, job.ID)
		}
		if err != nil {
			return false, err
		}
		if err := o.tracker.Set(ctx, job.ID, progress.PhaseCompleted, 100, ""); err != nil {
			slog.Warn("failed to update progress", "job_id", job.ID, "error", err)
		}
		o.notifyClosed(ctx, job.ID)
		return true, nil

	default:
		if job.State == models.JobStateSubmitted {
			err := o.store.Transition(ctx, job.ID, StateChange{
				To:   models.JobStateInProgress,
				From: []models.JobState{models.JobStateSubmitted},
			})
			if errors.Is(err, ErrStateConflict) {
				return true, o.reconcile(ctx, job.ID)
			}
			if err != nil {
				return false, err
			}
			job.State = models.JobStateInProgress
		}
		if err := o.tracker.Set(ctx, job.ID, progress.PhaseSynthesizing, status.Percent, status.Message); err != nil {
			slog.Warn("failed to update progress", "job_id", job.ID, "error", err)
		}
		return false, nil
	}
}

// abort moves an open job to refund_pending and settles the refund. Losing
// the transition race to a concurrent success or cancel is fine; reconcile
// finishes whatever state won.
func (o *Orchestrator) abort(ctx context.Context, job *models.GenerationJob, reason string) error {
	err := o.store.Transition(ctx, job.ID, StateChange{
		To:            models.JobStateRefundPending,
		From:          []models.JobState{models.JobStateDebited, models.JobStateSubmitted, models.JobStateInProgress},
		FailureReason: reason,
	})
	if errors.Is(err, ErrStateConflict) {
		return o.reconcile(ctx, job.ID)
	}
	if err != nil {
		return err
	}
	job.State = models.JobStateRefundPending
	job.FailureReason = reason
	return o.settleRefund(ctx, job)
}

// settleRefund credits the job's cost back and closes the job. Refund is
// idempotent on the job id, so the caller retries this until it succeeds.
func (o *Orchestrator) settleRefund(ctx context.Context, job *models.GenerationJob) error {
	if _, err := ledger.Refund(ctx, o.ledger, job.AccountID, job.ID, job.CreditCost); err != nil {
		return fmt.Errorf("refund job %s: %w", job.ID, err)
	}

	err := o.store.Transition(ctx, job.ID, StateChange{
		To:        models.JobStateRefunded,
		From:      []models.JobState{models.JobStateRefundPending},
		Completed: true,
	})
	if err != nil && !errors.Is(err, ErrStateConflict) {
		return err
	}

	if err := o.tracker.Set(ctx, job.ID, progress.PhaseRefunded, 0, job.FailureReason); err != nil {
		slog.Warn("failed to update progress", "job_id", job.ID, "error", err)
	}
	o.notifyClosed(ctx, job.ID)
	return nil
}

// reconcile finishes a job whose transition we lost: if the winner left it
// in refund_pending we settle the refund, otherwise there is nothing to do.
func (o *Orchestrator) reconcile(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State == models.JobStateRefundPending {
		return o.settleRefund(ctx, job)
	}
	return nil
}

// ExpireStuck is the watchdog sweep: any job sitting in submitted or
// in_progress past the ceiling is forced into refund and settled, and jobs
// left in refund_pending by earlier failures are re-driven.
func (o *Orchestrator) ExpireStuck(ctx context.Context) error {
	cutoff := time.Now().Add(-o.ceiling)
	stuck, err := o.store.InStatesSince(ctx, cutoff, models.JobStateSubmitted, models.JobStateInProgress)
	if err != nil {
		return err
	}

	var firstErr error
	for i := range stuck {
		job := stuck[i]
		slog.Warn("watchdog expiring stuck job", "job_id", job.ID, "state", job.State)
		if err := o.abort(ctx, &job, "synthesis_timeout"); err != nil {
			slog.Error("watchdog failed to expire job", "job_id", job.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	pending, err := o.store.InStatesSince(ctx, time.Now(), models.JobStateRefundPending)
	if err != nil {
		return err
	}
	for i := range pending {
		job := pending[i]
		if err := o.settleRefund(ctx, &job); err != nil {
			slog.Error("watchdog failed to settle refund", "job_id", job.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) notifyClosed(ctx context.Context, jobID uuid.UUID) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		slog.Warn("failed to load job for notification", "job_id", jobID, "error", err)
		return
	}
	o.notifier.JobFinished(ctx, job)
}
