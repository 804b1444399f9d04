package generation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkstudio/voice-backend/internal/models"
	"github.com/talkstudio/voice-backend/internal/notify"
	"github.com/talkstudio/voice-backend/internal/progress"
	"github.com/talkstudio/voice-backend/internal/synthesis"
)

// fakeSynthesisClient scripts the backend: Submit hands out a task id and
// Poll walks through the configured statuses, holding the last one.
type fakeSynthesisClient struct {
	mu        sync.Mutex
	submitErr error
	pollErr   error
	statuses  []synthesis.Status
	idx       int
	submits   int
}

func (f *fakeSynthesisClient) Submit(_ context.Context, req synthesis.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "task-" + req.TaskKey, nil
}

func (f *fakeSynthesisClient) Poll(_ context.Context, _ string) (*synthesis.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.statuses) == 0 {
		return &synthesis.Status{Phase: "processing", Percent: 0}, nil
	}
	st := f.statuses[f.idx]
	if f.idx < len(f.statuses)-1 {
		f.idx++
	}
	return &st, nil
}

func newTestOrchestrator(env *testEnv, client synthesis.Client, ceiling time.Duration) *Orchestrator {
	return NewOrchestrator(env.store, env.ledger, client, env.tracker, notify.Nop{}, ceiling, 5*time.Millisecond)
}

func createDebitedJob(t *testing.T, env *testEnv, accountID uuid.UUID, chars int) *models.GenerationJob {
	t.Helper()
	job, err := env.svc.Create(context.Background(), accountID, strings.Repeat("x", chars), "alloy")
	require.NoError(t, err)
	require.Equal(t, models.JobStateDebited, job.State)
	return job
}

func TestOrchestratorRun(t *testing.T) {
	ctx := context.Background()

	t.Run("Success Keeps Debit And Attaches Artifact", func(t *testing.T) {
		env := newTestEnv(t)
		accountID := env.seedAccount(t, 1000)
		job := createDebitedJob(t, env, accountID, 250)

		client := &fakeSynthesisClient{statuses: []synthesis.Status{
			{Phase: "processing", Percent: 20},
			{Phase: "processing", Percent: 70},
			{Phase: "completed", Percent: 100, ArtifactURL: "https://cdn.example/audio.mp3"},
		}}
		orch := newTestOrchestrator(env, client, 5*time.Second)

		require.NoError(t, orch.Run(ctx, job.ID))

		final, err := env.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateSucceeded, final.State)
		assert.Equal(t, "https://cdn.example/audio.mp3", final.ArtifactURL)
		assert.NotNil(t, final.CompletedAt)

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(750), balance, "debit stands on success")

		rec, err := env.tracker.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, progress.PhaseCompleted, rec.Phase)
		assert.Equal(t, 100, rec.Percent)
	})

	t.Run("Submit Failure Refunds", func(t *testing.T) {
		env := newTestEnv(t)
		accountID := env.seedAccount(t, 1000)
		job := createDebitedJob(t, env, accountID, 250)

		client := &fakeSynthesisClient{submitErr: synthesis.ErrUnavailable}
		orch := newTestOrchestrator(env, client, 5*time.Second)

		require.NoError(t, orch.Run(ctx, job.ID))

		final, err := env.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRefunded, final.State)
		assert.Equal(t, "synthesis_unavailable", final.FailureReason)

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), balance)
	})

	t.Run("Invalid Input Refunds With Reason", func(t *testing.T) {
		env := newTestEnv(t)
		accountID := env.seedAccount(t, 1000)
		job := createDebitedJob(t, env, accountID, 100)

		client := &fakeSynthesisClient{submitErr: synthesis.ErrInvalidInput}
		orch := newTestOrchestrator(env, client, 5*time.Second)

		require.NoError(t, orch.Run(ctx, job.ID))

		final, err := env.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRefunded, final.State)
		assert.Equal(t, "invalid_input", final.FailureReason)
	})

	t.Run("Backend Failure Refunds", func(t *testing.T) {
		env := newTestEnv(t)
		accountID := env.seedAccount(t, 1000)
		job := createDebitedJob(t, env, accountID, 250)

		client := &fakeSynthesisClient{statuses: []synthesis.Status{
			{Phase: "processing", Percent: 40},
			{Phase: "failed", Message: "engine crashed"},
		}}
		orch := newTestOrchestrator(env, client, 5*time.Second)

		require.NoError(t, orch.Run(ctx, job.ID))

		final, err := env.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRefunded, final.State)
		assert.Equal(t, "synthesis_failed", final.FailureReason)

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), balance)
	})

	t.Run("Timeout Refunds Full Cost", func(t *testing.T) {
		env := newTestEnv(t)
		accountID := env.seedAccount(t, 1000)
		job := createDebitedJob(t, env, accountID, 250)

		// never completes
		client := &fakeSynthesisClient{statuses: []synthesis.Status{
			{Phase: "processing", Percent: 30},
		}}
		orch := newTestOrchestrator(env, client, 50*time.Millisecond)

		require.NoError(t, orch.Run(ctx, job.ID))

		final, err := env.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRefunded, final.State)
		assert.Equal(t, "synthesis_timeout", final.FailureReason)

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), balance, "timed out job restores the full debit")
	})

	t.Run("Completed Without Artifact Refunds", func(t *testing.T) {
		env := newTestEnv(t)
		accountID := env.seedAccount(t, 1000)
		job := createDebitedJob(t, env, accountID, 100)

		client := &fakeSynthesisClient{statuses: []synthesis.Status{
			{Phase: "completed", Percent: 100},
		}}
		orch := newTestOrchestrator(env, client, 5*time.Second)

		require.NoError(t, orch.Run(ctx, job.ID))

		final, err := env.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRefunded, final.State)
		assert.Equal(t, "missing_artifact", final.FailureReason)
	})

	t.Run("Refund Pending Is Re-Driven Idempotently", func(t *testing.T) {
		env := newTestEnv(t)
		accountID := env.seedAccount(t, 1000)
		job := createDebitedJob(t, env, accountID, 250)

		require.NoError(t, env.store.Transition(ctx, job.ID, StateChange{
			To:            models.JobStateRefundPending,
			From:          []models.JobState{models.JobStateDebited},
			FailureReason: "synthesis_timeout",
		}))

		orch := newTestOrchestrator(env, &fakeSynthesisClient{}, 5*time.Second)
		require.NoError(t, orch.Run(ctx, job.ID))
		require.NoError(t, orch.Run(ctx, job.ID), "retried settlement is a no-op")

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), balance, "exactly one refund across retries")

		final, err := env.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRefunded, final.State)
	})

	t.Run("Closed Job Is A No-Op", func(t *testing.T) {
		env := newTestEnv(t)
		accountID := env.seedAccount(t, 1000)
		job := createDebitedJob(t, env, accountID, 100)

		require.NoError(t, env.store.Transition(ctx, job.ID, StateChange{
			To:          models.JobStateSucceeded,
			From:        []models.JobState{models.JobStateDebited},
			ArtifactURL: "https://cdn.example/audio.mp3",
			Completed:   true,
		}))

		client := &fakeSynthesisClient{}
		orch := newTestOrchestrator(env, client, 5*time.Second)
		require.NoError(t, orch.Run(ctx, job.ID))
		assert.Equal(t, 0, client.submits)

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(900), balance, "no refund for a succeeded job")
	})

	t.Run("Cancellation During Poll Loop Settles Refund", func(t *testing.T) {
		env := newTestEnv(t)
		accountID := env.seedAccount(t, 1000)
		job := createDebitedJob(t, env, accountID, 250)

		client := &fakeSynthesisClient{statuses: []synthesis.Status{
			{Phase: "processing", Percent: 10},
		}}
		orch := newTestOrchestrator(env, client, 5*time.Second)

		done := make(chan error, 1)
		go func() { done <- orch.Run(ctx, job.ID) }()

		// wait until the job is submitted, then move it to refund_pending the
		// way a concurrent cancel does
		require.Eventually(t, func() bool {
			j, err := env.store.Get(ctx, job.ID)
			return err == nil && (j.State == models.JobStateSubmitted || j.State == models.JobStateInProgress)
		}, time.Second, time.Millisecond)

		require.NoError(t, env.store.Transition(ctx, job.ID, StateChange{
			To:            models.JobStateRefundPending,
			From:          []models.JobState{models.JobStateSubmitted, models.JobStateInProgress},
			FailureReason: "cancelled",
		}))

		require.NoError(t, <-done)

		final, err := env.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRefunded, final.State)

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), balance)
	})
}

func TestWatchdog(t *testing.T) {
	ctx := context.Background()

	t.Run("Expires Stuck Jobs", func(t *testing.T) {
		env := newTestEnv(t)
		accountID := env.seedAccount(t, 1000)

		stale := &models.GenerationJob{
			ID:         uuid.New(),
			AccountID:  accountID,
			InputText:  strings.Repeat("x", 250),
			Voice:      "alloy",
			CreditCost: 250,
			State:      models.JobStateInProgress,
			CreatedAt:  time.Now().Add(-10 * time.Minute),
		}
		require.NoError(t, env.store.Create(ctx, stale))
		_, err := env.ledger.Debit(ctx, accountID, stale.CreditCost, models.ReasonGenerationDebit, stale.ID.String())
		require.NoError(t, err)

		fresh := createDebitedJob(t, env, accountID, 100)
		require.NoError(t, env.store.Transition(ctx, fresh.ID, StateChange{
			To:   models.JobStateSubmitted,
			From: []models.JobState{models.JobStateDebited},
		}))

		orch := newTestOrchestrator(env, &fakeSynthesisClient{}, 300*time.Second)
		require.NoError(t, orch.ExpireStuck(ctx))

		expired, err := env.store.Get(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRefunded, expired.State)
		assert.Equal(t, "synthesis_timeout", expired.FailureReason)

		untouched, err := env.store.Get(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateSubmitted, untouched.State, "jobs inside the ceiling are left alone")

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(650), balance, "only the stale job was refunded")
	})

	t.Run("Does Not Race A Committed Success", func(t *testing.T) {
		env := newTestEnv(t)
		accountID := env.seedAccount(t, 1000)

		job := &models.GenerationJob{
			ID:         uuid.New(),
			AccountID:  accountID,
			InputText:  strings.Repeat("x", 100),
			Voice:      "alloy",
			CreditCost: 100,
			State:      models.JobStateSucceeded,
			CreatedAt:  time.Now().Add(-10 * time.Minute),
		}
		require.NoError(t, env.store.Create(ctx, job))
		_, err := env.ledger.Debit(ctx, accountID, job.CreditCost, models.ReasonGenerationDebit, job.ID.String())
		require.NoError(t, err)

		orch := newTestOrchestrator(env, &fakeSynthesisClient{}, 300*time.Second)
		require.NoError(t, orch.ExpireStuck(ctx))

		final, err := env.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateSucceeded, final.State)

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(900), balance, "committed success is never refunded")
	})

	t.Run("Re-Drives Orphaned Refunds", func(t *testing.T) {
		env := newTestEnv(t)
		accountID := env.seedAccount(t, 1000)

		job := &models.GenerationJob{
			ID:         uuid.New(),
			AccountID:  accountID,
			InputText:  strings.Repeat("x", 100),
			Voice:      "alloy",
			CreditCost: 100,
			State:      models.JobStateRefundPending,
			CreatedAt:  time.Now().Add(-time.Minute),
		}
		require.NoError(t, env.store.Create(ctx, job))
		_, err := env.ledger.Debit(ctx, accountID, job.CreditCost, models.ReasonGenerationDebit, job.ID.String())
		require.NoError(t, err)

		orch := newTestOrchestrator(env, &fakeSynthesisClient{}, 300*time.Second)
		require.NoError(t, orch.ExpireStuck(ctx))

		final, err := env.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRefunded, final.State)

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), balance)
	})
}
