package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/talkstudio/voice-backend/internal/models"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, account_id, input_text, voice, credit_cost, state, failure_reason, external_task_id, artifact_url, created_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, job *models.GenerationJob) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO generation_jobs (id, account_id, input_text, voice, credit_cost, state)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		job.ID, job.AccountID, job.InputText, job.Voice, job.CreditCost, job.State,
	).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert generation job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	var job models.GenerationJob
	err := s.db.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM generation_jobs WHERE id = $1", id,
	).Scan(&job.ID, &job.AccountID, &job.InputText, &job.Voice, &job.CreditCost,
		&job.State, &job.FailureReason, &job.ExternalTaskID, &job.ArtifactURL,
		&job.CreatedAt, &job.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get generation job: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.GenerationJob, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx,
		"SELECT "+jobColumns+" FROM generation_jobs WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2",
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list generation jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (s *PostgresStore) Transition(ctx context.Context, id uuid.UUID, change StateChange) error {
	from := make([]string, len(change.From))
	for i, st := range change.From {
		from[i] = string(st)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE generation_jobs SET
			state = $1,
			failure_reason = CASE WHEN $2 <> '' THEN $2 ELSE failure_reason END,
			external_task_id = CASE WHEN $3 <> '' THEN $3 ELSE external_task_id END,
			artifact_url = CASE WHEN $4 <> '' THEN $4 ELSE artifact_url END,
			completed_at = CASE WHEN $5 THEN now() ELSE completed_at END
		 WHERE id = $6 AND state = ANY($7)`,
		change.To, change.FailureReason, change.ExternalTaskID, change.ArtifactURL,
		change.Completed, id, from,
	)
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", id, change.To, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM generation_jobs WHERE id = $1)", id).Scan(&exists); err != nil {
			return fmt.Errorf("check job %s: %w", id, err)
		}
		if !exists {
			return ErrJobNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (s *PostgresStore) InStatesSince(ctx context.Context, cutoff time.Time, states ...models.JobState) ([]models.GenerationJob, error) {
	stateStrs := make([]string, len(states))
	for i, st := range states {
		stateStrs[i] = string(st)
	}

	rows, err := s.db.Query(ctx,
		"SELECT "+jobColumns+` FROM generation_jobs
		 WHERE state = ANY($1) AND created_at < $2
		 ORDER BY created_at ASC`,
		stateStrs, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJobs(rows pgx.Rows) ([]models.GenerationJob, error) {
	var jobs []models.GenerationJob
	for rows.Next() {
		var job models.GenerationJob
		if err := rows.Scan(&job.ID, &job.AccountID, &job.InputText, &job.Voice, &job.CreditCost,
			&job.State, &job.FailureReason, &job.ExternalTaskID, &job.ArtifactURL,
			&job.CreatedAt, &job.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan generation job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
