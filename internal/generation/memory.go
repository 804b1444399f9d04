package generation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/talkstudio/voice-backend/internal/models"
)

// MemoryStore keeps jobs in a map guarded by a single mutex. It backs
// the orchestration tests and local development without Postgres.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.GenerationJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*models.GenerationJob)}
}

func (s *MemoryStore) Create(_ context.Context, job *models.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) ListByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]models.GenerationJob, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.GenerationJob
	for _, job := range s.jobs {
		if job.AccountID == accountID {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) Transition(_ context.Context, id uuid.UUID, change StateChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	allowed := false
	for _, st := range change.From {
		if job.State == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrStateConflict
	}

	job.State = change.To
	if change.FailureReason != "" {
		job.FailureReason = change.FailureReason
	}
	if change.ExternalTaskID != "" {
		job.ExternalTaskID = change.ExternalTaskID
	}
	if change.ArtifactURL != "" {
		job.ArtifactURL = change.ArtifactURL
	}
	if change.Completed && job.CompletedAt == nil {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) InStatesSince(_ context.Context, cutoff time.Time, states ...models.JobState) ([]models.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.GenerationJob
	for _, job := range s.jobs {
		if !job.CreatedAt.Before(cutoff) {
			continue
		}
		for _, st := range states {
			if job.State == st {
				jobs = append(jobs, *job)
				break
			}
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}
