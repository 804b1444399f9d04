// Package progress tracks generation job progress in redis. Records are
// ephemeral: once the TTL lapses callers fall back to the persisted job row.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("progress record not found")

type Phase string

const (
	PhaseQueued       Phase = "queued"
	PhaseSubmitted    Phase = "submitted"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseRefunded     Phase = "refunded"
)

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseRefunded
}

type Record struct {
	JobID            uuid.UUID `json:"job_id"`
	Phase            Phase     `json:"phase"`
	Percent          int       `json:"percent"`
	Message          string    `json:"message,omitempty"`
	EstimatedSeconds int       `json:"estimated_seconds,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Tracker struct {
	rdb         *redis.Client
	ttl         time.Duration
	terminalTTL time.Duration
}

// NewTracker uses a short TTL for live records and a long one for terminal
// phases so late pollers still see the outcome.
func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{
		rdb:         rdb,
		ttl:         10 * time.Minute,
		terminalTTL: 24 * time.Hour,
	}
}

// Set upserts the record and refreshes its expiry. Percent never decreases
// within a job except on an explicit restart (phase queued resets to 0).
func (t *Tracker) Set(ctx context.Context, jobID uuid.UUID, phase Phase, percent int, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	rec := Record{
		JobID:     jobID,
		Phase:     phase,
		Percent:   percent,
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	}

	if phase != PhaseQueued {
		prev, err := t.Get(ctx, jobID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if prev != nil {
			if prev.Percent > rec.Percent {
				rec.Percent = prev.Percent
			}
			rec.EstimatedSeconds = prev.EstimatedSeconds
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress record: %w", err)
	}

	ttl := t.ttl
	if phase.Terminal() {
		ttl = t.terminalTTL
	}
	if err := t.rdb.Set(ctx, key(jobID), data, ttl).Err(); err != nil {
		return fmt.Errorf("store progress record: %w", err)
	}
	return nil
}

// SetEstimate records the initial time estimate alongside a queued record.
func (t *Tracker) SetEstimate(ctx context.Context, jobID uuid.UUID, inputChars int) error {
	rec := Record{
		JobID:            jobID,
		Phase:            PhaseQueued,
		Percent:          0,
		EstimatedSeconds: EstimateSeconds(inputChars),
		UpdatedAt:        time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress record: %w", err)
	}
	if err := t.rdb.Set(ctx, key(jobID), data, t.ttl).Err(); err != nil {
		return fmt.Errorf("store progress record: %w", err)
	}
	return nil
}

func (t *Tracker) Get(ctx context.Context, jobID uuid.UUID) (*Record, error) {
	val, err := t.rdb.Get(ctx, key(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read progress record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal progress record: %w", err)
	}
	return &rec, nil
}

// EstimateSeconds predicts synthesis duration from the input length,
// calibrated against observed engine throughput.
func EstimateSeconds(inputChars int) int {
	return 30 + int(float64(inputChars)*5.4)
}

func key(jobID uuid.UUID) string {
	return "progress:" + jobID.String()
}
