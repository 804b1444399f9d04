package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/talkstudio/voice-backend/internal/generation"
	"github.com/talkstudio/voice-backend/internal/queue"
)

// SynthesisWorker drives one generation job per task. Returning an error
// lets asynq retry; the orchestrator is resumable so a retry picks up from
// the persisted state.
type SynthesisWorker struct {
	orchestrator *generation.Orchestrator
}

func NewSynthesisWorker(orch *generation.Orchestrator) *SynthesisWorker {
	return &SynthesisWorker{orchestrator: orch}
}

func (w *SynthesisWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.SynthesisRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		return fmt.Errorf("parse job ID: %w", err)
	}

	slog.Info("running synthesis job", "job_id", jobID)

	if err := w.orchestrator.Run(ctx, jobID); err != nil {
		slog.Error("synthesis job run failed", "job_id", jobID, "error", err)
		return err
	}

	slog.Info("synthesis job settled", "job_id", jobID)
	return nil
}
