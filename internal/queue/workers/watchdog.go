package workers

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/talkstudio/voice-backend/internal/generation"
)

// WatchdogWorker enforces the synthesis ceiling independently of the worker
// holding the job, and re-drives refunds that earlier settlement attempts
// left pending.
type WatchdogWorker struct {
	orchestrator *generation.Orchestrator
}

func NewWatchdogWorker(orch *generation.Orchestrator) *WatchdogWorker {
	return &WatchdogWorker{orchestrator: orch}
}

func (w *WatchdogWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	if err := w.orchestrator.ExpireStuck(ctx); err != nil {
		slog.Error("watchdog sweep failed", "error", err)
		return err
	}
	return nil
}
