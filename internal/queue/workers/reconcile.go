package workers

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/talkstudio/voice-backend/internal/payments"
)

// ReconcileWorker runs the periodic payment sweep, scheduled by the worker
// process. Each run retries crediting for verified events the webhook path
// failed to process.
type ReconcileWorker struct {
	reconciler *payments.Reconciler
}

func NewReconcileWorker(rec *payments.Reconciler) *ReconcileWorker {
	return &ReconcileWorker{reconciler: rec}
}

func (w *ReconcileWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	if err := w.reconciler.Sweep(ctx); err != nil {
		slog.Error("payment sweep failed", "error", err)
		return err
	}
	return nil
}
