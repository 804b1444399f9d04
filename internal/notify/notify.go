// Package notify delivers signed outbound callbacks when jobs settle or
// payments are credited. Delivery is best effort: the persisted job row and
// ledger remain the source of truth.
package notify

import (
	"context"

	"github.com/talkstudio/voice-backend/internal/models"
)

type Notifier interface {
	// JobFinished fires when a generation job reaches a closed state
	// (succeeded, failed or refunded).
	JobFinished(ctx context.Context, job *models.GenerationJob)

	// PaymentProcessed fires after a payment event's credits landed in
	// the ledger.
	PaymentProcessed(ctx context.Context, event *models.PaymentEvent)
}

// Nop discards all notifications. Used when no callback URL is configured
// and throughout the tests.
type Nop struct{}

func (Nop) JobFinished(context.Context, *models.GenerationJob)    {}
func (Nop) PaymentProcessed(context.Context, *models.PaymentEvent) {}
