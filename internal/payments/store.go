package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/talkstudio/voice-backend/internal/models"
)

var ErrEventNotFound = errors.New("payment event not found")

// EventStore persists webhook deliveries. Events are written before the
// ledger credit so a crash in between is recoverable by the sweep.
type EventStore interface {
	// GetByExternalID looks an event up by (gateway, external id).
	GetByExternalID(ctx context.Context, gateway, externalEventID string) (*models.PaymentEvent, error)

	// Insert persists a new event, filling ID and CreatedAt.
	Insert(ctx context.Context, event *models.PaymentEvent) error

	// MarkProcessed flips processed=true and stamps processed_at.
	MarkProcessed(ctx context.Context, id uuid.UUID) error

	// Unprocessed lists verified, uncredited events created before the
	// cutoff, oldest first.
	Unprocessed(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentEvent, error)
}
