package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEvent is a gateway webhook delivery, persisted before crediting so
// a crash between persist and credit is recoverable by the sweep.
// ExternalEventID deduplicates gateway redeliveries.
type PaymentEvent struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	Gateway          string     `json:"gateway" db:"gateway"`
	ExternalEventID  string     `json:"external_event_id" db:"external_event_id"`
	AccountID        uuid.UUID  `json:"account_id" db:"account_id"`
	CreditsPurchased int64      `json:"credits_purchased" db:"credits_purchased"`
	AmountPaid       int64      `json:"amount_paid" db:"amount_paid"` // minor units
	Currency         string     `json:"currency" db:"currency"`
	Verified         bool       `json:"verified" db:"verified"`
	Processed        bool       `json:"processed" db:"processed"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}
