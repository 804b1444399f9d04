// Package payments turns gateway webhooks into ledger credits, exactly once
// per external event. Webhooks are verified against the gateway's shared
// secret, persisted, credited, and swept up later if crediting failed.
package payments

import (
	"errors"
	"net/http"
)

var (
	// ErrSignatureInvalid rejects the webhook outright with no side effects.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrMalformedPayload means the payload did not parse into the
	// gateway's schema.
	ErrMalformedPayload = errors.New("webhook payload malformed")

	ErrUnknownGateway = errors.New("unknown payment gateway")
)

// Event is the gateway-independent reduction of a webhook payload.
type Event struct {
	ExternalEventID string
	AccountID       string
	Credits         int64
	AmountMinor     int64
	Currency        string

	// Succeeded reports whether the gateway considers the payment settled.
	// Non-succeeded events are persisted for audit but never credited.
	Succeeded bool
}

// Verifier authenticates and parses one gateway's webhook format.
type Verifier interface {
	// Gateway returns the identifier used in webhook URLs and stored on
	// payment events.
	Gateway() string

	// Verify checks the payload against the gateway's signature scheme.
	Verify(payload []byte, header http.Header) error

	// Parse reduces the raw payload to an Event. Verify must have passed.
	Parse(payload []byte) (*Event, error)
}
