// Package ledger owns all credit balance changes. Balances are derived from
// an append-only transaction log; the cached balance on the account row is
// an index over that log and can always be rebuilt with Recompute.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/talkstudio/voice-backend/internal/models"
)

var (
	// ErrInsufficientCredits is returned by Debit when the account balance
	// cannot cover the amount. No transaction is written.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrDuplicateReference is the idempotency short-circuit: a transaction
	// with the same (reason, reference) already exists. The existing
	// transaction id is returned alongside it, so callers treat this as
	// success and must not surface it to users.
	ErrDuplicateReference = errors.New("duplicate reference")

	ErrAccountNotFound = errors.New("account not found")
)

type Ledger interface {
	// Debit atomically checks balance >= amount and appends a negative
	// transaction. amount must be positive.
	Debit(ctx context.Context, accountID uuid.UUID, amount int64, reason models.TransactionReason, reference string) (uuid.UUID, error)

	// Credit appends a positive transaction. For refund and purchase
	// reasons it is idempotent on (reason, reference): an existing
	// transaction returns its id with ErrDuplicateReference.
	Credit(ctx context.Context, accountID uuid.UUID, amount int64, reason models.TransactionReason, reference string) (uuid.UUID, error)

	// Balance returns the cached balance.
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)

	// AdminAdjust appends a signed admin_adjustment transaction. This is
	// the only path allowed to push a balance negative.
	AdminAdjust(ctx context.Context, accountID uuid.UUID, amount int64, reference string) (uuid.UUID, error)

	// Recompute replays the transaction log for the account, rewrites the
	// cached balance if it drifted, and returns the authoritative sum.
	Recompute(ctx context.Context, accountID uuid.UUID) (int64, error)

	// Transactions lists the most recent transactions for the account.
	Transactions(ctx context.Context, accountID uuid.UUID, limit int) ([]models.Transaction, error)
}

// Refund credits back a generation debit, keyed on the job id so repeated
// calls for the same job are safe.
func Refund(ctx context.Context, l Ledger, accountID, jobID uuid.UUID, amount int64) (uuid.UUID, error) {
	id, err := l.Credit(ctx, accountID, amount, models.ReasonGenerationRefund, jobID.String())
	if errors.Is(err, ErrDuplicateReference) {
		return id, nil
	}
	return id, err
}

// idempotentReason reports whether the reason participates in the
// (reason, reference) uniqueness rule.
func idempotentReason(reason models.TransactionReason) bool {
	return reason == models.ReasonGenerationRefund || reason == models.ReasonPurchaseCredit
}
