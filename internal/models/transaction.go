package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionReason classifies why a ledger transaction exists. The pair
// (reason, reference) is the idempotency key for refunds and purchases.
type TransactionReason string

const (
	ReasonGenerationDebit  TransactionReason = "generation_debit"
	ReasonGenerationRefund TransactionReason = "generation_refund"
	ReasonPurchaseCredit   TransactionReason = "purchase_credit"
	ReasonAdminAdjustment  TransactionReason = "admin_adjustment"
)

// Transaction is an immutable ledger row. Amount is signed: debits are
// negative, credits positive. Rows are never updated or deleted.
type Transaction struct {
	ID        uuid.UUID         `json:"id" db:"id"`
	AccountID uuid.UUID         `json:"account_id" db:"account_id"`
	Amount    int64             `json:"amount" db:"amount"`
	Reason    TransactionReason `json:"reason" db:"reason"`
	Reference string            `json:"reference" db:"reference"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}
