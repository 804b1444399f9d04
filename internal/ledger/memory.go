package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/talkstudio/voice-backend/internal/models"
)

// MemoryLedger keeps the full transaction log in memory with a mutex per
// account, so operations on different accounts never contend. It backs the
// orchestration tests and local development without Postgres.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*memAccount
}

type memAccount struct {
	mu      sync.Mutex
	balance int64
	log     []models.Transaction
	byRef   map[string]uuid.UUID
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[uuid.UUID]*memAccount)}
}

// EnsureAccount registers an account id if it is not already known.
func (l *MemoryLedger) EnsureAccount(accountID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[accountID]; !ok {
		l.accounts[accountID] = &memAccount{byRef: make(map[string]uuid.UUID)}
	}
}

func (l *MemoryLedger) account(accountID uuid.UUID) (*memAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

func (l *MemoryLedger) Debit(ctx context.Context, accountID uuid.UUID, amount int64, reason models.TransactionReason, reference string) (uuid.UUID, error) {
	a, err := l.account(accountID)
	if err != nil {
		return uuid.Nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.balance < amount {
		return uuid.Nil, ErrInsufficientCredits
	}
	return a.append(accountID, -amount, reason, reference), nil
}

func (l *MemoryLedger) Credit(ctx context.Context, accountID uuid.UUID, amount int64, reason models.TransactionReason, reference string) (uuid.UUID, error) {
	a, err := l.account(accountID)
	if err != nil {
		return uuid.Nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if idempotentReason(reason) {
		if id, ok := a.byRef[refKey(reason, reference)]; ok {
			return id, ErrDuplicateReference
		}
	}
	return a.append(accountID, amount, reason, reference), nil
}

func (l *MemoryLedger) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	a, err := l.account(accountID)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

func (l *MemoryLedger) AdminAdjust(ctx context.Context, accountID uuid.UUID, amount int64, reference string) (uuid.UUID, error) {
	a, err := l.account(accountID)
	if err != nil {
		return uuid.Nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.append(accountID, amount, models.ReasonAdminAdjustment, reference), nil
}

func (l *MemoryLedger) Recompute(ctx context.Context, accountID uuid.UUID) (int64, error) {
	a, err := l.account(accountID)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var sum int64
	for _, t := range a.log {
		sum += t.Amount
	}
	a.balance = sum
	return sum, nil
}

func (l *MemoryLedger) Transactions(ctx context.Context, accountID uuid.UUID, limit int) ([]models.Transaction, error) {
	a, err := l.account(accountID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.log)
	if limit > n {
		limit = n
	}
	txns := make([]models.Transaction, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		txns = append(txns, a.log[i])
	}
	return txns, nil
}

// append assumes the account mutex is held.
func (a *memAccount) append(accountID uuid.UUID, amount int64, reason models.TransactionReason, reference string) uuid.UUID {
	txn := models.Transaction{
		ID:        uuid.New(),
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	}
	a.log = append(a.log, txn)
	a.balance += amount
	if idempotentReason(reason) {
		a.byRef[refKey(reason, reference)] = txn.ID
	}
	return txn.ID
}

func refKey(reason models.TransactionReason, reference string) string {
	return string(reason) + "|" + reference
}
