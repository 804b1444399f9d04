package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkstudio/voice-backend/internal/models"
)

func newTestLedger(t *testing.T, accountID uuid.UUID, opening int64) *MemoryLedger {
	t.Helper()
	l := NewMemoryLedger()
	l.EnsureAccount(accountID)
	if opening > 0 {
		_, err := l.Credit(context.Background(), accountID, opening, models.ReasonPurchaseCredit, "opening-"+accountID.String())
		require.NoError(t, err)
	}
	return l
}

func TestDebit(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()

	t.Run("Success", func(t *testing.T) {
		l := newTestLedger(t, accountID, 1000)

		txnID, err := l.Debit(ctx, accountID, 250, models.ReasonGenerationDebit, "job-1")
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, txnID)

		balance, err := l.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(750), balance)
	})

	t.Run("Insufficient Credits Mutates Nothing", func(t *testing.T) {
		l := newTestLedger(t, accountID, 100)

		_, err := l.Debit(ctx, accountID, 250, models.ReasonGenerationDebit, "job-2")
		assert.ErrorIs(t, err, ErrInsufficientCredits)

		balance, err := l.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), balance)

		txns, err := l.Transactions(ctx, accountID, 10)
		require.NoError(t, err)
		assert.Len(t, txns, 1) // only the opening credit
	})

	t.Run("Unknown Account", func(t *testing.T) {
		l := NewMemoryLedger()
		_, err := l.Debit(ctx, uuid.New(), 10, models.ReasonGenerationDebit, "job-3")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestCreditIdempotency(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()
	l := newTestLedger(t, accountID, 0)

	first, err := l.Credit(ctx, accountID, 5000, models.ReasonPurchaseCredit, "evt_123")
	require.NoError(t, err)

	second, err := l.Credit(ctx, accountID, 5000, models.ReasonPurchaseCredit, "evt_123")
	assert.ErrorIs(t, err, ErrDuplicateReference)
	assert.Equal(t, first, second, "duplicate credit must return the original transaction id")

	balance, err := l.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance, "redelivered event must credit exactly once")

	txns, err := l.Transactions(ctx, accountID, 10)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestRefundIdempotency(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()
	jobID := uuid.New()
	l := newTestLedger(t, accountID, 1000)

	_, err := l.Debit(ctx, accountID, 250, models.ReasonGenerationDebit, jobID.String())
	require.NoError(t, err)

	// Refund retried three times; only one credit may land.
	for i := 0; i < 3; i++ {
		_, err := Refund(ctx, l, accountID, jobID, 250)
		require.NoError(t, err)
	}

	balance, err := l.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestConcurrentDebitsAndCredits(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()
	l := newTestLedger(t, accountID, 10000)

	const workers = 50
	var wg sync.WaitGroup
	debited := make(chan int64, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if _, err := l.Debit(ctx, accountID, 100, models.ReasonGenerationDebit, fmt.Sprintf("job-%d", i)); err == nil {
					debited <- 100
				}
			} else {
				if _, err := l.Credit(ctx, accountID, 40, models.ReasonPurchaseCredit, fmt.Sprintf("evt-%d", i)); err == nil {
					debited <- -40
				}
			}
		}(i)
	}
	wg.Wait()
	close(debited)

	var spent int64
	for d := range debited {
		spent += d
	}

	balance, err := l.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, 10000-spent, balance, "no lost updates or double counting")

	// Cached balance must match a full replay of the log.
	sum, err := l.Recompute(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, balance, sum)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()
	l := newTestLedger(t, accountID, 500)

	const workers = 20
	var wg sync.WaitGroup
	var succeeded int64
	var mu sync.Mutex

	// Two jobs submitted back-to-back must serialize: only five 100-credit
	// debits can ever commit against a 500 balance.
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Debit(ctx, accountID, 100, models.ReasonGenerationDebit, fmt.Sprintf("job-%d", i)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(5), succeeded)

	balance, err := l.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assert.GreaterOrEqual(t, balance, int64(0), "balance must never go negative")
}

func TestAdminAdjustMayOverdraw(t *testing.T) {
	ctx := context.Background()
	accountID := uuid.New()
	l := newTestLedger(t, accountID, 100)

	_, err := l.AdminAdjust(ctx, accountID, -300, "support-ticket-42")
	require.NoError(t, err)

	balance, err := l.Balance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(-200), balance)
}
