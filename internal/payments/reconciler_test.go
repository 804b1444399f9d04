package payments

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkstudio/voice-backend/internal/ledger"
	"github.com/talkstudio/voice-backend/internal/models"
	"github.com/talkstudio/voice-backend/internal/notify"
)

// flakyLedger fails Credit a configured number of times before delegating.
type flakyLedger struct {
	ledger.Ledger
	mu       sync.Mutex
	failures int
}

func (l *flakyLedger) Credit(ctx context.Context, accountID uuid.UUID, amount int64, reason models.TransactionReason, reference string) (uuid.UUID, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return uuid.Nil, assert.AnError
	}
	l.mu.Unlock()
	return l.Ledger.Credit(ctx, accountID, amount, reason, reference)
}

type reconcilerEnv struct {
	store  *MemoryEventStore
	ledger *ledger.MemoryLedger
	flaky  *flakyLedger
	rec    *Reconciler
	secret string
}

func newReconcilerEnv(t *testing.T) *reconcilerEnv {
	t.Helper()
	env := &reconcilerEnv{
		store:  NewMemoryEventStore(),
		ledger: ledger.NewMemoryLedger(),
		secret: "whsec_test",
	}
	env.flaky = &flakyLedger{Ledger: env.ledger}
	env.rec = NewReconciler(env.store, env.flaky, notify.Nop{}, 2*time.Minute,
		NewStripeVerifier(env.secret, 5*time.Minute))
	return env
}

func (env *reconcilerEnv) deliver(t *testing.T, eventID string, accountID uuid.UUID, credits int64) error {
	t.Helper()
	payload := stripePayload(eventID, accountID.String(), credits)
	return env.rec.HandleWebhook(context.Background(), "stripe", payload, stripeSign(t, env.secret, time.Now(), payload))
}

func TestHandleWebhook(t *testing.T) {
	ctx := context.Background()

	t.Run("Credits Exactly Once Per Event", func(t *testing.T) {
		env := newReconcilerEnv(t)
		accountID := uuid.New()
		env.ledger.EnsureAccount(accountID)

		require.NoError(t, env.deliver(t, "evt_1", accountID, 500))
		require.NoError(t, env.deliver(t, "evt_1", accountID, 500), "redelivery is accepted")
		require.NoError(t, env.deliver(t, "evt_1", accountID, 500))

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance, "three deliveries, one credit")

		txns, err := env.ledger.Transactions(ctx, accountID, 10)
		require.NoError(t, err)
		assert.Len(t, txns, 1)
	})

	t.Run("Distinct Events Each Credit", func(t *testing.T) {
		env := newReconcilerEnv(t)
		accountID := uuid.New()
		env.ledger.EnsureAccount(accountID)

		require.NoError(t, env.deliver(t, "evt_1", accountID, 500))
		require.NoError(t, env.deliver(t, "evt_2", accountID, 300))

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(800), balance)
	})

	t.Run("Invalid Signature Has No Side Effects", func(t *testing.T) {
		env := newReconcilerEnv(t)
		accountID := uuid.New()
		env.ledger.EnsureAccount(accountID)

		payload := stripePayload("evt_1", accountID.String(), 500)
		err := env.rec.HandleWebhook(ctx, "stripe", payload, stripeSign(t, "wrong-secret", time.Now(), payload))
		require.ErrorIs(t, err, ErrSignatureInvalid)

		balance, berr := env.ledger.Balance(ctx, accountID)
		require.NoError(t, berr)
		assert.Zero(t, balance)

		_, serr := env.store.GetByExternalID(ctx, "stripe", "evt_1")
		assert.ErrorIs(t, serr, ErrEventNotFound, "rejected webhooks are not persisted")
	})

	t.Run("Malformed Payload Rejected", func(t *testing.T) {
		env := newReconcilerEnv(t)
		payload := []byte(`{"id": "evt_1", "data": {"object": {"metadata": {}}}}`)
		err := env.rec.HandleWebhook(ctx, "stripe", payload, stripeSign(t, env.secret, time.Now(), payload))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("Unknown Gateway Rejected", func(t *testing.T) {
		env := newReconcilerEnv(t)
		err := env.rec.HandleWebhook(ctx, "paypal", []byte("{}"), http.Header{})
		assert.ErrorIs(t, err, ErrUnknownGateway)
	})

	t.Run("Credit Failure Accepted For Retry", func(t *testing.T) {
		env := newReconcilerEnv(t)
		accountID := uuid.New()
		env.ledger.EnsureAccount(accountID)
		env.flaky.failures = 1

		require.NoError(t, env.deliver(t, "evt_1", accountID, 500), "internal failures are not surfaced to the gateway")

		evt, err := env.store.GetByExternalID(ctx, "stripe", "evt_1")
		require.NoError(t, err)
		assert.False(t, evt.Processed, "event stays unprocessed for the sweep")

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Zero(t, balance)
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	seedStuckEvent := func(t *testing.T, env *reconcilerEnv, accountID uuid.UUID, age time.Duration) *models.PaymentEvent {
		t.Helper()
		evt := &models.PaymentEvent{
			Gateway:          "stripe",
			ExternalEventID:  "evt_stuck",
			AccountID:        accountID,
			CreditsPurchased: 500,
			AmountPaid:       999,
			Currency:         "USD",
			Verified:         true,
			CreatedAt:        time.Now().Add(-age),
		}
		require.NoError(t, env.store.Insert(ctx, evt))
		return evt
	}

	t.Run("Recovers Unprocessed Events", func(t *testing.T) {
		env := newReconcilerEnv(t)
		accountID := uuid.New()
		env.ledger.EnsureAccount(accountID)
		seedStuckEvent(t, env, accountID, 10*time.Minute)

		require.NoError(t, env.rec.Sweep(ctx))

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance)

		evt, err := env.store.GetByExternalID(ctx, "stripe", "evt_stuck")
		require.NoError(t, err)
		assert.True(t, evt.Processed)
	})

	t.Run("Sweep Is Idempotent", func(t *testing.T) {
		env := newReconcilerEnv(t)
		accountID := uuid.New()
		env.ledger.EnsureAccount(accountID)
		seedStuckEvent(t, env, accountID, 10*time.Minute)

		require.NoError(t, env.rec.Sweep(ctx))
		require.NoError(t, env.rec.Sweep(ctx))

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance, "repeated sweeps credit once")
	})

	t.Run("Respects Grace Period", func(t *testing.T) {
		env := newReconcilerEnv(t)
		accountID := uuid.New()
		env.ledger.EnsureAccount(accountID)
		seedStuckEvent(t, env, accountID, 10*time.Second)

		require.NoError(t, env.rec.Sweep(ctx))

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Zero(t, balance, "recent events are left for the webhook path")
	})

	t.Run("Recovers Credit Landed But Flag Unset", func(t *testing.T) {
		env := newReconcilerEnv(t)
		accountID := uuid.New()
		env.ledger.EnsureAccount(accountID)
		evt := seedStuckEvent(t, env, accountID, 10*time.Minute)

		// crash between credit and MarkProcessed on a previous attempt
		_, err := env.ledger.Credit(ctx, accountID, evt.CreditsPurchased, models.ReasonPurchaseCredit, evt.ExternalEventID)
		require.NoError(t, err)

		require.NoError(t, env.rec.Sweep(ctx))

		balance, err := env.ledger.Balance(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance, "duplicate reference treated as success")

		stored, err := env.store.GetByExternalID(ctx, "stripe", "evt_stuck")
		require.NoError(t, err)
		assert.True(t, stored.Processed)
	})
}
