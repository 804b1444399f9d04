package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkstudio/voice-backend/internal/account"
	"github.com/talkstudio/voice-backend/internal/generation"
	"github.com/talkstudio/voice-backend/internal/ledger"
	"github.com/talkstudio/voice-backend/internal/models"
	"github.com/talkstudio/voice-backend/internal/notify"
	"github.com/talkstudio/voice-backend/internal/payments"
	"github.com/talkstudio/voice-backend/internal/progress"
)

type nopEnqueuer struct{}

func (nopEnqueuer) EnqueueSynthesisRun(context.Context, uuid.UUID) error { return nil }

type handlerEnv struct {
	ledger *ledger.MemoryLedger
	store  *generation.MemoryStore
	svc    *generation.Service
	acct   *models.Account
	router chi.Router
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	env := &handlerEnv{
		ledger: ledger.NewMemoryLedger(),
		store:  generation.NewMemoryStore(),
		acct:   &models.Account{ID: uuid.New(), Email: "test@example.com", Role: models.RoleMember},
	}
	env.ledger.EnsureAccount(env.acct.ID)
	env.svc = generation.NewService(env.store, env.ledger, progress.NewTracker(rdb), nopEnqueuer{}, 1, 50)

	genH := NewGenerationHandler(env.svc)
	acctH := NewAccountHandler(env.ledger)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(account.WithAccount(req.Context(), env.acct)))
		})
	})
	r.Post("/generations", genH.Create)
	r.Post("/generations/estimate", genH.Estimate)
	r.Get("/generations/{id}", genH.Get)
	r.Post("/generations/{id}/cancel", genH.Cancel)
	r.Get("/generations/{id}/progress", genH.Progress)
	r.Get("/account/balance", acctH.Balance)
	r.Get("/account/transactions", acctH.Transactions)
	env.router = r
	return env
}

func (env *handlerEnv) seed(t *testing.T, credits int64) {
	t.Helper()
	_, err := env.ledger.Credit(context.Background(), env.acct.ID, credits, models.ReasonPurchaseCredit, "seed-"+uuid.NewString())
	require.NoError(t, err)
}

func (env *handlerEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestGenerationHandlerCreate(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.seed(t, 1000)

		rec := env.do(t, http.MethodPost, "/generations", map[string]string{"input": "hello world", "voice": "alloy"})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var job models.GenerationJob
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		assert.Equal(t, models.JobStateDebited, job.State)
		assert.Equal(t, int64(11), job.CreditCost)
	})

	t.Run("Insufficient Credits Is 402", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.seed(t, 3)

		rec := env.do(t, http.MethodPost, "/generations", map[string]string{"input": "hello world"})
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	})

	t.Run("Empty Input Is 400", func(t *testing.T) {
		env := newHandlerEnv(t)
		rec := env.do(t, http.MethodPost, "/generations", map[string]string{"input": ""})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Estimate Prices Without Debit", func(t *testing.T) {
		env := newHandlerEnv(t)
		rec := env.do(t, http.MethodPost, "/generations/estimate", map[string]string{"input": "hello world"})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			CreditCost       int64 `json:"credit_cost"`
			EstimatedSeconds int   `json:"estimated_seconds"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(11), resp.CreditCost)
		assert.Equal(t, 89, resp.EstimatedSeconds)

		balance, err := env.ledger.Balance(context.Background(), env.acct.ID)
		require.NoError(t, err)
		assert.Zero(t, balance)
	})
}

func TestGenerationHandlerCancel(t *testing.T) {
	t.Run("Cancel Refunds", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.seed(t, 1000)

		rec := env.do(t, http.MethodPost, "/generations", map[string]string{"input": "hello world"})
		require.Equal(t, http.StatusAccepted, rec.Code)
		var job models.GenerationJob
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

		rec = env.do(t, http.MethodPost, fmt.Sprintf("/generations/%s/cancel", job.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		balance, err := env.ledger.Balance(context.Background(), env.acct.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), balance)
	})

	t.Run("Closed Job Is 409", func(t *testing.T) {
		env := newHandlerEnv(t)
		env.seed(t, 1000)

		rec := env.do(t, http.MethodPost, "/generations", map[string]string{"input": "hello world"})
		var job models.GenerationJob
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		require.NoError(t, env.store.Transition(context.Background(), job.ID, generation.StateChange{
			To:          models.JobStateSucceeded,
			From:        []models.JobState{models.JobStateDebited},
			ArtifactURL: "https://cdn.example/audio.mp3",
			Completed:   true,
		}))

		rec = env.do(t, http.MethodPost, fmt.Sprintf("/generations/%s/cancel", job.ID), nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("Foreign Job Is 404", func(t *testing.T) {
		env := newHandlerEnv(t)
		rec := env.do(t, http.MethodPost, fmt.Sprintf("/generations/%s/cancel", uuid.New()), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAccountHandler(t *testing.T) {
	env := newHandlerEnv(t)
	env.seed(t, 500)

	rec := env.do(t, http.MethodGet, "/account/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(500), resp.Balance)

	rec = env.do(t, http.MethodGet, "/account/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var txns struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txns))
	assert.Equal(t, 1, txns.Count)
}

func TestPaymentWebhookHandler(t *testing.T) {
	const secret = "whsec_test"

	setup := func(t *testing.T) (*ledger.MemoryLedger, chi.Router, uuid.UUID) {
		t.Helper()
		l := ledger.NewMemoryLedger()
		accountID := uuid.New()
		l.EnsureAccount(accountID)

		rec := payments.NewReconciler(payments.NewMemoryEventStore(), l, notify.Nop{}, 2*time.Minute,
			payments.NewStripeVerifier(secret, 5*time.Minute))

		r := chi.NewRouter()
		r.Post("/webhooks/payments/{gateway}", NewPaymentWebhookHandler(rec).Receive)
		return l, r, accountID
	}

	sign := func(payload []byte) http.Header {
		timestamp := fmt.Sprintf("%d", time.Now().Unix())
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(timestamp + "."))
		mac.Write(payload)
		header := http.Header{}
		header.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil))))
		return header
	}

	t.Run("Valid Webhook Credits Account", func(t *testing.T) {
		l, router, accountID := setup(t)
		payload := []byte(fmt.Sprintf(`{
			"id": "evt_1",
			"type": "checkout.session.completed",
			"data": {"object": {"amount_total": 999, "currency": "usd", "payment_status": "paid",
				"metadata": {"account_id": %q, "credits": "500"}}}
		}`, accountID))

		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", bytes.NewReader(payload))
		req.Header = sign(payload)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		balance, err := l.Balance(context.Background(), accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance)
	})

	t.Run("Bad Signature Is 401", func(t *testing.T) {
		_, router, accountID := setup(t)
		payload := []byte(fmt.Sprintf(`{"id": "evt_1", "data": {"object": {"metadata": {"account_id": %q, "credits": "500"}}}}`, accountID))

		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", "t=0,v1=deadbeef")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Unknown Gateway Is 404", func(t *testing.T) {
		_, router, _ := setup(t)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/paypal", bytes.NewReader([]byte("{}")))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
