package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/talkstudio/voice-backend/internal/account"
	"github.com/talkstudio/voice-backend/internal/api/handlers"
	"github.com/talkstudio/voice-backend/internal/api/middleware"
	"github.com/talkstudio/voice-backend/internal/auth"
	"github.com/talkstudio/voice-backend/internal/config"
	"github.com/talkstudio/voice-backend/internal/generation"
	"github.com/talkstudio/voice-backend/internal/ledger"
	"github.com/talkstudio/voice-backend/internal/notify"
	"github.com/talkstudio/voice-backend/internal/payments"
	"github.com/talkstudio/voice-backend/internal/progress"
	"github.com/talkstudio/voice-backend/internal/queue"
)

type Router struct {
	mux    *chi.Mux
	db     *pgxpool.Pool
	redis  *redis.Client
	cfg    *config.Config
	jwt    *auth.JWTMiddleware
	apikey *auth.APIKeyMiddleware
}

func NewRouter(db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config) *Router {
	accounts := account.NewService(db)
	return &Router{
		mux:    chi.NewRouter(),
		db:     db,
		redis:  rdb,
		cfg:    cfg,
		jwt:    auth.NewJWTMiddleware(cfg.Auth.JWTSecret, accounts),
		apikey: auth.NewAPIKeyMiddleware(db, cfg.Auth.APIKeyHeader, accounts),
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	rl := middleware.NewRateLimiter(100, 200)
	r.Use(rl.Limit)

	health := handlers.NewHealthHandler(rt.db, rt.redis)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	creditLedger := ledger.NewPostgresLedger(rt.db)
	tracker := progress.NewTracker(rt.redis)
	queueClient := queue.NewClient(rt.cfg.Redis)

	var notifier notify.Notifier = notify.Nop{}
	if rt.cfg.Notify.CallbackURL != "" {
		notifier = notify.NewDispatcher(rt.cfg.Notify.CallbackURL, rt.cfg.Notify.Secret)
	}

	jobStore := generation.NewPostgresStore(rt.db)
	genSvc := generation.NewService(jobStore, creditLedger, tracker, queueClient,
		rt.cfg.Credits.PerCharacter, rt.cfg.Jobs.CancelThreshold)

	reconciler := payments.NewReconciler(
		payments.NewPostgresEventStore(rt.db),
		creditLedger,
		notifier,
		rt.cfg.Payments.SweepGracePeriod,
		payments.NewStripeVerifier(rt.cfg.Payments.StripeWebhookSecret, rt.cfg.Payments.StripeTolerance),
		payments.NewJazzCashVerifier(rt.cfg.Payments.JazzCashSalt),
		payments.NewEasypaisaVerifier(rt.cfg.Payments.EasypaisaPassword),
	)

	// gateway webhooks authenticate by signature, not bearer token
	webhookH := handlers.NewPaymentWebhookHandler(reconciler)
	r.Post("/webhooks/payments/{gateway}", webhookH.Receive)

	r.Route("/api/v1", func(r chi.Router) {
		// API key first, then JWT for whatever fell through
		r.Use(rt.apikey.Authenticate)
		r.Use(rt.jwt.Authenticate)

		genH := handlers.NewGenerationHandler(genSvc)
		r.Route("/generations", func(r chi.Router) {
			r.Post("/", genH.Create)
			r.Post("/estimate", genH.Estimate)
			r.Get("/", genH.List)
			r.Get("/{id}", genH.Get)
			r.Post("/{id}/cancel", genH.Cancel)
			r.Get("/{id}/progress", genH.Progress)
		})

		acctH := handlers.NewAccountHandler(creditLedger)
		r.Route("/account", func(r chi.Router) {
			r.Get("/", acctH.Me)
			r.Get("/balance", acctH.Balance)
			r.Get("/transactions", acctH.Transactions)
		})

		adminH := handlers.NewAdminHandler(creditLedger)
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Post("/accounts/{id}/adjust", adminH.Adjust)
			r.Post("/accounts/{id}/recompute", adminH.Recompute)
			r.Get("/accounts/{id}/transactions", adminH.Transactions)
		})
	})

	return r
}
