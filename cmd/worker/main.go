package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/talkstudio/voice-backend/internal/config"
	"github.com/talkstudio/voice-backend/internal/database"
	"github.com/talkstudio/voice-backend/internal/generation"
	"github.com/talkstudio/voice-backend/internal/ledger"
	"github.com/talkstudio/voice-backend/internal/notify"
	"github.com/talkstudio/voice-backend/internal/payments"
	"github.com/talkstudio/voice-backend/internal/progress"
	"github.com/talkstudio/voice-backend/internal/queue"
	"github.com/talkstudio/voice-backend/internal/queue/workers"
	"github.com/talkstudio/voice-backend/internal/storage"
	"github.com/talkstudio/voice-backend/internal/synthesis"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	creditLedger := ledger.NewPostgresLedger(db)
	tracker := progress.NewTracker(rdb)
	jobStore := generation.NewPostgresStore(db)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.CallbackURL != "" {
		notifier = notify.NewDispatcher(cfg.Notify.CallbackURL, cfg.Notify.Secret)
	}

	var client synthesis.Client
	switch cfg.Synthesis.Backend {
	case "openai":
		store := storage.NewSupabaseStore(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseKey, cfg.Storage.Bucket)
		client = synthesis.NewOpenAIClient(cfg.Synthesis.OpenAIKey, cfg.Synthesis.OpenAIModel, store)
	default:
		client = synthesis.NewEngineClient(cfg.Synthesis)
	}

	orchestrator := generation.NewOrchestrator(jobStore, creditLedger, client, tracker, notifier,
		cfg.Jobs.Ceiling, cfg.Jobs.PollInterval)

	reconciler := payments.NewReconciler(
		payments.NewPostgresEventStore(db),
		creditLedger,
		notifier,
		cfg.Payments.SweepGracePeriod,
		payments.NewStripeVerifier(cfg.Payments.StripeWebhookSecret, cfg.Payments.StripeTolerance),
		payments.NewJazzCashVerifier(cfg.Payments.JazzCashSalt),
		payments.NewEasypaisaVerifier(cfg.Payments.EasypaisaPassword),
	)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	registry := queue.NewHandlersRegistry()
	registry.Register(queue.TypeSynthesisRun, asynq.HandlerFunc(workers.NewSynthesisWorker(orchestrator).ProcessTask))
	registry.Register(queue.TypePaymentsSweep, asynq.HandlerFunc(workers.NewReconcileWorker(reconciler).ProcessTask))
	registry.Register(queue.TypeJobsWatchdog, asynq.HandlerFunc(workers.NewWatchdogWorker(orchestrator).ProcessTask))

	// periodic sweep and watchdog ticks
	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register("@every 1m", asynq.NewTask(queue.TypePaymentsSweep, nil)); err != nil {
		slog.Error("failed to register payments sweep", "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.Register("@every 30s", asynq.NewTask(queue.TypeJobsWatchdog, nil)); err != nil {
		slog.Error("failed to register jobs watchdog", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			slog.Error("scheduler error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("starting worker", "concurrency", 10, "synthesis_backend", cfg.Synthesis.Backend)
	if err := srv.Run(registry.Mux()); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
}
