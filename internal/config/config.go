package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Synthesis SynthesisConfig
	Credits   CreditsConfig
	Jobs      JobsConfig
	Payments  PaymentsConfig
	Storage   StorageConfig
	Notify    NotifyConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret    string
	APIKeyHeader string
}

type SynthesisConfig struct {
	Backend        string // "engine" or "openai"
	EngineURL      string
	RequestTimeout time.Duration
	MaxRetries     int
	OpenAIKey      string
	OpenAIModel    string
}

type CreditsConfig struct {
	PerCharacter int64 // credits debited per input character
}

type JobsConfig struct {
	Ceiling         time.Duration // max time in submitted/in_progress before forced refund
	PollInterval    time.Duration
	CancelThreshold int // in_progress percent at or above which cancel is rejected
}

type PaymentsConfig struct {
	StripeWebhookSecret string
	StripeTolerance     time.Duration
	JazzCashSalt        string
	EasypaisaPassword   string
	SweepGracePeriod    time.Duration
}

type StorageConfig struct {
	SupabaseURL string
	SupabaseKey string
	Bucket      string
}

type NotifyConfig struct {
	CallbackURL string
	Secret      string
}

func Load() (*Config, error) {
	port, err := getEnvInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}

	minConns, err := getEnvInt("DB_MIN_CONNS", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MIN_CONNS: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	synthRetries, err := getEnvInt("SYNTHESIS_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid SYNTHESIS_MAX_RETRIES: %w", err)
	}

	synthTimeout, err := getEnvDuration("SYNTHESIS_REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SYNTHESIS_REQUEST_TIMEOUT: %w", err)
	}

	perChar, err := getEnvInt("CREDITS_PER_CHARACTER", 1)
	if err != nil {
		return nil, fmt.Errorf("invalid CREDITS_PER_CHARACTER: %w", err)
	}

	ceiling, err := getEnvDuration("JOB_CEILING", 300*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid JOB_CEILING: %w", err)
	}

	pollInterval, err := getEnvDuration("JOB_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid JOB_POLL_INTERVAL: %w", err)
	}

	cancelThreshold, err := getEnvInt("JOB_CANCEL_THRESHOLD", 50)
	if err != nil {
		return nil, fmt.Errorf("invalid JOB_CANCEL_THRESHOLD: %w", err)
	}

	stripeTolerance, err := getEnvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid STRIPE_WEBHOOK_TOLERANCE: %w", err)
	}

	sweepGrace, err := getEnvDuration("PAYMENTS_SWEEP_GRACE", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid PAYMENTS_SWEEP_GRACE: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: port,
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: maxConns,
			MinConns: minConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("JWT_SECRET", ""),
			APIKeyHeader: getEnv("API_KEY_HEADER", "X-API-Key"),
		},
		Synthesis: SynthesisConfig{
			Backend:        getEnv("SYNTHESIS_BACKEND", "engine"),
			EngineURL:      getEnv("SYNTHESIS_ENGINE_URL", "http://localhost:8090"),
			RequestTimeout: synthTimeout,
			MaxRetries:     synthRetries,
			OpenAIKey:      getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:    getEnv("SYNTHESIS_OPENAI_MODEL", "tts-1"),
		},
		Credits: CreditsConfig{
			PerCharacter: int64(perChar),
		},
		Jobs: JobsConfig{
			Ceiling:         ceiling,
			PollInterval:    pollInterval,
			CancelThreshold: cancelThreshold,
		},
		Payments: PaymentsConfig{
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			StripeTolerance:     stripeTolerance,
			JazzCashSalt:        getEnv("JAZZCASH_INTEGRITY_SALT", ""),
			EasypaisaPassword:   getEnv("EASYPAISA_PASSWORD", ""),
			SweepGracePeriod:    sweepGrace,
		},
		Storage: StorageConfig{
			SupabaseURL: getEnv("SUPABASE_URL", ""),
			SupabaseKey: getEnv("SUPABASE_SERVICE_KEY", ""),
			Bucket:      getEnv("STORAGE_BUCKET", "generated-audio"),
		},
		Notify: NotifyConfig{
			CallbackURL: getEnv("NOTIFY_CALLBACK_URL", ""),
			Secret:      getEnv("NOTIFY_SECRET", ""),
		},
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}
