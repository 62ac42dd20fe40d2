package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	IndexerBaseURL string
	IndexerRPS     float64

	IssuerBaseURL    string
	IssuerSecret     string
	IssuerLicenseKey string
	IssuerKeyPath    string

	PollWindow    time.Duration
	PlanInterval  time.Duration
	SweepInterval time.Duration

	BatchSize  int
	Lanes      int
	LaneDelay  time.Duration
	ChunkSize  int
	ChunkDelay time.Duration

	MonitorWorkers       int
	ReconcileWorkers     int
	MonitorMaxAttempts   int
	ReconcileMaxAttempts int
	QueueBackoffBase     time.Duration
	QueuePollInterval    time.Duration
	JobTimeout           time.Duration

	MaxPendingAge time.Duration
}

func Load() (*Config, error) {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	indexerURL := os.Getenv("INDEXER_BASE_URL")
	if indexerURL == "" {
		return nil, fmt.Errorf("INDEXER_BASE_URL environment variable is required")
	}

	issuerURL := os.Getenv("ISSUER_BASE_URL")
	if issuerURL == "" {
		return nil, fmt.Errorf("ISSUER_BASE_URL environment variable is required")
	}

	cfg := &Config{
		DBSource: dbSource,
		Port:     getEnv("SERVER_PORT", "8080"),
		Env:      getEnv("ENVIRONMENT", "development"),

		IndexerBaseURL: indexerURL,
		IndexerRPS:     getEnvFloat("INDEXER_RPS", 5),

		IssuerBaseURL:    issuerURL,
		IssuerSecret:     os.Getenv("ISSUER_SECRET"),
		IssuerLicenseKey: os.Getenv("ISSUER_LICENSE_KEY"),
		IssuerKeyPath:    os.Getenv("ISSUER_PRIVATE_KEY_PATH"),

		PollWindow:    getEnvDuration("POLL_WINDOW", 30*time.Minute),
		PlanInterval:  getEnvDuration("PLAN_INTERVAL", time.Minute),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", time.Hour),

		BatchSize:  getEnvInt("BATCH_SIZE", 50),
		Lanes:      getEnvInt("LANES", 4),
		LaneDelay:  getEnvDuration("LANE_DELAY", 10*time.Second),
		ChunkSize:  getEnvInt("CHUNK_SIZE", 5),
		ChunkDelay: getEnvDuration("CHUNK_DELAY", 2*time.Second),

		MonitorWorkers:       getEnvInt("MONITOR_WORKERS", 4),
		ReconcileWorkers:     getEnvInt("RECONCILE_WORKERS", 4),
		MonitorMaxAttempts:   getEnvInt("MONITOR_MAX_ATTEMPTS", 3),
		ReconcileMaxAttempts: getEnvInt("RECONCILE_MAX_ATTEMPTS", 3),
		QueueBackoffBase:     getEnvDuration("QUEUE_BACKOFF_BASE", 30*time.Second),
		QueuePollInterval:    getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
		JobTimeout:           getEnvDuration("JOB_TIMEOUT", 2*time.Minute),

		MaxPendingAge: getEnvDuration("MAX_PENDING_AGE", 24*time.Hour),
	}

	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("BATCH_SIZE must be positive")
	}
	if cfg.Lanes <= 0 {
		return nil, fmt.Errorf("LANES must be positive")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("CHUNK_SIZE must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
