// Package config reads the process configuration from REVIEW_* environment
// variables. Every knob has a workable local default; only the Postgres DSN
// is required, and only when the postgres store is selected.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Environment string
	LogLevel    string
	HTTPAddr    string

	// Store selects the authoritative backend: memory or postgres.
	Store       string
	PostgresDSN string

	// Coord selects the coordination backend (locks, queue, advisory
	// status, presence): memory or redis.
	Coord         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	QueueKey      string
	DeadLetterMax int

	// StorageBackend selects blob storage: local or minio.
	StorageBackend string
	UploadDir      string
	MaxFileSizeMB  int64
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	ModelBaseURL  string
	ModelAPIKey   string
	TextModel     string
	VisionModel   string
	ModelTimeout  time.Duration
	ModelAttempts int
	OCRBaseURL    string
	OCRTimeout    time.Duration
	StrategyFile  string

	WorkerID          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	VisibilityTimeout time.Duration
	RequeueInterval   time.Duration
}

func FromEnv() Config {
	return Config{
		Environment: getenv("REVIEW_ENVIRONMENT", "dev"),
		LogLevel:    getenv("REVIEW_LOG_LEVEL", "info"),
		HTTPAddr:    getenv("REVIEW_HTTP_ADDR", ":8080"),

		Store:       getenv("REVIEW_STORE", "memory"),
		PostgresDSN: os.Getenv("REVIEW_POSTGRES_DSN"),

		Coord:         getenv("REVIEW_COORD", "memory"),
		RedisAddr:     getenv("REVIEW_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REVIEW_REDIS_PASSWORD"),
		RedisDB:       getenvInt("REVIEW_REDIS_DB", 0),
		QueueKey:      getenv("REVIEW_QUEUE_KEY", "review:work"),
		DeadLetterMax: getenvInt("REVIEW_DEADLETTER_MAX", 5),

		StorageBackend: getenv("REVIEW_STORAGE", "local"),
		UploadDir:      getenv("REVIEW_UPLOAD_DIR", "uploads"),
		MaxFileSizeMB:  int64(getenvInt("REVIEW_MAX_FILE_MB", 100)),
		MinIOEndpoint:  os.Getenv("REVIEW_MINIO_ENDPOINT"),
		MinIOAccessKey: os.Getenv("REVIEW_MINIO_ACCESS_KEY"),
		MinIOSecretKey: os.Getenv("REVIEW_MINIO_SECRET_KEY"),
		MinIOBucket:    getenv("REVIEW_MINIO_BUCKET", "review-uploads"),
		MinIOUseSSL:    getenvBool("REVIEW_MINIO_USE_SSL", false),

		ModelBaseURL:  getenv("REVIEW_MODEL_BASE_URL", "https://openrouter.ai/api/v1"),
		ModelAPIKey:   os.Getenv("REVIEW_MODEL_API_KEY"),
		TextModel:     getenv("REVIEW_TEXT_MODEL", "openai/gpt-4o-mini"),
		VisionModel:   getenv("REVIEW_VISION_MODEL", "openai/gpt-4o-mini"),
		ModelTimeout:  time.Duration(getenvInt("REVIEW_MODEL_TIMEOUT_SECONDS", 60)) * time.Second,
		ModelAttempts: getenvInt("REVIEW_MODEL_ATTEMPTS", 2),
		OCRBaseURL:    os.Getenv("REVIEW_OCR_URL"),
		OCRTimeout:    time.Duration(getenvInt("REVIEW_OCR_TIMEOUT_SECONDS", 120)) * time.Second,
		StrategyFile:  os.Getenv("REVIEW_STRATEGY_FILE"),

		WorkerID:          getenv("REVIEW_WORKER_ID", ""),
		PollInterval:      time.Duration(getenvInt("REVIEW_POLL_MILLIS", 1000)) * time.Millisecond,
		HeartbeatInterval: time.Duration(getenvInt("REVIEW_HEARTBEAT_SECONDS", 15)) * time.Second,
		VisibilityTimeout: time.Duration(getenvInt("REVIEW_VISIBILITY_SECONDS", 300)) * time.Second,
		RequeueInterval:   time.Duration(getenvInt("REVIEW_REQUEUE_SECONDS", 60)) * time.Second,
	}
}

// NewLogger builds the process logger: JSON output at the configured level.
func NewLogger(cfg Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
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

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
