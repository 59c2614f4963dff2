// Package config provides configuration for the orchestrator.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Executor modes.
const (
	ExecutorScripted = "scripted"
	ExecutorRemote   = "remote"
	ExecutorExternal = "external"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	InternalPort int
	RPCPort      int

	// Database
	DatabaseURL string

	// Ingress settings
	IngressURL        string
	OutboxSize        int
	PushRetryInterval time.Duration

	// Redis replay window, disabled when RedisAddr is empty
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisStreamLen int64

	// Workflow execution
	WorkflowFile string
	Workflow     Workflow
	ExecutorMode string
	WorkerURL    string
	StageTimeout time.Duration
	StepDelay    time.Duration

	// File tracking
	RepoDir      string
	DiffTimeout  time.Duration
	DiffMaxBytes int
	DiffMaxLines int

	// Summarizer
	LiteLLMURL      string
	LiteLLMAPIKey   string
	LLMTimeout      time.Duration
	SummaryModel    string
	SummaryRate     float64
	SummaryQueue    int
	SummaryMaxInput int

	// Retention
	IdempotencyTTL         time.Duration
	EventRetention         time.Duration
	RetentionSweepInterval time.Duration

	// Logging
	LogLevel string
}

var envPaths = []string{".env", "../.env"}

// Load loads configuration from environment variables. A .env file, if
// present, fills in variables the shell did not set.
func Load() *Config {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	cfg := &Config{
		InternalPort:           getEnvInt("INTERNAL_PORT", 8081),
		RPCPort:                getEnvInt("RPC_PORT", 8093),
		DatabaseURL:            getEnv("DATABASE_URL", "file:orchestrator.db?cache=shared&mode=rwc"),
		IngressURL:             getEnv("INGRESS_URL", "http://localhost:8092"),
		OutboxSize:             getEnvInt("OUTBOX_SIZE", 4096),
		PushRetryInterval:      time.Duration(getEnvInt("PUSH_RETRY_MS", 1000)) * time.Millisecond,
		RedisAddr:              getEnv("REDIS_ADDR", ""),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		RedisStreamLen:         int64(getEnvInt("REDIS_STREAM_MAXLEN", 5000)),
		WorkflowFile:           getEnv("WORKFLOW_FILE", ""),
		ExecutorMode:           getEnv("EXECUTOR_MODE", ExecutorScripted),
		WorkerURL:              getEnv("WORKER_URL", "http://localhost:8100"),
		StageTimeout:           time.Duration(getEnvInt("STAGE_TIMEOUT_MS", 1800000)) * time.Millisecond,
		StepDelay:              time.Duration(getEnvInt("SCRIPTED_STEP_DELAY_MS", 250)) * time.Millisecond,
		RepoDir:                getEnv("REPO_DIR", "."),
		DiffTimeout:            time.Duration(getEnvInt("DIFF_TIMEOUT_MS", 3000)) * time.Millisecond,
		DiffMaxBytes:           getEnvInt("DIFF_MAX_BYTES", 16384),
		DiffMaxLines:           getEnvInt("DIFF_MAX_LINES", 400),
		LiteLLMURL:             getEnv("LITELLM_URL", "http://localhost:4000"),
		LiteLLMAPIKey:          getEnv("LITELLM_API_KEY", ""),
		LLMTimeout:             time.Duration(getEnvInt("LLM_TIMEOUT_MS", 60000)) * time.Millisecond,
		SummaryModel:           getEnv("SUMMARY_MODEL", "haiku"),
		SummaryRate:            getEnvFloat("SUMMARY_RATE_PER_SEC", 2),
		SummaryQueue:           getEnvInt("SUMMARY_QUEUE", 256),
		SummaryMaxInput:        getEnvInt("SUMMARY_MAX_INPUT", 8192),
		IdempotencyTTL:         time.Duration(getEnvInt("IDEMPOTENCY_TTL_MS", 86400000)) * time.Millisecond,
		EventRetention:         time.Duration(getEnvInt("EVENT_RETENTION_MS", 86400000)) * time.Millisecond,
		RetentionSweepInterval: time.Duration(getEnvInt("RETENTION_SWEEP_MS", 600000)) * time.Millisecond,
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}

	cfg.Workflow = DefaultWorkflow()
	if cfg.WorkflowFile != "" {
		wf, err := LoadWorkflow(cfg.WorkflowFile)
		if err != nil {
			log.Printf("WARN: failed to load workflow file %s, using defaults: %v", cfg.WorkflowFile, err)
		} else {
			cfg.Workflow = wf
		}
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
