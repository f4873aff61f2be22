// Package config provides configuration management for Quietmind.
// It loads settings from an optional YAML file and environment variables with
// the QUIETMIND_ prefix; environment variables take precedence over the file,
// and every option has a sensible default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrEncryptionKeyMissing indicates that neither an encryption key nor a
// passphrase was configured. The process cannot start without one: memory
// payloads are always stored encrypted.
var ErrEncryptionKeyMissing = errors.New("config: encryption key is required (set QUIETMIND_ENCRYPTION_KEY or QUIETMIND_ENCRYPTION_PASSPHRASE)")

// Config holds all configuration settings for the Quietmind service.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Security   SecurityConfig   `yaml:"security"`
	Capability CapabilityConfig `yaml:"capability"`
	Engine     EngineConfig     `yaml:"engine"`
	Reminder   ReminderConfig   `yaml:"reminder"`
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	// DataPath is the directory holding the sqlite database (default: ./data).
	DataPath string `yaml:"data_path"`

	// VectorBackend selects the vector index implementation: sqlite, postgres
	// (default: sqlite).
	VectorBackend string `yaml:"vector_backend"`

	// PostgresDSN is the connection string used when VectorBackend is postgres.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SecurityConfig contains encryption settings.
type SecurityConfig struct {
	// EncryptionKey is a base64-encoded 32-byte AES key.
	EncryptionKey string `yaml:"encryption_key"`

	// EncryptionPassphrase derives the key via PBKDF2 when EncryptionKey is
	// not set directly.
	EncryptionPassphrase string `yaml:"encryption_passphrase"`
}

// CapabilityConfig configures the external model capabilities.
type CapabilityConfig struct {
	// OpenAIAPIKey authenticates the embedding and sentiment client.
	OpenAIAPIKey string `yaml:"openai_api_key"`

	// OpenAIBaseURL overrides the API endpoint (e.g. a local proxy).
	OpenAIBaseURL string `yaml:"openai_base_url"`

	// EmbeddingModel is the embedding model name (default: text-embedding-3-small).
	EmbeddingModel string `yaml:"embedding_model"`

	// SentimentModel is the chat model used for sentiment classification
	// (default: gpt-4o-mini).
	SentimentModel string `yaml:"sentiment_model"`

	// RequestsPerSecond caps calls to the external capabilities (default: 5).
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// EngineConfig configures the ingestion and retrieval engine.
type EngineConfig struct {
	// MaxWorkers bounds concurrent embedding and decryption work (default: 4).
	MaxWorkers int `yaml:"max_workers"`

	// SimilarityFloor excludes near-zero matches from search results
	// (default: 0.25).
	SimilarityFloor float64 `yaml:"similarity_floor"`

	// ReconcileInterval is the period of the orphan reconciliation pass
	// (default: 10m).
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// ReconcileGracePeriod protects in-flight ingestions from reconciliation
	// (default: 5m).
	ReconcileGracePeriod time.Duration `yaml:"reconcile_grace_period"`
}

// ReminderConfig configures the reminder scheduler.
type ReminderConfig struct {
	// SweepInterval is how often the scheduler looks for due reminders
	// (default: 15s).
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxAttempts bounds delivery retries per recurrence cycle (default: 5).
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the first retry delay; doubles each failure (default: 30s).
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffCap limits the exponential backoff (default: 10m).
	BackoffCap time.Duration `yaml:"backoff_cap"`

	// StaleAttemptTimeout is how long a reminder may sit in attempting before
	// restart recovery treats the delivery as lost (default: 5m).
	StaleAttemptTimeout time.Duration `yaml:"stale_attempt_timeout"`
}

// LoadConfig loads configuration from the optional YAML file at path (empty
// path or a missing file is not an error) and then applies environment
// variable overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No config file; env vars and defaults only.
		default:
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// Validate checks settings that the process cannot run without.
func (c *Config) Validate() error {
	if c.Security.EncryptionKey == "" && c.Security.EncryptionPassphrase == "" {
		return ErrEncryptionKeyMissing
	}
	if c.Storage.VectorBackend != "sqlite" && c.Storage.VectorBackend != "postgres" {
		return fmt.Errorf("config: unknown vector backend %q", c.Storage.VectorBackend)
	}
	if c.Storage.VectorBackend == "postgres" && c.Storage.PostgresDSN == "" {
		return errors.New("config: postgres vector backend requires QUIETMIND_POSTGRES_DSN")
	}
	return nil
}

// applyEnvOverrides replaces config values with environment variables when set.
func applyEnvOverrides(cfg *Config) {
	cfg.Storage.DataPath = getEnv("QUIETMIND_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.VectorBackend = getEnv("QUIETMIND_VECTOR_BACKEND", cfg.Storage.VectorBackend)
	cfg.Storage.PostgresDSN = getEnv("QUIETMIND_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Security.EncryptionKey = getEnv("QUIETMIND_ENCRYPTION_KEY", cfg.Security.EncryptionKey)
	cfg.Security.EncryptionPassphrase = getEnv("QUIETMIND_ENCRYPTION_PASSPHRASE", cfg.Security.EncryptionPassphrase)

	cfg.Capability.OpenAIAPIKey = getEnv("QUIETMIND_OPENAI_API_KEY", cfg.Capability.OpenAIAPIKey)
	cfg.Capability.OpenAIBaseURL = getEnv("QUIETMIND_OPENAI_BASE_URL", cfg.Capability.OpenAIBaseURL)
	cfg.Capability.EmbeddingModel = getEnv("QUIETMIND_EMBEDDING_MODEL", cfg.Capability.EmbeddingModel)
	cfg.Capability.SentimentModel = getEnv("QUIETMIND_SENTIMENT_MODEL", cfg.Capability.SentimentModel)
	cfg.Capability.RequestsPerSecond = getEnvFloat("QUIETMIND_REQUESTS_PER_SECOND", cfg.Capability.RequestsPerSecond)

	cfg.Engine.MaxWorkers = getEnvInt("QUIETMIND_MAX_WORKERS", cfg.Engine.MaxWorkers)
	cfg.Engine.SimilarityFloor = getEnvFloat("QUIETMIND_SIMILARITY_FLOOR", cfg.Engine.SimilarityFloor)
	cfg.Engine.ReconcileInterval = getEnvDuration("QUIETMIND_RECONCILE_INTERVAL", cfg.Engine.ReconcileInterval)
	cfg.Engine.ReconcileGracePeriod = getEnvDuration("QUIETMIND_RECONCILE_GRACE_PERIOD", cfg.Engine.ReconcileGracePeriod)

	cfg.Reminder.SweepInterval = getEnvDuration("QUIETMIND_REMINDER_SWEEP_INTERVAL", cfg.Reminder.SweepInterval)
	cfg.Reminder.MaxAttempts = getEnvInt("QUIETMIND_REMINDER_MAX_ATTEMPTS", cfg.Reminder.MaxAttempts)
	cfg.Reminder.BackoffBase = getEnvDuration("QUIETMIND_REMINDER_BACKOFF_BASE", cfg.Reminder.BackoffBase)
	cfg.Reminder.BackoffCap = getEnvDuration("QUIETMIND_REMINDER_BACKOFF_CAP", cfg.Reminder.BackoffCap)
	cfg.Reminder.StaleAttemptTimeout = getEnvDuration("QUIETMIND_REMINDER_STALE_TIMEOUT", cfg.Reminder.StaleAttemptTimeout)
}

// applyDefaults fills zero values with defaults.
func applyDefaults(cfg *Config) {
	if cfg.Storage.DataPath == "" {
		cfg.Storage.DataPath = "./data"
	}
	if cfg.Storage.VectorBackend == "" {
		cfg.Storage.VectorBackend = "sqlite"
	}
	if cfg.Capability.EmbeddingModel == "" {
		cfg.Capability.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Capability.SentimentModel == "" {
		cfg.Capability.SentimentModel = "gpt-4o-mini"
	}
	if cfg.Capability.RequestsPerSecond <= 0 {
		cfg.Capability.RequestsPerSecond = 5
	}
	if cfg.Engine.MaxWorkers <= 0 {
		cfg.Engine.MaxWorkers = 4
	}
	if cfg.Engine.SimilarityFloor <= 0 {
		cfg.Engine.SimilarityFloor = 0.25
	}
	if cfg.Engine.ReconcileInterval <= 0 {
		cfg.Engine.ReconcileInterval = 10 * time.Minute
	}
	if cfg.Engine.ReconcileGracePeriod <= 0 {
		cfg.Engine.ReconcileGracePeriod = 5 * time.Minute
	}
	if cfg.Reminder.SweepInterval <= 0 {
		cfg.Reminder.SweepInterval = 15 * time.Second
	}
	if cfg.Reminder.MaxAttempts <= 0 {
		cfg.Reminder.MaxAttempts = 5
	}
	if cfg.Reminder.BackoffBase <= 0 {
		cfg.Reminder.BackoffBase = 30 * time.Second
	}
	if cfg.Reminder.BackoffCap <= 0 {
		cfg.Reminder.BackoffCap = 10 * time.Minute
	}
	if cfg.Reminder.StaleAttemptTimeout <= 0 {
		cfg.Reminder.StaleAttemptTimeout = 5 * time.Minute
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed, the default is kept.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "30s", "10m") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
