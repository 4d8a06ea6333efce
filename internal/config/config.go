// Package config loads layered configuration: defaults, then an optional
// config.yaml, then RECEIPTS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete application configuration.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Image struct {
		MinEncodedChars int `mapstructure:"min_encoded_chars"`
		MinDecodedBytes int `mapstructure:"min_decoded_bytes"`
		MaxDecodedBytes int `mapstructure:"max_decoded_bytes"`
	} `mapstructure:"image"`

	OCR struct {
		Provider       string  `mapstructure:"provider"` // gemini, openai, none
		Model          string  `mapstructure:"model"`
		TimeoutSeconds int     `mapstructure:"timeout_seconds"`
		MaxConcurrent  int     `mapstructure:"max_concurrent"`
		LowConfidence  float64 `mapstructure:"low_confidence"`
		MinConfidence  float64 `mapstructure:"min_confidence"`
		GeminiAPIKey   string  `mapstructure:"gemini_api_key"`
		OpenAIAPIKey   string  `mapstructure:"openai_api_key"`
		OpenAIBaseURL  string  `mapstructure:"openai_base_url"`
	} `mapstructure:"ocr"`

	Storage struct {
		Backend string `mapstructure:"backend"` // local, rest, bigquery
	} `mapstructure:"storage"`

	Remote struct {
		Kind             string `mapstructure:"kind"` // rest, notion
		BaseURL          string `mapstructure:"base_url"`
		Token            string `mapstructure:"token"`
		TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
		NotionToken      string `mapstructure:"notion_token"`
		NotionDatabaseID string `mapstructure:"notion_database_id"`
	} `mapstructure:"remote"`

	Sync struct {
		IntervalSeconds int  `mapstructure:"interval_seconds"`
		BatchSize       int  `mapstructure:"batch_size"`
		Workers         int  `mapstructure:"workers"`
		LeaseSeconds    int  `mapstructure:"lease_seconds"`
		AutoMaterialize bool `mapstructure:"auto_materialize"`
	} `mapstructure:"sync"`

	Archive struct {
		Bucket string `mapstructure:"bucket"`
	} `mapstructure:"archive"`

	BigQuery struct {
		ProjectID string `mapstructure:"project_id"`
		Dataset   string `mapstructure:"dataset"`
	} `mapstructure:"bigquery"`

	API struct {
		Port                  string `mapstructure:"port"`
		IdempotencyTTLSeconds int    `mapstructure:"idempotency_ttl_seconds"`
	} `mapstructure:"api"`

	User struct {
		DefaultID string `mapstructure:"default_id"`
	} `mapstructure:"user"`
}

// OCRTimeout returns the provider call timeout.
func (c *Config) OCRTimeout() time.Duration {
	return time.Duration(c.OCR.TimeoutSeconds) * time.Second
}

// RemoteTimeout returns the per-request remote store timeout.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// SyncInterval returns the period between background reconciliation passes.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// SyncLease returns how long a claimed record may stay in syncing before a
// later pass treats it as unsynced.
func (c *Config) SyncLease() time.Duration {
	return time.Duration(c.Sync.LeaseSeconds) * time.Second
}

// IdempotencyTTL returns how long ingestion responses are replayable.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.API.IdempotencyTTLSeconds) * time.Second
}

// LoadEnv loads a .env file from the working directory or its parent, if present.
func LoadEnv() error {
	for _, candidate := range []string{".env", filepath.Join("..", ".env")} {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := godotenv.Load(candidate); err != nil {
			return fmt.Errorf("LoadEnv: loading %s: %w", candidate, err)
		}
		return nil
	}
	return nil
}

// Load builds the configuration. configFile may be empty to use the default
// search paths.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.receipt-ledger")
		v.AddConfigPath(".receipt-ledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RECEIPTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return nil, fmt.Errorf("Load: reading config file: %w", err)
		}
	}

	// Provider keys keep their conventional unprefixed names.
	for key, env := range map[string]string{
		"ocr.gemini_api_key":  "GEMINI_API_KEY",
		"ocr.openai_api_key":  "OPENAI_API_KEY",
		"remote.notion_token": "NOTION_TOKEN",
		"bigquery.project_id": "GOOGLE_CLOUD_PROJECT",
	} {
		if err := v.BindEnv(key, "RECEIPTS_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("Load: binding %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("Load: unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.path", "receipts.db")

	v.SetDefault("image.min_encoded_chars", 100)
	v.SetDefault("image.min_decoded_bytes", 50)
	v.SetDefault("image.max_decoded_bytes", 10<<20)

	v.SetDefault("ocr.provider", "gemini")
	v.SetDefault("ocr.model", "gemini-2.5-flash")
	v.SetDefault("ocr.timeout_seconds", 60)
	v.SetDefault("ocr.max_concurrent", 3)
	v.SetDefault("ocr.low_confidence", 0.5)
	v.SetDefault("ocr.min_confidence", 0.2)
	v.SetDefault("ocr.gemini_api_key", "")
	v.SetDefault("ocr.openai_api_key", "")
	v.SetDefault("ocr.openai_base_url", "")

	v.SetDefault("storage.backend", "local")

	v.SetDefault("remote.kind", "rest")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout_seconds", 30)
	v.SetDefault("remote.notion_token", "")
	v.SetDefault("remote.notion_database_id", "")

	v.SetDefault("sync.interval_seconds", 300)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.lease_seconds", 120)
	v.SetDefault("sync.auto_materialize", true)

	v.SetDefault("archive.bucket", "")

	v.SetDefault("bigquery.project_id", "")
	v.SetDefault("bigquery.dataset", "finance")

	v.SetDefault("api.port", "8080")
	v.SetDefault("api.idempotency_ttl_seconds", 600)

	v.SetDefault("user.default_id", "local")
}

func validateConfig(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Log.Level)
	}

	if cfg.Log.Format != "console" && cfg.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", cfg.Log.Format)
	}

	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if cfg.Image.MinEncodedChars < 4 || cfg.Image.MinDecodedBytes < 1 {
		return fmt.Errorf("image thresholds must be positive")
	}
	if cfg.Image.MaxDecodedBytes < cfg.Image.MinDecodedBytes {
		return fmt.Errorf("image.max_decoded_bytes must be >= image.min_decoded_bytes")
	}

	switch cfg.OCR.Provider {
	case "gemini":
		if cfg.OCR.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY required when ocr.provider is gemini")
		}
	case "openai":
		if cfg.OCR.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY required when ocr.provider is openai")
		}
	case "none":
	default:
		return fmt.Errorf("invalid ocr.provider: %s", cfg.OCR.Provider)
	}

	if cfg.OCR.TimeoutSeconds < 1 || cfg.OCR.TimeoutSeconds > 600 {
		return fmt.Errorf("ocr.timeout_seconds must be between 1 and 600, got: %d", cfg.OCR.TimeoutSeconds)
	}
	if cfg.OCR.MaxConcurrent < 1 {
		return fmt.Errorf("ocr.max_concurrent must be >= 1, got: %d", cfg.OCR.MaxConcurrent)
	}
	if cfg.OCR.LowConfidence < 0 || cfg.OCR.LowConfidence > 1 {
		return fmt.Errorf("ocr.low_confidence must be between 0.0 and 1.0, got: %f", cfg.OCR.LowConfidence)
	}
	if cfg.OCR.MinConfidence < 0 || cfg.OCR.MinConfidence > cfg.OCR.LowConfidence {
		return fmt.Errorf("ocr.min_confidence must be between 0.0 and ocr.low_confidence, got: %f", cfg.OCR.MinConfidence)
	}

	switch cfg.Storage.Backend {
	case "local":
	case "rest":
		if cfg.Remote.BaseURL == "" {
			return fmt.Errorf("remote.base_url required when storage.backend is rest")
		}
	case "bigquery":
		if cfg.BigQuery.ProjectID == "" {
			return fmt.Errorf("bigquery.project_id required when storage.backend is bigquery")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s", cfg.Storage.Backend)
	}

	switch cfg.Remote.Kind {
	case "rest", "notion":
	default:
		return fmt.Errorf("invalid remote.kind: %s", cfg.Remote.Kind)
	}

	if cfg.Sync.Workers < 1 || cfg.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.workers and sync.batch_size must be >= 1")
	}
	if cfg.Sync.LeaseSeconds < 1 {
		return fmt.Errorf("sync.lease_seconds must be >= 1")
	}
	if cfg.Sync.IntervalSeconds < 1 {
		return fmt.Errorf("sync.interval_seconds must be >= 1")
	}
	if cfg.API.IdempotencyTTLSeconds < 1 {
		return fmt.Errorf("api.idempotency_ttl_seconds must be >= 1")
	}

	return nil
}

// RemoteConfigured reports whether a remote store is configured for sync.
func (c *Config) RemoteConfigured() bool {
	switch c.Remote.Kind {
	case "notion":
		return c.Remote.NotionToken != "" && c.Remote.NotionDatabaseID != ""
	default:
		return c.Remote.BaseURL != ""
	}
}
