// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/tidemark-io/tidemark/internal/utils"
)

// Config holds application configuration. Credentials and runtime knobs come
// from environment variables; the trading universe, constraints and cost
// model come from the strategy file (see strategy.go).
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	// Ingestion collaborator credentials
	AlpacaAPIKeyID     string
	AlpacaAPISecretKey string
	FredAPIKey         string
	SECUserAgent       string

	// IngestionEnabled gates the live pollers and backfill. Simulation-only
	// runs (training on already-ingested data) work without credentials.
	IngestionEnabled bool

	// Archive (S3-compatible) settings for checkpoint/ledger archival
	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveAccessKey string
	ArchiveSecretKey string

	Strategy *Strategy
}

// Load reads configuration from environment variables and the strategy file.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TIDEMARK_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	strategyPath := getEnv("TIDEMARK_STRATEGY_FILE", "strategy.yaml")
	strategy, err := LoadStrategy(strategyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy file: %w", err)
	}
	if override := getEnv("TIDEMARK_UNIVERSE", ""); override != "" {
		strategy.Universe = utils.ParseCSV(override)
	}

	cfg := &Config{
		DataDir:            absDataDir,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		Port:               getEnvAsInt("TIDEMARK_PORT", 8010),
		DevMode:            getEnvAsBool("DEV_MODE", false),
		AlpacaAPIKeyID:     getEnv("ALPACA_API_KEY_ID", ""),
		AlpacaAPISecretKey: getEnv("ALPACA_API_SECRET_KEY", ""),
		FredAPIKey:         getEnv("FRED_API_KEY", ""),
		SECUserAgent:       getEnv("SEC_USER_AGENT", ""),
		IngestionEnabled:   getEnvAsBool("INGESTION_ENABLED", true),
		ArchiveBucket:      getEnv("ARCHIVE_BUCKET", ""),
		ArchiveEndpoint:    getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveAccessKey:   getEnv("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey:   getEnv("ARCHIVE_SECRET_KEY", ""),
		Strategy:           strategy,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present. Ingestion
// credentials are required only when ingestion is enabled (fail fast,
// matching the collaborators' contracts).
func (c *Config) Validate() error {
	if c.IngestionEnabled {
		missing := []string{}
		if c.AlpacaAPIKeyID == "" {
			missing = append(missing, "ALPACA_API_KEY_ID")
		}
		if c.AlpacaAPISecretKey == "" {
			missing = append(missing, "ALPACA_API_SECRET_KEY")
		}
		if c.FredAPIKey == "" {
			missing = append(missing, "FRED_API_KEY")
		}
		if c.SECUserAgent == "" {
			missing = append(missing, "SEC_USER_AGENT")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required environment variables: %v", missing)
		}
	}
	return c.Strategy.Validate()
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
