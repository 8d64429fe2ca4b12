// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/paylens/fraudguard/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// ML scoring service
	MLServiceURL string        // Optional; pipeline degrades gracefully when unset
	MLTimeout    time.Duration

	// Scoring
	HighRiskBINs   []string // Issuer BINs that add the high-risk score
	SuspiciousBINs []string // Issuer BINs that add the suspicious score

	// Rule stats
	StatsFlushInterval time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)

	// Security
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultMLTimeout          = 2 * time.Second
	DefaultStatsFlushInterval = 5 * time.Second
	DefaultRateLimit          = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		MLServiceURL:       os.Getenv("ML_SERVICE_URL"),
		MLTimeout:          getEnvDuration("ML_TIMEOUT", DefaultMLTimeout),
		HighRiskBINs:       getEnvList("HIGH_RISK_BINS"),
		SuspiciousBINs:     getEnvList("SUSPICIOUS_BINS"),
		StatsFlushInterval: getEnvDuration("STATS_FLUSH_INTERVAL", DefaultStatsFlushInterval),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.MLTimeout <= 0 {
		return fmt.Errorf("ML_TIMEOUT must be positive")
	}
	if c.StatsFlushInterval <= 0 {
		return fmt.Errorf("STATS_FLUSH_INTERVAL must be positive")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be \"text\" or \"json\"")
	}
	// In production the ML service must live on a routable address so a
	// misconfigured URL cannot be used to probe internal infrastructure.
	if c.IsProduction() && c.MLServiceURL != "" {
		if err := security.ValidateEndpointURL(c.MLServiceURL); err != nil {
			return fmt.Errorf("ML_SERVICE_URL: %w", err)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList parses a comma-separated environment variable.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
