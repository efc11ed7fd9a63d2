// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway (Stripe)
	StripeSecretKey string
	FrontendURL     string // Base URL for checkout success/cancel redirects
	GatewayTimeout  time.Duration

	// Escrow policy
	Currency         string // ISO currency code for checkout sessions
	FeePercent       int64  // Platform fee, percent of amount
	MinEscrowCents   int64  // Listings priced below this are not escrow-eligible
	MaxNotifyBacklog int    // Stored notifications retained per user
	DisputeReasonMax int    // Max length of a dispute reason
	RateLimitPerMin  int    // Requests per minute per client

	// Security
	AdminSecret string // Guards arbitration and audit routes

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCurrency       = "cad"
	DefaultFeePercent     = 7
	DefaultMinEscrowCents = 500 // $5.00, below this escrow is not offered
	DefaultGatewayTimeout = 10 * time.Second
	DefaultRateLimit      = 100
	DefaultFrontendURL    = "http://localhost:5173"
	DefaultDisputeMax     = 2000
	DefaultNotifyBacklog  = 200
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:  os.Getenv("STRIPE_SECRET_KEY"),
		FrontendURL:      getEnv("FRONTEND_URL", DefaultFrontendURL),
		GatewayTimeout:   getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		Currency:         getEnv("CURRENCY", DefaultCurrency),
		FeePercent:       getEnvInt64("FEE_PERCENT", DefaultFeePercent),
		MinEscrowCents:   getEnvInt64("MIN_ESCROW_CENTS", DefaultMinEscrowCents),
		MaxNotifyBacklog: int(getEnvInt64("NOTIFY_BACKLOG", DefaultNotifyBacklog)),
		DisputeReasonMax: int(getEnvInt64("DISPUTE_REASON_MAX", DefaultDisputeMax)),
		RateLimitPerMin:  int(getEnvInt64("RATE_LIMIT_PER_MIN", DefaultRateLimit)),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.FeePercent < 0 || c.FeePercent > 100 {
		return fmt.Errorf("FEE_PERCENT must be between 0 and 100")
	}
	if c.MinEscrowCents < 0 {
		return fmt.Errorf("MIN_ESCROW_CENTS must not be negative")
	}
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
