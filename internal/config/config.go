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

	// Payments
	StripeSecretKey string // Stripe API key; empty in development uses the fake gateway
	Currency        string // ISO currency code for all escrow transactions
	PlatformFeePct  int    // platform fee as a percent of the booking amount

	// Escrow
	AutoReleaseWindow time.Duration // grace window before held funds auto-release

	// Eligibility gate
	InstantRailMaxCents int64 // max amount payable over the instant rail

	// Dispute phases
	NegotiationWindow     time.Duration // phase 1 length
	NegotiationMinElapsed time.Duration // earliest voluntary escalation
	MediationWindow       time.Duration // phase 2 length
	DecisionReviewWindow  time.Duration // phase 3 review length
	ExternalPenaltyPct    int           // forfeiture applied to the party opting out of the binding decision

	// AI advisor
	AdvisorURL string // HTTP advisor endpoint; empty uses the built-in static advisor

	// Security
	AdminSecret     string // admin override API secret
	RateLimitRPM    int    // default per-actor requests per minute
	IdempotencyTTL  time.Duration
	TracingEndpoint string // OTLP gRPC endpoint; empty disables tracing
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultCurrency          = "usd"
	DefaultPlatformFeePct    = 10
	DefaultInstantRailMax    = 20_000
	DefaultRateLimitRPM      = 60
	DefaultExternalPenalty   = 10
	DefaultAutoRelease       = 72 * time.Hour
	DefaultNegotiation       = 48 * time.Hour
	DefaultNegotiationFloor  = 12 * time.Hour
	DefaultMediation         = 48 * time.Hour
	DefaultDecisionReview    = 72 * time.Hour
	DefaultIdempotencyWindow = 24 * time.Hour
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		Currency:              getEnv("CURRENCY", DefaultCurrency),
		PlatformFeePct:        getEnvInt("PLATFORM_FEE_PCT", DefaultPlatformFeePct),
		AutoReleaseWindow:     getEnvDuration("AUTO_RELEASE_WINDOW", DefaultAutoRelease),
		InstantRailMaxCents:   getEnvInt64("INSTANT_RAIL_MAX_CENTS", DefaultInstantRailMax),
		NegotiationWindow:     getEnvDuration("NEGOTIATION_WINDOW", DefaultNegotiation),
		NegotiationMinElapsed: getEnvDuration("NEGOTIATION_MIN_ELAPSED", DefaultNegotiationFloor),
		MediationWindow:       getEnvDuration("MEDIATION_WINDOW", DefaultMediation),
		DecisionReviewWindow:  getEnvDuration("DECISION_REVIEW_WINDOW", DefaultDecisionReview),
		ExternalPenaltyPct:    getEnvInt("EXTERNAL_RESOLUTION_PENALTY_PCT", DefaultExternalPenalty),
		AdvisorURL:            os.Getenv("ADVISOR_URL"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:          getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		IdempotencyTTL:        getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyWindow),
		TracingEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that configuration values are coherent.
func (c *Config) Validate() error {
	if c.PlatformFeePct < 0 || c.PlatformFeePct > 100 {
		return fmt.Errorf("PLATFORM_FEE_PCT must be between 0 and 100, got %d", c.PlatformFeePct)
	}
	if c.ExternalPenaltyPct < 0 || c.ExternalPenaltyPct > 100 {
		return fmt.Errorf("EXTERNAL_RESOLUTION_PENALTY_PCT must be between 0 and 100, got %d", c.ExternalPenaltyPct)
	}
	if c.InstantRailMaxCents <= 0 {
		return fmt.Errorf("INSTANT_RAIL_MAX_CENTS must be positive")
	}
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
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
