// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow policy
	PlatformFeePercent decimal.Decimal // deducted from seller payout, snapshotted per lock
	MinOrderAmount     decimal.Decimal
	MaxOrderAmount     decimal.Decimal
	AutoCompleteDays   int           // days before an unconfirmed escrow auto-completes
	DisputeReviewDays  int           // days before an open dispute is flagged for review
	SweepInterval      time.Duration // how often the auto-completion sweep runs

	// Cancellation policy
	AllowSellerCancel   bool // seller alone may cancel an in-escrow order
	AllowBuyerCancel    bool // buyer alone may cancel an in-escrow order
	RequireMutualCancel bool // both parties must request cancellation

	// KYC tier ceilings (max transaction amount per tier)
	Tier1Limit decimal.Decimal
	Tier2Limit decimal.Decimal
	Tier3Limit decimal.Decimal

	// Payment gateway
	StripeSecretKey      string
	GatewayWebhookSecret string
	ReconcileInterval    time.Duration
	MinWithdrawAmount    decimal.Decimal

	// Notifications
	NotifyWebhookURL string

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPM int
	AdminSecret  string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultFeePercent        = "2.5"
	DefaultMinOrderAmount    = "1"
	DefaultMaxOrderAmount    = "1000000"
	DefaultAutoCompleteDays  = 7
	DefaultDisputeReviewDays = 3
	DefaultSweepInterval     = time.Hour
	DefaultReconcileInterval = 5 * time.Minute
	DefaultMinWithdraw       = "1"
	DefaultRateLimit         = 120
	DefaultTier1Limit        = "50000"
	DefaultTier2Limit        = "500000"
	DefaultTier3Limit        = "10000000"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	feePercent, err := getEnvDecimal("PLATFORM_FEE_PERCENT", DefaultFeePercent)
	if err != nil {
		return nil, err
	}
	minOrder, err := getEnvDecimal("MIN_ORDER_AMOUNT", DefaultMinOrderAmount)
	if err != nil {
		return nil, err
	}
	maxOrder, err := getEnvDecimal("MAX_ORDER_AMOUNT", DefaultMaxOrderAmount)
	if err != nil {
		return nil, err
	}
	tier1, err := getEnvDecimal("TIER1_LIMIT", DefaultTier1Limit)
	if err != nil {
		return nil, err
	}
	tier2, err := getEnvDecimal("TIER2_LIMIT", DefaultTier2Limit)
	if err != nil {
		return nil, err
	}
	tier3, err := getEnvDecimal("TIER3_LIMIT", DefaultTier3Limit)
	if err != nil {
		return nil, err
	}
	minWithdraw, err := getEnvDecimal("MIN_WITHDRAW_AMOUNT", DefaultMinWithdraw)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PlatformFeePercent:   feePercent,
		MinOrderAmount:       minOrder,
		MaxOrderAmount:       maxOrder,
		AutoCompleteDays:     getEnvInt("AUTO_COMPLETE_DAYS", DefaultAutoCompleteDays),
		DisputeReviewDays:    getEnvInt("DISPUTE_REVIEW_DAYS", DefaultDisputeReviewDays),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		AllowSellerCancel:    getEnvBool("ALLOW_SELLER_CANCEL", false),
		AllowBuyerCancel:     getEnvBool("ALLOW_BUYER_CANCEL", false),
		RequireMutualCancel:  getEnvBool("REQUIRE_MUTUAL_CANCEL", true),
		Tier1Limit:           tier1,
		Tier2Limit:           tier2,
		Tier3Limit:           tier3,
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		MinWithdrawAmount:    minWithdraw,
		NotifyWebhookURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:         getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.PlatformFeePercent.IsNegative() {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must not be negative")
	}
	if c.PlatformFeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be below 100")
	}
	if c.MinOrderAmount.IsNegative() {
		return fmt.Errorf("MIN_ORDER_AMOUNT must not be negative")
	}
	if c.MaxOrderAmount.LessThan(c.MinOrderAmount) {
		return fmt.Errorf("MAX_ORDER_AMOUNT must not be below MIN_ORDER_AMOUNT")
	}
	if c.AutoCompleteDays <= 0 {
		return fmt.Errorf("AUTO_COMPLETE_DAYS must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	raw := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", key, raw)
	}
	return d, nil
}
