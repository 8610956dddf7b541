// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CommissionTier reduces the platform commission for realtors whose
// trailing-month confirmed room-fee volume (in minor units) reaches
// MinVolume.
type CommissionTier struct {
	MinVolume    int64 // minor units
	ReductionBps int64
}

// RefundTier maps a minimum hours-until-check-in to room-fee split
// percentages (basis points; customer + realtor + platform = 10000).
type RefundTier struct {
	Name        string
	MinHours    float64
	CustomerBps int64
	RealtorBps  int64
	PlatformBps int64
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	GatewayProvider      string // "paystack" or "stripe"
	GatewayBaseURL       string
	GatewaySecretKey     string
	GatewayWebhookSecret string // HMAC key for inbound notification signatures
	GatewayTimeout       time.Duration

	// Actor auth
	JWTSecret string

	// Tracing
	OTLPEndpoint string

	// Fee configuration (basis points)
	PlatformServiceFeeBps   int64 // fixed platform component of the service fee
	ProcessingFeeBps        int64 // default processing component
	ProcessingFeeBpsByMode  map[string]int64
	BaseCommissionBps       int64
	MinCommissionBps        int64 // effective rate never drops below this
	CommissionTiers         []CommissionTier
	RefundTiers             []RefundTier
	CancellationCutoffHours float64 // inside this, room fee is non-refundable

	// Dispute windows
	GuestDisputeWindow   time.Duration
	RealtorDisputeWindow time.Duration

	// Settlement
	TransferRetryCap  int // automatic retries after the first failed attempt
	VerifyCallTimeout time.Duration
}

// Defaults
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultGatewayProvider       = "paystack"
	DefaultGatewayBaseURL        = "https://api.paystack.co"
	DefaultPlatformServiceFeeBps = 350 // 3.5%
	DefaultProcessingFeeBps      = 150 // 1.5%
	DefaultBaseCommissionBps     = 1000
	DefaultMinCommissionBps      = 250
	DefaultTransferRetryCap      = 2
	DefaultVerifyCallTimeout     = 5 * time.Second
	DefaultGuestDisputeWindow    = time.Hour
	DefaultRealtorDisputeWindow  = 4*time.Hour + 10*time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayProvider:      getEnv("GATEWAY_PROVIDER", DefaultGatewayProvider),
		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", DefaultGatewayBaseURL),
		GatewaySecretKey:     os.Getenv("GATEWAY_SECRET_KEY"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		PlatformServiceFeeBps: getEnvInt64("PLATFORM_SERVICE_FEE_BPS", DefaultPlatformServiceFeeBps),
		ProcessingFeeBps:      getEnvInt64("PROCESSING_FEE_BPS", DefaultProcessingFeeBps),
		ProcessingFeeBpsByMode: map[string]int64{
			"card": getEnvInt64("PROCESSING_FEE_BPS_CARD", DefaultProcessingFeeBps),
			"bank": getEnvInt64("PROCESSING_FEE_BPS_BANK", 100),
		},
		BaseCommissionBps:       getEnvInt64("BASE_COMMISSION_BPS", DefaultBaseCommissionBps),
		MinCommissionBps:        getEnvInt64("MIN_COMMISSION_BPS", DefaultMinCommissionBps),
		CancellationCutoffHours: getEnvFloat("CANCELLATION_CUTOFF_HOURS", 24),

		GuestDisputeWindow:   getEnvDuration("GUEST_DISPUTE_WINDOW", DefaultGuestDisputeWindow),
		RealtorDisputeWindow: getEnvDuration("REALTOR_DISPUTE_WINDOW", DefaultRealtorDisputeWindow),

		TransferRetryCap:  int(getEnvInt64("TRANSFER_RETRY_CAP", DefaultTransferRetryCap)),
		VerifyCallTimeout: getEnvDuration("VERIFY_CALL_TIMEOUT", DefaultVerifyCallTimeout),
	}

	var err error
	cfg.CommissionTiers, err = parseCommissionTiers(
		getEnv("COMMISSION_TIERS", "100000000:200,500000000:500,1000000000:750"))
	if err != nil {
		return nil, fmt.Errorf("COMMISSION_TIERS: %w", err)
	}

	cfg.RefundTiers = defaultRefundTiers(cfg.CancellationCutoffHours)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultRefundTiers returns the standard cancellation tiers, ordered from
// most to least generous. cutoffHours is the LATE-tier boundary.
func defaultRefundTiers(cutoffHours float64) []RefundTier {
	return []RefundTier{
		{Name: "EARLY", MinHours: 72, CustomerBps: 9000, RealtorBps: 700, PlatformBps: 300},
		{Name: "MEDIUM", MinHours: cutoffHours, CustomerBps: 7000, RealtorBps: 2000, PlatformBps: 1000},
		{Name: "LATE", MinHours: 0, CustomerBps: 0, RealtorBps: 8000, PlatformBps: 2000},
	}
}

// parseCommissionTiers parses "minVolume:reductionBps,..." where minVolume
// is in whole currency units.
func parseCommissionTiers(s string) ([]CommissionTier, error) {
	var tiers []CommissionTier
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid tier %q (want minVolume:reductionBps)", part)
		}
		vol, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid tier volume %q", fields[0])
		}
		bps, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid tier reduction %q", fields[1])
		}
		tiers = append(tiers, CommissionTier{MinVolume: vol * 100, ReductionBps: bps})
	}
	// Highest volume first so the first matching tier wins.
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinVolume > tiers[j].MinVolume })
	return tiers, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GatewayWebhookSecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.GatewayProvider {
	case "paystack", "stripe":
	default:
		return fmt.Errorf("GATEWAY_PROVIDER must be paystack or stripe, got %q", c.GatewayProvider)
	}
	if c.MinCommissionBps > c.BaseCommissionBps {
		return fmt.Errorf("MIN_COMMISSION_BPS (%d) exceeds BASE_COMMISSION_BPS (%d)",
			c.MinCommissionBps, c.BaseCommissionBps)
	}
	for _, t := range c.RefundTiers {
		if t.CustomerBps+t.RealtorBps+t.PlatformBps != 10000 {
			return fmt.Errorf("refund tier %s splits do not sum to 100%%", t.Name)
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
