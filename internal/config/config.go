// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage and coordination
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Enables the distributed per-order lock (optional)

	// Event fan-out
	KafkaBrokers []string // Optional; updates are only streamed over WebSocket without it
	KafkaTopic   string

	// Tracing
	OTelEndpoint string

	// Security
	AdminSecret  string
	CORSOrigins  []string
	RateLimitRPM int // Payment initiations per client IP per minute

	// Order policy
	PaymentLinkBase   string
	PlatformFeeBPS    int64
	ReconcileInterval time.Duration

	// PayHero gateway
	PayHeroBaseURL         string
	PayHeroAPIKey          string
	PayHeroAuthScheme      string
	PayHeroChannelID       int
	PayHeroProvider        string
	PayHeroCallbackURL     string
	PayHeroReferencePrefix string

	// Fraud scoring
	GeminiAPIKey  string // Rules-only scoring when empty
	GeminiModel   string
	GeminiBaseURL string
	FraudTimeout  time.Duration
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultPaymentLinkBase   = "https://soko-pay.vercel.app"
	DefaultPlatformFeeBPS    = 300
	DefaultRateLimitRPM      = 10
	DefaultKafkaTopic        = "sokopay.order.updated"
	DefaultGeminiModel       = "gemini-1.5-flash"
	DefaultFraudTimeoutMS    = 8000
	DefaultReconcileInterval = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		KafkaBrokers:           getEnvList("KAFKA_BROKERS"),
		KafkaTopic:             getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTelEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		CORSOrigins:            getEnvList("CORS_ORIGINS"),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		PaymentLinkBase:        getEnv("PAYMENT_LINK_BASE", DefaultPaymentLinkBase),
		PlatformFeeBPS:         getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBPS),
		ReconcileInterval:      time.Duration(getEnvInt64("RECONCILE_INTERVAL_SECONDS", DefaultReconcileInterval)) * time.Second,
		PayHeroBaseURL:         os.Getenv("PAYHERO_BASE_URL"),
		PayHeroAPIKey:          os.Getenv("PAYHERO_API_KEY"),
		PayHeroAuthScheme:      os.Getenv("PAYHERO_AUTH_SCHEME"),
		PayHeroChannelID:       int(getEnvInt64("PAYHERO_CHANNEL_ID", 0)),
		PayHeroProvider:        os.Getenv("PAYHERO_PROVIDER"),
		PayHeroCallbackURL:     os.Getenv("PAYHERO_CALLBACK_URL"),
		PayHeroReferencePrefix: os.Getenv("PAYHERO_REFERENCE_PREFIX"),
		GeminiAPIKey:           os.Getenv("GEMINI_API_KEY"),
		GeminiModel:            getEnv("GEMINI_MODEL", DefaultGeminiModel),
		GeminiBaseURL:          os.Getenv("GEMINI_BASE_URL"),
		FraudTimeout:           time.Duration(getEnvInt64("FRAUD_TIMEOUT_MS", DefaultFraudTimeoutMS)) * time.Millisecond,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	// Zero selects the order service default.
	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000, got %d", c.PlatformFeeBPS)
	}
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL_SECONDS must be positive")
	}
	if c.FraudTimeout <= 0 {
		return fmt.Errorf("FRAUD_TIMEOUT_MS must be positive")
	}
	if !strings.HasPrefix(c.PaymentLinkBase, "http://") && !strings.HasPrefix(c.PaymentLinkBase, "https://") {
		return fmt.Errorf("PAYMENT_LINK_BASE must be an http(s) URL")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.PayHeroAPIKey == "" {
			return fmt.Errorf("PAYHERO_API_KEY is required in production")
		}
		if c.PayHeroCallbackURL == "" {
			return fmt.Errorf("PAYHERO_CALLBACK_URL is required in production")
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

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
