package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")
	setEnv(t, "PLATFORM_FEE_BPS", "")
	setEnv(t, "PAYMENT_LINK_BASE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultPaymentLinkBase, cfg.PaymentLinkBase)
	assert.Equal(t, int64(DefaultPlatformFeeBPS), cfg.PlatformFeeBPS)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 8*time.Second, cfg.FraudTimeout)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Lists(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	setEnv(t, "CORS_ORIGINS", "https://soko-pay.vercel.app")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"https://soko-pay.vercel.app"}, cfg.CORSOrigins)
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "ADMIN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET is required")
}

func validConfig() Config {
	return Config{
		Env:                "production",
		AdminSecret:        "s3cret",
		PayHeroAPIKey:      "key",
		PayHeroCallbackURL: "https://api.example.com/v1/payhero/callback",
		PaymentLinkBase:    DefaultPaymentLinkBase,
		PlatformFeeBPS:     300,
		RateLimitRPM:       10,
		ReconcileInterval:  time.Minute,
		FraudTimeout:       time.Second,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mod     func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"fee zero uses default", func(c *Config) { c.PlatformFeeBPS = 0 }, ""},
		{"negative fee", func(c *Config) { c.PlatformFeeBPS = -1 }, "PLATFORM_FEE_BPS"},
		{"fee above 100%", func(c *Config) { c.PlatformFeeBPS = 10001 }, "PLATFORM_FEE_BPS"},
		{"no rate limit", func(c *Config) { c.RateLimitRPM = 0 }, "RATE_LIMIT_RPM"},
		{"bad link base", func(c *Config) { c.PaymentLinkBase = "soko-pay.vercel.app" }, "PAYMENT_LINK_BASE"},
		{"missing payhero key", func(c *Config) { c.PayHeroAPIKey = "" }, "PAYHERO_API_KEY"},
		{"missing callback", func(c *Config) { c.PayHeroCallbackURL = "" }, "PAYHERO_CALLBACK_URL"},
		{"development without secrets", func(c *Config) {
			c.Env = "development"
			c.AdminSecret = ""
			c.PayHeroAPIKey = ""
			c.PayHeroCallbackURL = ""
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mod(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsProduction(t *testing.T) {
	cfg := &Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
