// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port            string        `envconfig:"PORT" default:"8080"`
	Env             string        `envconfig:"ENV" default:"development"` // "development", "staging", "production"
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"20s"`
	DrainDelay      time.Duration `envconfig:"SHUTDOWN_DRAIN_DELAY" default:"5s"`
	CORSOrigins     []string      `envconfig:"CORS_ALLOWED_ORIGINS"`

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DB          DBConfig

	Redis      RedisConfig
	RateLimit  RateLimitConfig
	Auth       AuthConfig
	Gateway    GatewayConfig
	Stripe     StripeConfig
	Money      MoneyConfig
	KillSwitch KillSwitchConfig
	Risk       RiskConfig
	Chargeback ChargebackConfig
	Scheduler  SchedulerConfig
	Tracing    TracingConfig
}

// DBConfig tunes the connection pool.
type DBConfig struct {
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"1h"`
	AutoMigrate     bool          `envconfig:"DB_AUTO_MIGRATE" default:"false"`
}

// RedisConfig is needed for the shared kill switch and the scheduler lock.
type RedisConfig struct {
	URL         string        `envconfig:"REDIS_URL"`
	DialTimeout time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"2s"`
}

// RateLimitConfig throttles each caller.
type RateLimitConfig struct {
	RequestsPerMinute int `envconfig:"RATE_LIMIT_RPM" default:"120"`
	Burst             int `envconfig:"RATE_LIMIT_BURST" default:"20"`
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	JWTSecret string        `envconfig:"JWT_SECRET"`
	JWTIssuer string        `envconfig:"JWT_ISSUER" default:"ridewallet"`
	TokenTTL  time.Duration `envconfig:"JWT_TTL" default:"1h"`
}

// GatewayConfig selects and protects the payment gateway.
type GatewayConfig struct {
	Provider         string        `envconfig:"GATEWAY_PROVIDER" default:"fake"` // "fake" or "stripe"
	Timeout          time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
	BreakerThreshold int           `envconfig:"GATEWAY_BREAKER_THRESHOLD" default:"5"`
	BreakerCooldown  time.Duration `envconfig:"GATEWAY_BREAKER_COOLDOWN" default:"30s"`
}

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	SecretKey string `envconfig:"STRIPE_SECRET_KEY"`
	Env       string `envconfig:"STRIPE_ENV" default:"test"`
}

// MoneyConfig holds currency and amount thresholds.
type MoneyConfig struct {
	Currency        string          `envconfig:"CURRENCY" default:"USD"`
	PlatformOwnerID string          `envconfig:"PLATFORM_OWNER_ID" default:"platform"`
	RefundLimitMax  decimal.Decimal `envconfig:"REFUND_LIMITED_MAX" default:"20.00"`
	ReconTolerance  decimal.Decimal `envconfig:"RECON_TOLERANCE" default:"0.01"`
	ReconEscalation decimal.Decimal `envconfig:"RECON_ESCALATION" default:"5.00"`
}

// KillSwitchConfig is the static launch control for payouts.
type KillSwitchConfig struct {
	PayoutsDisabled   bool     `envconfig:"KILL_SWITCH_PAYOUTS" default:"false"`
	DisabledCountries []string `envconfig:"KILL_SWITCH_COUNTRIES"`
}

// RiskConfig lists the risk levels that block payouts and incentives.
type RiskConfig struct {
	BlockedLevels []string `envconfig:"RISK_BLOCKED_LEVELS" default:"high,critical"`
}

// ChargebackConfig decides who pays for lost chargebacks.
type ChargebackConfig struct {
	Liability string `envconfig:"CHARGEBACK_LIABILITY" default:"platform"` // "platform" or "driver"
}

// SchedulerConfig holds cron specs for background jobs.
type SchedulerConfig struct {
	Enabled         bool          `envconfig:"SCHEDULER_ENABLED" default:"true"`
	StuckPayoutSpec string        `envconfig:"STUCK_PAYOUT_SPEC" default:"@every 5m"`
	StuckAfter      time.Duration `envconfig:"STUCK_PAYOUT_AFTER" default:"15m"`
	LedgerSweepSpec string        `envconfig:"LEDGER_SWEEP_SPEC" default:"@every 1h"`
}

// TracingConfig enables OTLP export when an endpoint is set.
type TracingConfig struct {
	OTLPEndpoint string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string  `envconfig:"OTEL_SERVICE_NAME" default:"ridewallet"`
	SampleRatio  float64 `envconfig:"OTEL_SAMPLE_RATIO" default:"1.0"`
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Money.Currency = strings.ToUpper(cfg.Money.Currency)
	for i, cc := range cfg.KillSwitch.DisabledCountries {
		cfg.KillSwitch.DisabledCountries[i] = strings.ToUpper(strings.TrimSpace(cc))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.Money.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter code")
	}
	if !c.Money.RefundLimitMax.IsPositive() {
		return fmt.Errorf("REFUND_LIMITED_MAX must be positive")
	}
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.Money.ReconTolerance.IsNegative() {
		return fmt.Errorf("RECON_TOLERANCE must not be negative")
	}
	if c.Money.ReconEscalation.LessThan(c.Money.ReconTolerance) {
		return fmt.Errorf("RECON_ESCALATION must be >= RECON_TOLERANCE")
	}

	switch c.Chargeback.Liability {
	case "platform", "driver":
	default:
		return fmt.Errorf("CHARGEBACK_LIABILITY must be platform or driver")
	}
	switch c.Gateway.Provider {
	case "fake":
	case "stripe":
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when GATEWAY_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("GATEWAY_PROVIDER must be fake or stripe")
	}

	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.Gateway.Provider == "fake" {
			return fmt.Errorf("GATEWAY_PROVIDER=fake is not allowed in production")
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
