// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `yaml:"port"`
	Env       string `yaml:"env"` // "development", "staging", "production"
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"

	// Storage: the first one set wins (postgres, pebble, dynamodb), else in-memory
	DatabaseURL    string `yaml:"database_url"`
	AutoMigrate    bool   `yaml:"auto_migrate"`
	PebblePath     string `yaml:"pebble_path"`
	DynamoTable    string `yaml:"dynamodb_table"`
	AWSRegion      string `yaml:"aws_region"`
	DynamoEndpoint string `yaml:"dynamodb_endpoint"` // local DynamoDB, tests

	// Payment provider
	StripeSecretKey     string `yaml:"-"`
	StripeSecretParam   string `yaml:"stripe_secret_param"` // SSM parameter holding the key
	StripeWebhookSecret string `yaml:"-"`
	SiteURL             string `yaml:"site_url"`
	Currency            string `yaml:"currency"`

	// Escrow behaviour
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SettleLease   time.Duration `yaml:"settle_lease"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ReconcileCron string        `yaml:"reconcile_cron"`

	// Security
	AdminWallets []string `yaml:"admin_wallets"`
	RateLimitRPM int      `yaml:"rate_limit_rpm"`

	// Tracing
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultCurrency      = "eur"
	DefaultTTL           = 24 * time.Hour
	DefaultSettleLease   = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
	DefaultReconcileCron = "*/5 * * * *"
	DefaultRateLimit     = 100
	DefaultSiteURL       = "http://localhost:3000"
)

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	return &Config{
		Port:          DefaultPort,
		Env:           DefaultEnv,
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
		AutoMigrate:   true,
		Currency:      DefaultCurrency,
		SiteURL:       DefaultSiteURL,
		DefaultTTL:    DefaultTTL,
		SettleLease:   DefaultSettleLease,
		SweepInterval: DefaultSweepInterval,
		ReconcileCron: DefaultReconcileCron,
		RateLimitRPM:  DefaultRateLimit,
	}
}

// Load reads configuration. Precedence, lowest first: defaults, the YAML
// file named by CONFIG_FILE, a .env file, process environment.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.Env = getEnv("ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.AutoMigrate = getEnvBool("AUTO_MIGRATE", c.AutoMigrate)
	c.PebblePath = getEnv("PEBBLE_PATH", c.PebblePath)
	c.DynamoTable = getEnv("DYNAMODB_TABLE", c.DynamoTable)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	c.DynamoEndpoint = getEnv("DYNAMODB_ENDPOINT", c.DynamoEndpoint)
	c.StripeSecretKey = getEnv("STRIPE_SECRET_KEY", c.StripeSecretKey)
	c.StripeSecretParam = getEnv("STRIPE_SECRET_PARAM", c.StripeSecretParam)
	c.StripeWebhookSecret = getEnv("STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret)
	c.SiteURL = strings.TrimRight(getEnv("NEXT_PUBLIC_SITE_URL", getEnv("SITE_URL", c.SiteURL)), "/")
	c.Currency = strings.ToLower(getEnv("CURRENCY", c.Currency))
	c.DefaultTTL = getEnvDuration("DEFAULT_TTL", c.DefaultTTL)
	c.SettleLease = getEnvDuration("SETTLE_LEASE", c.SettleLease)
	c.SweepInterval = getEnvDuration("SWEEP_INTERVAL", c.SweepInterval)
	c.ReconcileCron = getEnv("RECONCILE_CRON", c.ReconcileCron)
	c.RateLimitRPM = int(getEnvInt64("RATE_LIMIT_RPM", int64(c.RateLimitRPM)))
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	if raw := getEnv("ADMIN_WALLETS", os.Getenv("ADMIN_WALLET")); raw != "" {
		c.AdminWallets = ParseList(raw)
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.Currency == "" || len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code, got %q", c.Currency)
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("DEFAULT_TTL must be positive")
	}
	if c.SettleLease <= 0 {
		return fmt.Errorf("SETTLE_LEASE must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.ReconcileCron == "" {
		return fmt.Errorf("RECONCILE_CRON is required")
	}
	if c.IsProduction() {
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if len(c.AdminWallets) == 0 {
			return fmt.Errorf("ADMIN_WALLETS is required in production")
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

// ParseList splits a comma-separated list, trimming blanks
func ParseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
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
