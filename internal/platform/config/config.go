// Package config loads gatekeeper's configuration from defaults, an
// optional YAML overlay, and environment variables, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP harness (internal/transport/httpapi).
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// KVPoolConfig configures one of the two keyed-store connection pools
// described in §4.1 (primary vs. worker).
type KVPoolConfig struct {
	MinConns       int `json:"min_conns" env:"MIN_CONNS"`
	MaxConns       int `json:"max_conns" env:"MAX_CONNS"`
	AcquireTimeout int `json:"acquire_timeout_ms" env:"ACQUIRE_TIMEOUT_MS"`
}

// KVConfig controls the keyed store client (C1).
type KVConfig struct {
	URL         string       `json:"url" env:"KV_URL"`
	Password    string       `json:"-" env:"KV_PASSWORD"`
	Environment string       `json:"environment" env:"KV_ENVIRONMENT"`
	LeakMS      int          `json:"leak_ms" env:"LEAK_MS"`
	Primary     KVPoolConfig `json:"primary" env:"KV_PRIMARY"`
	Worker      KVPoolConfig `json:"worker" env:"KV_WORKER"`
}

// AccountPoolConfig controls C6/C7/C8/C9.
type AccountPoolConfig struct {
	Strategy                  string `json:"strategy" env:"POOL_STRATEGY"`
	OpenThreshold             int    `json:"open_threshold" env:"CB_OPEN_THRESHOLD"`
	HalfOpenAfterMS           int    `json:"half_open_after_ms" env:"CB_HALF_OPEN_AFTER_MS"`
	HalfOpenSuccessesRequired int    `json:"half_open_successes_required" env:"CB_HALF_OPEN_SUCCESSES"`
}

// CacheConfig controls C3 stampede protection.
type CacheConfig struct {
	HotCacheTTLMS     int `json:"hot_cache_ttl_ms" env:"HOT_CACHE_TTL_MS"`
	StampedeLockTTLMS int `json:"stampede_lock_ttl_ms" env:"STAMPEDE_LOCK_TTL_MS"`
	RetryIntervalMS   int `json:"retry_interval_ms" env:"CACHE_RETRY_INTERVAL_MS"`
	MaxWaitMS         int `json:"max_wait_ms" env:"CACHE_MAX_WAIT_MS"`
}

// WebhookConfig holds C13 settings. Only RetryMoverMS is read (by
// cmd/gatekeeper's retry mover); internal/webhook uses its own MaxRetries
// constant and a fixed 30s delivery timeout and does not read MaxRetries
// or SendTimeoutMS.
type WebhookConfig struct {
	MaxRetries     int `json:"max_retries" env:"WEBHOOK_MAX_RETRIES"`
	SendTimeoutMS  int `json:"send_timeout_ms" env:"WEBHOOK_SEND_TIMEOUT_MS"`
	RetryMoverMS   int `json:"retry_mover_interval_ms" env:"WEBHOOK_RETRY_MOVER_MS"`
}

// BudgetConfig holds C12 alert-threshold percentages. internal/budget
// classifies usage against its own fixed 80/90/100 threshold constants
// and does not read these fields.
type BudgetConfig struct {
	WarningPercent  float64 `json:"warning_percent" env:"BUDGET_WARNING_PERCENT"`
	CriticalPercent float64 `json:"critical_percent" env:"BUDGET_CRITICAL_PERCENT"`
}

// ProviderLimitConfig controls C11 retry/backoff.
type ProviderLimitConfig struct {
	MaxRetries       int `json:"max_retries" env:"PROVIDER_MAX_RETRIES"`
	BaseBackoffMS    int `json:"base_backoff_ms" env:"PROVIDER_BASE_BACKOFF_MS"`
	MaxBackoffMS     int `json:"max_backoff_ms" env:"PROVIDER_MAX_BACKOFF_MS"`
	OAuthRefreshMS   int `json:"oauth_refresh_timeout_ms" env:"OAUTH_REFRESH_TIMEOUT_MS"`
}

// DatabaseConfig controls the Organization/Account relational store.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"-" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// ConnectionString builds a libpq connection string from discrete fields.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// ServiceAuthConfig controls bearer-token auth on the HTTP harness.
type ServiceAuthConfig struct {
	JWTSecret string `json:"-" env:"SERVICE_AUTH_JWT_SECRET"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig        `json:"server"`
	KV            KVConfig            `json:"kv"`
	AccountPool   AccountPoolConfig   `json:"account_pool"`
	Cache         CacheConfig         `json:"cache"`
	Webhook       WebhookConfig       `json:"webhook"`
	Budget        BudgetConfig        `json:"budget"`
	ProviderLimit ProviderLimitConfig `json:"provider_limit"`
	Database      DatabaseConfig      `json:"database"`
	Logging       LoggingConfig       `json:"logging"`
	ServiceAuth   ServiceAuthConfig   `json:"service_auth"`
}

// New returns a Config populated with defaults matching §4 of SPEC_FULL.md.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		KV: KVConfig{
			Environment: "dev",
			LeakMS:      30_000,
			Primary:     KVPoolConfig{MinConns: 2, MaxConns: 20, AcquireTimeout: 5_000},
			Worker:      KVPoolConfig{MinConns: 1, MaxConns: 10, AcquireTimeout: 5_000},
		},
		AccountPool: AccountPoolConfig{
			Strategy:                  "least-loaded",
			OpenThreshold:             5,
			HalfOpenAfterMS:           30_000,
			HalfOpenSuccessesRequired: 3,
		},
		Cache: CacheConfig{
			HotCacheTTLMS:     30_000,
			StampedeLockTTLMS: 10_000,
			RetryIntervalMS:   50,
			MaxWaitMS:         5_000,
		},
		Webhook: WebhookConfig{
			MaxRetries:    5,
			SendTimeoutMS: 30_000,
			RetryMoverMS:  5_000,
		},
		Budget: BudgetConfig{WarningPercent: 80, CriticalPercent: 90},
		ProviderLimit: ProviderLimitConfig{
			MaxRetries:     3,
			BaseBackoffMS:  1_000,
			MaxBackoffMS:   60_000,
			OAuthRefreshMS: 10_000,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load loads configuration from a .env file (if present), an optional YAML
// overlay, then environment variables, in that order — matching the
// teacher's pkg/config sequencing.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, layered over defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(asJSON, cfg)
}

// applyDatabaseURLOverride lets DATABASE_URL override a file-based DSN, the
// same override the teacher's cmd/appserver applies for setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
