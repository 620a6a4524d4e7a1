// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"healthdata-platform/backend/internal/security"
)

// Record store backends accepted by RECORD_STORE.
const (
	RecordStoreMemory   = "memory"
	RecordStorePostgres = "postgres"
	RecordStoreRedis    = "redis"
)

// minJWTSecretLength is the shortest HS256 secret accepted at startup.
const minJWTSecretLength = 32

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// HTTPAddr is the address of the ops HTTP server (/healthz, /metrics). Empty disables it.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN; required when RecordStore is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr is the Redis address; required when RecordStore is redis.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	// RecordStore selects the durable telemetry store: memory, postgres or redis.
	RecordStore string `mapstructure:"RECORD_STORE"`

	// JWTSecret is the HS256 signing secret, inline or a path to a file holding it. At least 32 characters.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTIssuer is the iss claim (e.g. "hdp-auth").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim (e.g. "hdp-api").
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "1h").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTClockSkew is the tolerated clock drift when checking exp/nbf (e.g. "1m").
	JWTClockSkew string `mapstructure:"JWT_CLOCK_SKEW"`
	// PermissionDomain prefixes resource permissions: <domain>:<resource>:<operation>.
	PermissionDomain string `mapstructure:"PERMISSION_DOMAIN"`
	// AccessPolicyFile is an optional Rego module evaluated as the default resource rule.
	AccessPolicyFile string `mapstructure:"ACCESS_POLICY_FILE"`

	// TelemetryOverflowEnabled turns on blob overflow for large telemetry payloads.
	TelemetryOverflowEnabled bool `mapstructure:"TELEMETRY_OVERFLOW_ENABLED"`
	// TelemetryOverflowThresholdBytes is the serialized payload size above which payloads overflow.
	TelemetryOverflowThresholdBytes int `mapstructure:"TELEMETRY_OVERFLOW_THRESHOLD_BYTES"`
	// TelemetryRetentionDays is the TTL applied to step and result records.
	TelemetryRetentionDays int `mapstructure:"TELEMETRY_RETENTION_DAYS"`
	// FeedbackRetentionDays is the TTL applied to user feedback records.
	FeedbackRetentionDays int `mapstructure:"FEEDBACK_RETENTION_DAYS"`
	// BlobDir is the directory of the filesystem overflow store. Empty keeps blobs in memory.
	BlobDir string `mapstructure:"BLOB_DIR"`
	// BlobEncryptionKey is an optional 32-byte key (hex or raw) for encrypting overflow blobs at rest.
	BlobEncryptionKey string `mapstructure:"BLOB_ENCRYPTION_KEY"`

	// SessionMaxAge is the age after which the sweeper fails an active telemetry session (e.g. "30m").
	SessionMaxAge string `mapstructure:"SESSION_MAX_AGE"`
	// SweepInterval is how often the sweeper runs (e.g. "1m").
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`

	// OTLPEndpoint is the OpenTelemetry collector endpoint. Empty means no-op providers.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext gRPC to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is json or console.
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("HTTP_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("RECORD_STORE", RecordStoreMemory)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ISSUER", "hdp-auth")
	v.SetDefault("JWT_AUDIENCE", "hdp-api")
	v.SetDefault("JWT_ACCESS_TTL", "1h")
	v.SetDefault("JWT_CLOCK_SKEW", "1m")
	v.SetDefault("PERMISSION_DOMAIN", "fhir")
	v.SetDefault("ACCESS_POLICY_FILE", "")
	v.SetDefault("TELEMETRY_OVERFLOW_ENABLED", true)
	v.SetDefault("TELEMETRY_OVERFLOW_THRESHOLD_BYTES", 100000)
	v.SetDefault("TELEMETRY_RETENTION_DAYS", 90)
	v.SetDefault("FEEDBACK_RETENTION_DAYS", 365)
	v.SetDefault("BLOB_DIR", "")
	v.SetDefault("BLOB_ENCRYPTION_KEY", "")
	v.SetDefault("SESSION_MAX_AGE", "30m")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields. JWT settings are fatal when wrong: a short or missing
// secret or an unparsable lifetime or skew is never replaced with a default.
func (c *Config) Validate() error {
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	if strings.TrimSpace(c.JWTIssuer) == "" {
		return errors.New("config: JWT_ISSUER must be set")
	}
	if strings.TrimSpace(c.JWTAudience) == "" {
		return errors.New("config: JWT_AUDIENCE must be set")
	}
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET must be set")
	}
	if !strings.HasPrefix(c.JWTSecret, "/") && len(c.JWTSecret) < minJWTSecretLength {
		return errors.New("config: JWT_SECRET must be at least 32 characters")
	}
	if d, err := time.ParseDuration(c.JWTAccessTTL); err != nil || d <= 0 {
		return fmt.Errorf("config: JWT_ACCESS_TTL must be a positive duration, got %q", c.JWTAccessTTL)
	}
	if d, err := time.ParseDuration(c.JWTClockSkew); err != nil || d < 0 {
		return fmt.Errorf("config: JWT_CLOCK_SKEW must be a non-negative duration, got %q", c.JWTClockSkew)
	}
	if d, err := time.ParseDuration(c.SessionMaxAge); err != nil || d <= 0 {
		return fmt.Errorf("config: SESSION_MAX_AGE must be a positive duration, got %q", c.SessionMaxAge)
	}
	if d, err := time.ParseDuration(c.SweepInterval); err != nil || d <= 0 {
		return fmt.Errorf("config: SWEEP_INTERVAL must be a positive duration, got %q", c.SweepInterval)
	}
	// Role grants come from the built-in catalog, which only knows one domain.
	if c.PermissionDomain != security.CatalogDomain {
		return fmt.Errorf("config: PERMISSION_DOMAIN must be %q while roles are catalog-backed, got %q", security.CatalogDomain, c.PermissionDomain)
	}
	switch c.RecordStore {
	case RecordStoreMemory:
	case RecordStorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when RECORD_STORE=postgres")
		}
	case RecordStoreRedis:
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR must be set when RECORD_STORE=redis")
		}
	default:
		return errors.New("config: RECORD_STORE must be memory, postgres or redis")
	}
	if c.TelemetryOverflowThresholdBytes <= 0 {
		return errors.New("config: TELEMETRY_OVERFLOW_THRESHOLD_BYTES must be positive")
	}
	if c.TelemetryRetentionDays <= 0 || c.FeedbackRetentionDays <= 0 {
		return errors.New("config: retention days must be positive")
	}
	return nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 1h if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, time.Hour)
}

// ClockSkew parses JWTClockSkew. Returns 1m if unset or invalid; zero is allowed.
func (c *Config) ClockSkew() time.Duration {
	d, err := time.ParseDuration(c.JWTClockSkew)
	if err != nil || d < 0 {
		return time.Minute
	}
	return d
}

// MaxSessionAge parses SessionMaxAge. Returns 30m if unset or invalid.
func (c *Config) MaxSessionAge() time.Duration {
	return parseDuration(c.SessionMaxAge, 30*time.Minute)
}

// SweepEvery parses SweepInterval. Returns 1m if unset or invalid.
func (c *Config) SweepEvery() time.Duration {
	return parseDuration(c.SweepInterval, time.Minute)
}

// TelemetryRetention returns the TTL for step and result records.
func (c *Config) TelemetryRetention() time.Duration {
	return time.Duration(c.TelemetryRetentionDays) * 24 * time.Hour
}

// FeedbackRetention returns the TTL for feedback records.
func (c *Config) FeedbackRetention() time.Duration {
	return time.Duration(c.FeedbackRetentionDays) * 24 * time.Hour
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
