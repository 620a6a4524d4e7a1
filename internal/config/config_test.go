package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// setBaseEnv clears the environment and sets the minimum needed for Load to succeed.
func setBaseEnv(t *testing.T) {
	t.Helper()
	os.Clearenv()
	t.Setenv("GRPC_ADDR", ":8080")
	t.Setenv("JWT_SECRET", testSecret)
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != ":8080" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":8080")
	}
	if cfg.JWTIssuer != "hdp-auth" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "hdp-auth")
	}
	if cfg.JWTAudience != "hdp-api" {
		t.Errorf("JWTAudience = %q, want %q", cfg.JWTAudience, "hdp-api")
	}
	if cfg.RecordStore != RecordStoreMemory {
		t.Errorf("RecordStore = %q, want %q", cfg.RecordStore, RecordStoreMemory)
	}
	if cfg.PermissionDomain != "fhir" {
		t.Errorf("PermissionDomain = %q, want fhir", cfg.PermissionDomain)
	}
	if cfg.AccessPolicyFile != "" {
		t.Errorf("AccessPolicyFile = %q, want empty", cfg.AccessPolicyFile)
	}
	if !cfg.TelemetryOverflowEnabled {
		t.Error("TelemetryOverflowEnabled should default to true")
	}
	if cfg.TelemetryOverflowThresholdBytes != 100000 {
		t.Errorf("TelemetryOverflowThresholdBytes = %d, want 100000", cfg.TelemetryOverflowThresholdBytes)
	}
	if cfg.TelemetryRetention() != 90*24*time.Hour {
		t.Errorf("TelemetryRetention = %v, want 90d", cfg.TelemetryRetention())
	}
	if cfg.FeedbackRetention() != 365*24*time.Hour {
		t.Errorf("FeedbackRetention = %v, want 365d", cfg.FeedbackRetention())
	}
	if cfg.AccessTTL() != time.Hour {
		t.Errorf("AccessTTL = %v, want 1h", cfg.AccessTTL())
	}
	if cfg.ClockSkew() != time.Minute {
		t.Errorf("ClockSkew = %v, want 1m", cfg.ClockSkew())
	}
	if cfg.MaxSessionAge() != 30*time.Minute {
		t.Errorf("MaxSessionAge = %v, want 30m", cfg.MaxSessionAge())
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("GRPC_ADDR", ":9091")
	t.Setenv("JWT_ISSUER", "custom-issuer")
	t.Setenv("TELEMETRY_OVERFLOW_ENABLED", "false")
	t.Setenv("TELEMETRY_OVERFLOW_THRESHOLD_BYTES", "2048")
	t.Setenv("JWT_CLOCK_SKEW", "0s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != ":9091" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":9091")
	}
	if cfg.JWTIssuer != "custom-issuer" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "custom-issuer")
	}
	if cfg.TelemetryOverflowEnabled {
		t.Error("TelemetryOverflowEnabled should be false")
	}
	if cfg.TelemetryOverflowThresholdBytes != 2048 {
		t.Errorf("TelemetryOverflowThresholdBytes = %d, want 2048", cfg.TelemetryOverflowThresholdBytes)
	}
	if cfg.ClockSkew() != 0 {
		t.Errorf("ClockSkew = %v, want 0", cfg.ClockSkew())
	}
}

func TestLoad_JWTSecretRejected(t *testing.T) {
	testCases := []struct {
		name   string
		secret string
		want   string
	}{
		{"empty", "", "JWT_SECRET must be set"},
		{"short", "too-short-secret", "at least 32 characters"},
		{"31 chars", strings.Repeat("a", 31), "at least 32 characters"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv("JWT_SECRET", tc.secret)

			cfg, err := Load()
			if err == nil {
				t.Fatal("Load should reject the secret")
			}
			if cfg != nil {
				t.Error("Load should return nil config on error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tc.want)
			}
		})
	}
}

func TestLoad_EmptyIssuerOrAudience(t *testing.T) {
	for _, key := range []string{"JWT_ISSUER", "JWT_AUDIENCE"} {
		t.Run(key, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(key, "  ")
			if _, err := Load(); err == nil {
				t.Fatalf("Load should fail when %s is blank", key)
			}
		})
	}
}

func TestLoad_RecordStore(t *testing.T) {
	testCases := []struct {
		name  string
		env   map[string]string
		valid bool
	}{
		{"memory", map[string]string{"RECORD_STORE": "memory"}, true},
		{"postgres without dsn", map[string]string{"RECORD_STORE": "postgres"}, false},
		{"postgres with dsn", map[string]string{"RECORD_STORE": "postgres", "DATABASE_URL": "postgres://localhost/hdp"}, true},
		{"redis without addr", map[string]string{"RECORD_STORE": "redis"}, false},
		{"redis with addr", map[string]string{"RECORD_STORE": "redis", "REDIS_ADDR": "localhost:6379"}, true},
		{"unknown", map[string]string{"RECORD_STORE": "dynamo"}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if tc.valid && err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !tc.valid && err == nil {
				t.Fatal("Load should return error")
			}
		})
	}
}

func TestLoad_RetentionMustBePositive(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("FEEDBACK_RETENTION_DAYS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("Load should reject zero retention")
	}
}

func TestLoad_MalformedDurationsRejected(t *testing.T) {
	testCases := []struct {
		key, value string
	}{
		{"JWT_ACCESS_TTL", "ten-minutes"},
		{"JWT_ACCESS_TTL", "0"},
		{"JWT_ACCESS_TTL", "-5m"},
		{"JWT_CLOCK_SKEW", "oops"},
		{"JWT_CLOCK_SKEW", "-1s"},
		{"SESSION_MAX_AGE", "forever"},
		{"SWEEP_INTERVAL", "0s"},
	}
	for _, tc := range testCases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load: expected error for %s=%q", tc.key, tc.value)
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Errorf("error %q should name %s", err.Error(), tc.key)
			}
		})
	}
}

func TestLoad_ZeroClockSkewAllowed(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("JWT_CLOCK_SKEW", "0s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClockSkew() != 0 {
		t.Errorf("ClockSkew = %v, want 0", cfg.ClockSkew())
	}
}

func TestLoad_PermissionDomainMustMatchCatalog(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PERMISSION_DOMAIN", "dicom")
	_, err := Load()
	if err == nil {
		t.Fatal("Load: expected error for a domain the role catalog does not grant")
	}
	if !strings.Contains(err.Error(), "PERMISSION_DOMAIN") {
		t.Errorf("error %q should name PERMISSION_DOMAIN", err.Error())
	}
}

func TestAccessTTL_InvalidDuration(t *testing.T) {
	testCases := []string{"invalid", "0", "-5m"}
	for _, v := range testCases {
		t.Run(v, func(t *testing.T) {
			cfg := &Config{JWTAccessTTL: v}
			if ttl := cfg.AccessTTL(); ttl != time.Hour {
				t.Errorf("AccessTTL = %v, want %v (default)", ttl, time.Hour)
			}
		})
	}
}

func TestSweepEvery(t *testing.T) {
	cfg := &Config{SweepInterval: "15s"}
	if d := cfg.SweepEvery(); d != 15*time.Second {
		t.Errorf("SweepEvery = %v, want 15s", d)
	}
	cfg.SweepInterval = "nope"
	if d := cfg.SweepEvery(); d != time.Minute {
		t.Errorf("SweepEvery = %v, want 1m (default)", d)
	}
}
