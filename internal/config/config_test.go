package config

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"CHANNEL_HOST", "CHANNEL_PORT", "SERVER_ENV", "LOG_LEVEL",
		"JWT_SECRET", "JWT_XOR_KEY",
		"CHANNEL_WORKER_NUM", "CHANNEL_TASK_WORKER_NUM", "CHANNEL_TASK_QUEUE_SIZE", "CHANNEL_TASK_TIMEOUT",
		"CHANNEL_ALLOWED_ORIGINS", "CHANNEL_AUTH_TIMEOUT",
		"CHANNEL_HEARTBEAT_IDLE", "CHANNEL_HEARTBEAT_INTERVAL", "CHANNEL_MAX_FRAME_BYTES",
		"CHANNEL_RATE_LIMIT_PER_SEC", "CHANNEL_RATE_LIMIT_BURST",
		"DEVICE_FINGERPRINT_MODE", "CHANNEL_SYSTEM_KEY", "TRUST_PROXY",
		"TABLE_SUBSCRIPTIONS_CAP", "TABLE_AUTH_CAP", "TABLE_RATE_CAP", "TABLE_CACHE_CAP",
		"CORS_ALLOWED_ORIGINS", "CORS_ALLOWED_METHODS", "CORS_ALLOWED_HEADERS",
		"DATABASE_URL", "DATABASE_MAX_CONNS", "DATABASE_MIN_CONNS",
		"REDIS_URL", "CHANNEL_EVENTS_CHANNEL",
		"PENDING_MAX_PER_ACCOUNT", "PENDING_TTL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

// TestLoadDefaults is not t.Parallel because it mutates process-wide environment variables.
func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("JWT_XOR_KEY", "xor-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want %q", cfg.Host, "127.0.0.1")
	}
	if cfg.Port != 8000 {
		t.Errorf("Port = %d, want 8000", cfg.Port)
	}
	if cfg.Addr() != "127.0.0.1:8000" {
		t.Errorf("Addr() = %q, want %q", cfg.Addr(), "127.0.0.1:8000")
	}
	if cfg.AuthTimeout != 10*time.Second {
		t.Errorf("AuthTimeout = %v, want 10s", cfg.AuthTimeout)
	}
	if cfg.RateLimitPerSec != 20 {
		t.Errorf("RateLimitPerSec = %v, want 20", cfg.RateLimitPerSec)
	}
	if cfg.RateLimitBurst != 30 {
		t.Errorf("RateLimitBurst = %v, want 30", cfg.RateLimitBurst)
	}
	if cfg.FingerprintMode != FingerprintLog {
		t.Errorf("FingerprintMode = %q, want %q", cfg.FingerprintMode, FingerprintLog)
	}
	if cfg.SubscriptionsCap != 10240 {
		t.Errorf("SubscriptionsCap = %d, want 10240", cfg.SubscriptionsCap)
	}
	if cfg.AuthCap != 65536 {
		t.Errorf("AuthCap = %d, want 65536", cfg.AuthCap)
	}
	if cfg.MaxFrameBytes != 1<<20 {
		t.Errorf("MaxFrameBytes = %d, want %d", cfg.MaxFrameBytes, 1<<20)
	}
	if cfg.HeartbeatIdle != 65*time.Second {
		t.Errorf("HeartbeatIdle = %v, want 65s", cfg.HeartbeatIdle)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Errorf("AllowedOrigins = %v, want empty", cfg.AllowedOrigins)
	}
	if cfg.WorkerNum < 2 {
		t.Errorf("WorkerNum = %d, want at least 2", cfg.WorkerNum)
	}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true by default")
	}
}

func TestLoadRequiresBothSecrets(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for missing secrets")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Errorf("error %q does not mention JWT_SECRET", err.Error())
	}
	if !strings.Contains(err.Error(), "JWT_XOR_KEY") {
		t.Errorf("error %q does not mention JWT_XOR_KEY", err.Error())
	}

	// A secret alone is not enough; the XOR key is equally mandatory.
	t.Setenv("JWT_SECRET", testSecret)
	_, err = Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for missing JWT_XOR_KEY")
	}
	if !strings.Contains(err.Error(), "JWT_XOR_KEY") {
		t.Errorf("error %q does not mention JWT_XOR_KEY", err.Error())
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("JWT_XOR_KEY", "xor-key")
	t.Setenv("CHANNEL_PORT", "9100")
	t.Setenv("CHANNEL_AUTH_TIMEOUT", "3")
	t.Setenv("CHANNEL_RATE_LIMIT_PER_SEC", "2.5")
	t.Setenv("CHANNEL_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("DEVICE_FINGERPRINT_MODE", "strict")
	t.Setenv("TRUST_PROXY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Port)
	}
	if cfg.AuthTimeout != 3*time.Second {
		t.Errorf("AuthTimeout = %v, want 3s", cfg.AuthTimeout)
	}
	if cfg.RateLimitPerSec != 2.5 {
		t.Errorf("RateLimitPerSec = %v, want 2.5", cfg.RateLimitPerSec)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v, want 2 entries", cfg.AllowedOrigins)
	}
	if cfg.AllowedOrigins[1] != "https://admin.example.com" {
		t.Errorf("AllowedOrigins[1] = %q, want trimmed origin", cfg.AllowedOrigins[1])
	}
	if cfg.FingerprintMode != FingerprintStrict {
		t.Errorf("FingerprintMode = %q, want strict", cfg.FingerprintMode)
	}
	if !cfg.TrustProxy {
		t.Error("TrustProxy = false, want true")
	}
}

func TestLoadInvalidValuesCollected(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("JWT_XOR_KEY", "xor-key")
	t.Setenv("CHANNEL_PORT", "not-a-number")
	t.Setenv("TRUST_PROXY", "not-a-bool")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse errors")
	}
	if !strings.Contains(err.Error(), "CHANNEL_PORT") {
		t.Errorf("error %q does not mention CHANNEL_PORT", err.Error())
	}
	if !strings.Contains(err.Error(), "TRUST_PROXY") {
		t.Errorf("error %q does not mention TRUST_PROXY", err.Error())
	}
}

func TestLoadRejectsUnknownFingerprintMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("JWT_XOR_KEY", "xor-key")
	t.Setenv("DEVICE_FINGERPRINT_MODE", "paranoid")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error")
	}
	if !strings.Contains(err.Error(), "DEVICE_FINGERPRINT_MODE") {
		t.Errorf("error %q does not mention DEVICE_FINGERPRINT_MODE", err.Error())
	}
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()

	open := &Config{}
	if !open.OriginAllowed("https://anywhere.example.com") {
		t.Error("empty allow-list rejected an origin")
	}

	cfg := &Config{AllowedOrigins: []string{"https://app.example.com"}}
	if !cfg.OriginAllowed("https://app.example.com") {
		t.Error("listed origin rejected")
	}
	if !cfg.OriginAllowed("HTTPS://APP.EXAMPLE.COM") {
		t.Error("origin comparison should be case-insensitive")
	}
	if cfg.OriginAllowed("https://evil.example.com") {
		t.Error("unlisted origin allowed")
	}
}
