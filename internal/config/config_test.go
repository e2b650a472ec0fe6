package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

var envMu sync.Mutex

var configKeys = []string{
	"PORT", "WEBHOOK_URL", "WEBHOOK_TIMEOUT", "SECRET_WORD", "JWT_SECRET",
	"SESSION_PATH", "CLIENT_STORE_PATH", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"QUEUE_NAME", "RATE_DELAY", "DATABASE_URL", "S3_ENDPOINT", "S3_ACCESS_KEY",
	"S3_SECRET_KEY", "S3_BUCKET", "S3_REGION", "S3_USE_SSL", "S3_URL_TTL", "LOG_LEVEL",
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	// Run from an empty directory so a developer's .env never leaks in.
	t.Chdir(t.TempDir())
	for _, k := range configKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()
	clearTestEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Address != ":3000" {
		t.Fatalf("unexpected Server.Address default: %q", cfg.Server.Address)
	}
	if cfg.Queue.Name != "whatsapp-messages" {
		t.Fatalf("unexpected Queue.Name default: %q", cfg.Queue.Name)
	}
	if cfg.Queue.RateDelay != 500*time.Millisecond {
		t.Fatalf("unexpected Queue.RateDelay default: %v", cfg.Queue.RateDelay)
	}
	if cfg.Webhook.Timeout != 5*time.Second {
		t.Fatalf("unexpected Webhook.Timeout default: %v", cfg.Webhook.Timeout)
	}
	if cfg.Webhook.URL != "" {
		t.Fatalf("expected relay disabled by default, got %q", cfg.Webhook.URL)
	}
	if want := filepath.Join("./.wa_session", "whatsmeow.db"); cfg.Session.StorePath != want {
		t.Fatalf("unexpected Session.StorePath: %q want %q", cfg.Session.StorePath, want)
	}
	if cfg.Database.Enabled() || cfg.Storage.Enabled() {
		t.Fatalf("expected optional backends disabled")
	}
}

func TestLoad_Overrides(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()
	clearTestEnv(t)

	t.Setenv("PORT", "8081")
	t.Setenv("SECRET_WORD", "open-sesame")
	t.Setenv("JWT_SECRET", strings.Repeat("k", 32))
	t.Setenv("SESSION_PATH", "/data/session")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("RATE_DELAY", "2s")
	t.Setenv("WEBHOOK_URL", "https://example.com/hook")
	t.Setenv("S3_ENDPOINT", "minio:9000")
	t.Setenv("S3_USE_SSL", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Address != ":8081" {
		t.Fatalf("unexpected address: %q", cfg.Server.Address)
	}
	if cfg.Auth.SecretWord != "open-sesame" || len(cfg.Auth.SigningKey) != 32 {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.Session.StorePath != filepath.Join("/data/session", "whatsmeow.db") {
		t.Fatalf("store path should follow SESSION_PATH, got %q", cfg.Session.StorePath)
	}
	if cfg.Redis.Address != "redis:6379" || cfg.Redis.DB != 3 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Queue.RateDelay != 2*time.Second {
		t.Fatalf("unexpected rate delay: %v", cfg.Queue.RateDelay)
	}
	if !cfg.Storage.Enabled() || !cfg.Storage.UseSSL {
		t.Fatalf("expected storage enabled with SSL: %+v", cfg.Storage)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "redis db", key: "REDIS_DB", val: "three"},
		{name: "rate delay", key: "RATE_DELAY", val: "soon"},
		{name: "ssl flag", key: "S3_USE_SSL", val: "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envMu.Lock()
			defer envMu.Unlock()
			clearTestEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.val)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Fatalf("error should name %s, got %v", tt.key, err)
			}
		})
	}
}

func TestLoad_NonPositiveRateDelayFallsBack(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()
	clearTestEnv(t)
	t.Setenv("RATE_DELAY", "0s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Queue.RateDelay != 500*time.Millisecond {
		t.Fatalf("expected default rate delay, got %v", cfg.Queue.RateDelay)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()
	clearTestEnv(t)

	if err := os.WriteFile(".env", []byte("SECRET_WORD=from-dotenv\nQUEUE_NAME=outbox\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("SECRET_WORD")
		os.Unsetenv("QUEUE_NAME")
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Auth.SecretWord != "from-dotenv" || cfg.Queue.Name != "outbox" {
		t.Fatalf("expected values from .env, got %+v %+v", cfg.Auth, cfg.Queue)
	}
}
