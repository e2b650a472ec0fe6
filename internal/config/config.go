// Package config centralizes how wagate reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the gateway. Each section maps
// to one collaborator so constructors only receive what they need.
type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Session  SessionConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Webhook  WebhookConfig
	Database DatabaseConfig
	Storage  StorageConfig
	LogLevel string
}

type ServerConfig struct {
	Address string
}

// AuthConfig holds the login secret and the token signing key. The signing key
// is validated by the auth gate on each use, not here.
type AuthConfig struct {
	SecretWord string
	SigningKey string
}

type SessionConfig struct {
	// Dir is the credential directory. Reset wipes its contents, never the
	// directory itself.
	Dir string
	// StorePath is the sqlite file backing the chat client's device store.
	StorePath string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type QueueConfig struct {
	Name      string
	RateDelay time.Duration
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

type DatabaseConfig struct {
	URL string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	URLTTL    time.Duration
}

// Enabled reports whether the optional ledger database is configured.
func (d DatabaseConfig) Enabled() bool { return d.URL != "" }

// Enabled reports whether inbound media should be archived to object storage.
func (s StorageConfig) Enabled() bool { return s.Endpoint != "" }

const (
	defaultPort           = "3000"
	defaultSessionDir     = "./.wa_session"
	defaultStoreFile      = "whatsmeow.db"
	defaultRedisAddress   = "localhost:6379"
	defaultQueueName      = "whatsapp-messages"
	defaultRateDelay      = 500 * time.Millisecond
	defaultWebhookTimeout = 5 * time.Second
	defaultBucket         = "wagate-media"
	defaultRegion         = "us-east-1"
	defaultURLTTL         = 24 * time.Hour
	defaultLogLevel       = "info"
)

// Load reads configuration from the environment, after loading a .env file
// when one exists in the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var errs []error
	sessionDir := readEnv("SESSION_PATH", defaultSessionDir)
	cfg := &Config{
		Server: ServerConfig{
			Address: ":" + readEnv("PORT", defaultPort),
		},
		Auth: AuthConfig{
			SecretWord: os.Getenv("SECRET_WORD"),
			SigningKey: os.Getenv("JWT_SECRET"),
		},
		Session: SessionConfig{
			Dir:       sessionDir,
			StorePath: readEnv("CLIENT_STORE_PATH", filepath.Join(sessionDir, defaultStoreFile)),
		},
		Redis: RedisConfig{
			Address:  readEnv("REDIS_ADDR", defaultRedisAddress),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       parseInt("REDIS_DB", 0, &errs),
		},
		Queue: QueueConfig{
			Name:      readEnv("QUEUE_NAME", defaultQueueName),
			RateDelay: parseDuration("RATE_DELAY", defaultRateDelay, &errs),
		},
		Webhook: WebhookConfig{
			URL:     os.Getenv("WEBHOOK_URL"),
			Timeout: parseDuration("WEBHOOK_TIMEOUT", defaultWebhookTimeout, &errs),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Storage: StorageConfig{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    readEnv("S3_BUCKET", defaultBucket),
			Region:    readEnv("S3_REGION", defaultRegion),
			UseSSL:    parseBool("S3_USE_SSL", false, &errs),
			URLTTL:    parseDuration("S3_URL_TTL", defaultURLTTL, &errs),
		},
		LogLevel: readEnv("LOG_LEVEL", defaultLogLevel),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Queue.RateDelay <= 0 {
		cfg.Queue.RateDelay = defaultRateDelay
	}
	if cfg.Webhook.Timeout <= 0 {
		cfg.Webhook.Timeout = defaultWebhookTimeout
	}
	if cfg.Storage.URLTTL <= 0 {
		cfg.Storage.URLTTL = defaultURLTTL
	}
	return cfg, nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt(key string, def int, errs *[]error) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid int for %s: %q", key, v))
		return def
	}
	return parsed
}

func parseDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid duration for %s: %q", key, v))
		return def
	}
	return parsed
}

func parseBool(key string, def bool, errs *[]error) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid bool for %s: %q", key, v))
		return def
	}
	return parsed
}
