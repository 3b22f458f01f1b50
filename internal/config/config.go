package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/smallwat3r/codedrop/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Env string // "development" or "production"

	// Server settings
	Port              string
	PublicURL         string // base URL for uploaded images, relative when empty
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	CORSOrigins       []string

	// Transfer settings
	TransferTTL      time.Duration
	ExpiredRetention time.Duration // how long expired records still answer 410
	ReadPolicy       string
	SweepInterval    time.Duration // 0 disables the sweeper

	// Storage settings
	Store               string // "redis" or "memory"
	RedisURL            string
	RedisPoolSize       int
	RedisMinIdle        int
	RedisDialTimeout    time.Duration
	RedisReadTimeout    time.Duration
	RedisWriteTimeout   time.Duration
	RedisPoolTimeout    time.Duration
	RedisConnectTimeout time.Duration // startup retry budget

	// Blob settings
	BlobStore   string // "disk", "s3" or "memory"
	UploadDir   string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Endpoint  string

	// Email settings
	ResendAPIKey  string
	EmailFrom     string
	NotifyTimeout time.Duration

	SentryDSN string

	// Shutdown settings
	ShutdownTimeout time.Duration

	// Security settings
	RequireHTTPS bool // enforce HTTPS with HSTS header (disable with NO_HTTPS=1)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Env: "production",

		Port:              "8080",
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
		CORSOrigins:       []string{"*"},

		TransferTTL:      domain.DefaultTTL,
		ExpiredRetention: domain.DefaultExpiredRetention,
		ReadPolicy:       "read-many",
		SweepInterval:    time.Minute,

		Store:               "redis",
		RedisURL:            "redis://localhost:6379/0",
		RedisPoolSize:       10,
		RedisMinIdle:        2,
		RedisDialTimeout:    5 * time.Second,
		RedisReadTimeout:    3 * time.Second,
		RedisWriteTimeout:   3 * time.Second,
		RedisPoolTimeout:    4 * time.Second,
		RedisConnectTimeout: 30 * time.Second,

		BlobStore: "disk",
		UploadDir: "uploads",
		S3Region:  "us-east-1",

		EmailFrom:     "codedrop <noreply@codedrop.dev>",
		NotifyTimeout: 10 * time.Second,

		ShutdownTimeout: 5 * time.Second,

		RequireHTTPS: true, // secure default: enforce HTTPS
	}
}

// Load reads configuration from a .env file, if present, and environment
// variables, and validates it. Variables already set in the environment
// take precedence over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg := DefaultConfig()

	if env := os.Getenv("APP_ENV"); env != "" {
		if env != "development" && env != "production" {
			return Config{}, errors.New("APP_ENV must be development or production")
		}
		cfg.Env = env
	}

	// Server settings
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return Config{}, fmt.Errorf("PORT must be a valid number: %w", err)
		}
		cfg.Port = port
	}

	if publicURL := os.Getenv("PUBLIC_URL"); publicURL != "" {
		u, err := url.Parse(publicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Config{}, errors.New("PUBLIC_URL must be an absolute URL")
		}
		cfg.PublicURL = strings.TrimRight(publicURL, "/")
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	// Transfer settings
	if err := durationVar("TRANSFER_TTL", &cfg.TransferTTL, false); err != nil {
		return Config{}, err
	}
	if err := durationVar("EXPIRED_RETENTION", &cfg.ExpiredRetention, true); err != nil {
		return Config{}, err
	}
	if err := durationVar("SWEEP_INTERVAL", &cfg.SweepInterval, true); err != nil {
		return Config{}, err
	}

	if policy := os.Getenv("READ_POLICY"); policy != "" {
		if policy != "read-many" && policy != "consume-once" {
			return Config{}, errors.New("READ_POLICY must be read-many or consume-once")
		}
		cfg.ReadPolicy = policy
	}

	// Storage settings
	if store := os.Getenv("STORE"); store != "" {
		if store != "redis" && store != "memory" {
			return Config{}, errors.New("STORE must be redis or memory")
		}
		cfg.Store = store
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	if poolSize := os.Getenv("REDIS_POOL_SIZE"); poolSize != "" {
		size, err := strconv.Atoi(poolSize)
		if err != nil || size < 1 {
			return Config{}, errors.New("REDIS_POOL_SIZE must be a positive integer")
		}
		cfg.RedisPoolSize = size
	}

	if minIdle := os.Getenv("REDIS_MIN_IDLE"); minIdle != "" {
		idle, err := strconv.Atoi(minIdle)
		if err != nil || idle < 0 {
			return Config{}, errors.New("REDIS_MIN_IDLE must be a non-negative integer")
		}
		cfg.RedisMinIdle = idle
	}

	if err := durationVar("REDIS_CONNECT_TIMEOUT", &cfg.RedisConnectTimeout, false); err != nil {
		return Config{}, err
	}

	// Blob settings
	if blobStore := os.Getenv("BLOB_STORE"); blobStore != "" {
		if blobStore != "disk" && blobStore != "s3" && blobStore != "memory" {
			return Config{}, errors.New("BLOB_STORE must be disk, s3 or memory")
		}
		cfg.BlobStore = blobStore
	}

	if dir := os.Getenv("UPLOAD_DIR"); dir != "" {
		cfg.UploadDir = dir
	}
	if region := os.Getenv("S3_REGION"); region != "" {
		cfg.S3Region = region
	}
	cfg.S3Bucket = os.Getenv("S3_BUCKET")
	cfg.S3AccessKey = os.Getenv("S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("S3_SECRET_KEY")
	cfg.S3Endpoint = os.Getenv("S3_ENDPOINT")

	if cfg.BlobStore == "s3" && cfg.S3Bucket == "" {
		return Config{}, errors.New("S3_BUCKET is required when BLOB_STORE=s3")
	}

	// Email settings
	cfg.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	if from := os.Getenv("EMAIL_FROM"); from != "" {
		cfg.EmailFrom = from
	}
	if err := durationVar("NOTIFY_TIMEOUT", &cfg.NotifyTimeout, false); err != nil {
		return Config{}, err
	}

	cfg.SentryDSN = os.Getenv("SENTRY_DSN")

	// Shutdown settings
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		dur, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf(
				"SHUTDOWN_TIMEOUT must be a valid duration: %w", err)
		}
		cfg.ShutdownTimeout = dur
	}

	// Security settings
	if noHTTPS := os.Getenv("NO_HTTPS"); noHTTPS == "1" || noHTTPS == "true" {
		cfg.RequireHTTPS = false
	}

	return cfg, nil
}

// durationVar overwrites dst with the duration in env var key, when set.
func durationVar(key string, dst *time.Duration, allowZero bool) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	if dur < 0 || (dur == 0 && !allowZero) {
		return fmt.Errorf("%s must be positive", key)
	}
	*dst = dur
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsDev reports whether the app runs in development mode.
func (c Config) IsDev() bool {
	return c.Env == "development"
}

// ListenAddr returns the address string for the HTTP server.
func (c Config) ListenAddr() string {
	return ":" + c.Port
}
