package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	AdminUser     string
	AdminPassword string

	DatabaseURL string `validate:"required"`
	ListenAddr  string `validate:"required"`
	LogLevel    string `validate:"omitempty,oneof=debug info warn error"`

	// APIKeyPepper keys the API key digest. Changing it invalidates every
	// issued key.
	APIKeyPepper string

	// TrustProxy makes the first X-Forwarded-For hop the source IP.
	TrustProxy bool

	// RetentionDays bounds how long ingested records are kept. 0 keeps
	// them forever.
	RetentionDays int `validate:"gte=0"`

	IdentityCacheTTL   time.Duration `validate:"gt=0"`
	EndpointCacheTTL   time.Duration `validate:"gt=0"`
	CacheSweepInterval time.Duration `validate:"gt=0"`

	// StoreTimeout bounds every synchronous store call on the request path.
	StoreTimeout time.Duration `validate:"gt=0"`

	RateLimitHourly       int    `validate:"gte=0"`
	RateLimitDaily        int    `validate:"gte=0"`
	RateLimitStore        string `validate:"oneof=memory db"`
	RateLimitOnStoreError string `validate:"oneof=open closed"`

	MaxPayloadBytes int `validate:"gt=0"`

	WebhookWorkers    int           `validate:"gt=0"`
	WebhookQueueSize  int           `validate:"gt=0"`
	WebhookTimeout    time.Duration `validate:"gt=0"`
	WebhookMaxRetries int           `validate:"gt=0,lte=20"`
	WebhookBaseDelay  time.Duration `validate:"gt=0"`
	WebhookMaxDelay   time.Duration `validate:"gtefield=WebhookBaseDelay"`
	WebhookRatePerMin int           `validate:"gte=0"`
}

var validate = validator.New()

// Load reads configuration from environment variables and applies
// defaults, then validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		AdminUser:     getenv("APP_ADMIN_USER", "admin"),
		AdminPassword: getenv("APP_ADMIN_PASSWORD", ""),
		DatabaseURL:   os.Getenv("APP_DATABASE_URL"),
		ListenAddr:    getenv("APP_LISTEN_ADDR", ":8080"),
		LogLevel:      strings.ToLower(getenv("APP_LOG_LEVEL", "info")),
		APIKeyPepper:  os.Getenv("APP_API_KEY_PEPPER"),
		TrustProxy:    getBool("APP_TRUST_PROXY", false),
		RetentionDays: getInt("APP_RETENTION_DAYS", 30),

		IdentityCacheTTL:   getDuration("APP_IDENTITY_CACHE_TTL", 5*time.Minute),
		EndpointCacheTTL:   getDuration("APP_ENDPOINT_CACHE_TTL", 2*time.Minute),
		CacheSweepInterval: getDuration("APP_CACHE_SWEEP_INTERVAL", time.Minute),
		StoreTimeout:       getDuration("APP_STORE_TIMEOUT", 3*time.Second),

		RateLimitHourly:       getInt("APP_RATE_LIMIT_HOURLY", 1000),
		RateLimitDaily:        getInt("APP_RATE_LIMIT_DAILY", 10000),
		RateLimitStore:        strings.ToLower(getenv("APP_RATE_LIMIT_STORE", "db")),
		RateLimitOnStoreError: strings.ToLower(getenv("APP_RATE_LIMIT_ON_STORE_ERROR", "open")),

		MaxPayloadBytes: getInt("APP_MAX_PAYLOAD_BYTES", 1<<20),

		WebhookWorkers:    getInt("APP_WEBHOOK_WORKERS", 8),
		WebhookQueueSize:  getInt("APP_WEBHOOK_QUEUE_SIZE", 1024),
		WebhookTimeout:    getDuration("APP_WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookMaxRetries: getInt("APP_WEBHOOK_MAX_RETRIES", 3),
		WebhookBaseDelay:  getDuration("APP_WEBHOOK_BASE_DELAY", time.Second),
		WebhookMaxDelay:   getDuration("APP_WEBHOOK_MAX_DELAY", 30*time.Second),
		WebhookRatePerMin: getInt("APP_WEBHOOK_RATE_PER_MIN", 60),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints declared on Config.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getDuration accepts Go duration strings ("90s", "5m") or bare seconds.
func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
