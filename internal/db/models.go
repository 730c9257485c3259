package db

import (
	"time"

	"gorm.io/datatypes"
)

// Endpoint is one inbox under an owner, addressed as /{username}/{url_path}.
// Dashboard tooling mutates it; the ingestion path only reads it.
type Endpoint struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	UserID  uint   `gorm:"uniqueIndex:idx_endpoint_owner_path,priority:1;not null"`
	URLPath string `gorm:"uniqueIndex:idx_endpoint_owner_path,priority:2;size:128;not null"`

	Name        string `gorm:"size:128"`
	Description string `gorm:"size:1024"`
	IsActive    bool   `gorm:"not null"`

	// RequireAPIKey rejects callers that do not present a valid key.
	RequireAPIKey bool `gorm:"not null"`

	// Per-endpoint overrides. Zero means "use the global default".
	RateLimitHourly int `gorm:"not null;default:0"`
	RateLimitDaily  int `gorm:"not null;default:0"`
	MaxPayloadBytes int `gorm:"not null;default:0"`

	WebhookURL        string `gorm:"size:2048"`
	WebhookSecret     string `gorm:"size:255"`
	WebhookEnabled    bool   `gorm:"not null"`
	WebhookTimeoutMs  int    `gorm:"not null;default:0"`
	WebhookMaxRetries int    `gorm:"not null;default:0"`
	// WebhookBackoff is one of exponential, linear, fixed.
	WebhookBackoff string `gorm:"size:16"`
}

// HasWebhook reports whether accepted requests should be relayed.
func (e *Endpoint) HasWebhook() bool {
	return e.WebhookEnabled && e.WebhookURL != ""
}

// Record is one accepted inbox request. Created once, never updated by
// the ingestion path.
type Record struct {
	ID string `gorm:"primaryKey;size:36"`

	CreatedAt time.Time `gorm:"index"`

	// ExpiresAt is the timestamp after which this record is eligible
	// for deletion by the retention worker. Nil means it never expires.
	ExpiresAt *time.Time `gorm:"index"`

	EndpointID uint  `gorm:"index;not null"`
	UserID     uint  `gorm:"index;not null"`
	APIKeyID   *uint `gorm:"index"`

	Method      string `gorm:"size:16"`
	ContentType string `gorm:"size:255"`
	SizeBytes   int
	SourceIP    string `gorm:"size:64"`

	// Payload is the sanitized body.
	Payload datatypes.JSON
	// Headers is the allow-listed subset of request headers.
	Headers datatypes.JSONMap

	ClassType   string `gorm:"size:64;index"`
	ClassSource string `gorm:"size:64"`
	Tags        datatypes.JSONSlice[string]
	Confidence  float64

	AbuseScore int
	Status     string `gorm:"size:32;not null"`
}

// TableName keeps records apart from any other "records" table.
func (Record) TableName() string {
	return "inbox_records"
}

// Usage counts accepted requests and bytes per endpoint per UTC day.
type Usage struct {
	ID uint `gorm:"primaryKey"`

	UserID     uint   `gorm:"index;not null"`
	EndpointID uint   `gorm:"uniqueIndex:idx_usage_endpoint_day,priority:1;not null"`
	Day        string `gorm:"uniqueIndex:idx_usage_endpoint_day,priority:2;size:10;not null"`

	RequestCount int64 `gorm:"not null;default:0"`
	ByteCount    int64 `gorm:"not null;default:0"`
}

// TableName matches the counter semantics of the table.
func (Usage) TableName() string {
	return "usage_counters"
}

// WebhookDelivery is the terminal outcome of relaying one record.
// AttemptNumber is the number of attempts made; earlier failures are
// summarised by it rather than stored individually.
type WebhookDelivery struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	EndpointID    uint   `gorm:"index;not null"`
	RecordID      string `gorm:"index;size:36;not null"`
	AttemptNumber int    `gorm:"not null"`
	StatusCode    int
	Success       bool
	Error         string `gorm:"size:1024"`
	DurationMs    int64
}

// RateCounter is one minute bucket of admitted requests for a limiter key.
type RateCounter struct {
	Key    string `gorm:"column:counter_key;primaryKey;size:191"`
	Bucket int64  `gorm:"primaryKey;autoIncrement:false"`
	Count  int    `gorm:"not null"`
}
