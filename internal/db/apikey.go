package db

import (
	"time"
)

// APIKey is a credential for posting to an owner's endpoints. The raw key
// is shown once at creation; only its digest and a short display prefix
// are stored.
type APIKey struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// UserID links this key to the user who owns it.
	UserID uint `gorm:"index;not null"`

	// EndpointID scopes the key to one endpoint. Nil means account-wide.
	EndpointID *uint `gorm:"index"`

	Name string `gorm:"size:128"`

	// KeyHash is the keyed digest of the raw key, looked up on every request.
	KeyHash string `gorm:"uniqueIndex;size:128;not null"`

	// KeyPrefix is for display only and never used for lookups.
	KeyPrefix string `gorm:"size:16;not null"`

	IsActive   bool `gorm:"not null"`
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
}
