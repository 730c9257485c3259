package db

import (
	"time"
)

// User is an inbox owner. Username is the public identity used in inbox
// URLs and never changes once assigned. The bootstrap admin (from env)
// is created as a row in this table on startup.
type User struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"size:255;not null"`

	// IsAdmin grants access to the operational /admin routes.
	IsAdmin bool `gorm:"default:false"`
}
