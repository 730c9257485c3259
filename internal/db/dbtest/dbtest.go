// Package dbtest opens throwaway migrated databases for tests.
package dbtest

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"hookinbox/internal/db"
)

// New returns a migrated in-memory SQLite database. A single connection
// keeps the in-memory schema alive for the life of the test.
func New(t testing.TB) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(sqlite.Open(":memory:"), false)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// Seed creates a user and one endpoint and returns both.
func Seed(t testing.TB, gdb *gorm.DB, username string, ep db.Endpoint) (*db.User, *db.Endpoint) {
	t.Helper()
	u := &db.User{Username: username, PasswordHash: "x"}
	if err := gdb.Create(u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	ep.UserID = u.ID
	if err := gdb.Create(&ep).Error; err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	return u, &ep
}
