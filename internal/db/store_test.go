package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"hookinbox/internal/config"
	"hookinbox/internal/db"
	"hookinbox/internal/db/dbtest"
)

func TestStore_Lookups(t *testing.T) {
	gdb := dbtest.New(t)
	store := db.NewStore(gdb)
	ctx := context.Background()

	u, ep := dbtest.Seed(t, gdb, "alice", db.Endpoint{URLPath: "sensors", IsActive: true})

	id, err := store.UserIDByUsername(ctx, "alice")
	if err != nil || id != u.ID {
		t.Fatalf("UserIDByUsername = %d, %v", id, err)
	}
	if _, err := store.UserIDByUsername(ctx, "bob"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("unknown user: got %v, want ErrNotFound", err)
	}

	got, err := store.EndpointByPath(ctx, u.ID, "sensors")
	if err != nil || got.ID != ep.ID {
		t.Fatalf("EndpointByPath = %+v, %v", got, err)
	}
	if _, err := store.EndpointByPath(ctx, u.ID, "missing"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("unknown endpoint: got %v, want ErrNotFound", err)
	}
}

func TestStore_APIKeys(t *testing.T) {
	gdb := dbtest.New(t)
	store := db.NewStore(gdb)
	ctx := context.Background()
	u, _ := dbtest.Seed(t, gdb, "alice", db.Endpoint{URLPath: "in", IsActive: true})

	key := &db.APIKey{UserID: u.ID, KeyHash: "abc", KeyPrefix: "hk_abcdefgh", IsActive: true}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	got, err := store.APIKeyByHash(ctx, "abc")
	if err != nil || got.ID != key.ID {
		t.Fatalf("APIKeyByHash = %+v, %v", got, err)
	}
	if _, err := store.APIKeyByHash(ctx, "nope"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := store.TouchAPIKey(ctx, key.ID, now); err != nil {
		t.Fatalf("TouchAPIKey: %v", err)
	}
	got, _ = store.APIKeyByHash(ctx, "abc")
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(now) {
		t.Fatalf("LastUsedAt = %v, want %v", got.LastUsedAt, now)
	}

	n, err := store.DeactivateAPIKey(ctx, u.ID, "hk_abcdefgh")
	if err != nil || n != 1 {
		t.Fatalf("DeactivateAPIKey = %d, %v", n, err)
	}
	got, _ = store.APIKeyByHash(ctx, "abc")
	if got.IsActive {
		t.Fatal("key still active")
	}
}

func TestStore_IncrementUsage(t *testing.T) {
	gdb := dbtest.New(t)
	store := db.NewStore(gdb)
	ctx := context.Background()
	u, ep := dbtest.Seed(t, gdb, "alice", db.Endpoint{URLPath: "in", IsActive: true})

	for _, n := range []int64{100, 250} {
		if err := store.IncrementUsage(ctx, u.ID, ep.ID, "2026-10-15", n); err != nil {
			t.Fatalf("IncrementUsage: %v", err)
		}
	}

	usage, err := store.UsageForDay(ctx, ep.ID, "2026-10-15")
	if err != nil {
		t.Fatalf("UsageForDay: %v", err)
	}
	if usage.RequestCount != 2 || usage.ByteCount != 350 {
		t.Fatalf("usage = %+v, want 2 requests / 350 bytes", usage)
	}

	empty, err := store.UsageForDay(ctx, ep.ID, "2026-10-16")
	if err != nil || empty.RequestCount != 0 {
		t.Fatalf("empty day = %+v, %v", empty, err)
	}
}

func TestStore_RecordsAndDeliveries(t *testing.T) {
	gdb := dbtest.New(t)
	store := db.NewStore(gdb)
	ctx := context.Background()
	u, ep := dbtest.Seed(t, gdb, "alice", db.Endpoint{URLPath: "in", IsActive: true})

	rec := &db.Record{
		ID:         "0192f0c8-0000-7000-8000-000000000001",
		EndpointID: ep.ID,
		UserID:     u.ID,
		Method:     "POST",
		Payload:    []byte(`{"a":1}`),
		Headers:    map[string]any{"user-agent": "curl/8"},
		Tags:       []string{"json"},
		Status:     "received",
	}
	if err := store.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	var loaded db.Record
	if err := gdb.First(&loaded, "id = ?", rec.ID).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if string(loaded.Payload) != `{"a":1}` || len(loaded.Tags) != 1 || loaded.Tags[0] != "json" {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}

	if err := store.CreateDelivery(ctx, &db.WebhookDelivery{EndpointID: ep.ID, RecordID: rec.ID, AttemptNumber: 2, StatusCode: 200, Success: true}); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	var count int64
	gdb.Model(&db.WebhookDelivery{}).Count(&count)
	if count != 1 {
		t.Fatalf("deliveries = %d", count)
	}
}

func TestEnsureBootstrapAdmin(t *testing.T) {
	gdb := dbtest.New(t)
	cfg := &config.Config{AdminUser: "root", AdminPassword: "s3cret"}

	for i := 0; i < 2; i++ {
		if err := db.EnsureBootstrapAdmin(gdb, cfg); err != nil {
			t.Fatalf("EnsureBootstrapAdmin #%d: %v", i, err)
		}
	}

	var users []db.User
	gdb.Find(&users)
	if len(users) != 1 || !users[0].IsAdmin {
		t.Fatalf("users = %+v", users)
	}
	if bcrypt.CompareHashAndPassword([]byte(users[0].PasswordHash), []byte("s3cret")) != nil {
		t.Fatal("password hash does not verify")
	}

	ep, err := db.NewStore(gdb).EndpointByPath(context.Background(), users[0].ID, db.DefaultEndpointPath)
	if err != nil || !ep.IsActive {
		t.Fatalf("default endpoint = %+v, %v", ep, err)
	}
}

func TestStore_LargestPayloadOverride(t *testing.T) {
	gdb := dbtest.New(t)
	store := db.NewStore(gdb)
	ctx := context.Background()

	if n, err := store.LargestPayloadOverride(ctx); err != nil || n != 0 {
		t.Fatalf("no endpoints: %d, %v", n, err)
	}
	dbtest.Seed(t, gdb, "alice", db.Endpoint{URLPath: "a", IsActive: true, MaxPayloadBytes: 2 << 20})
	dbtest.Seed(t, gdb, "bob", db.Endpoint{URLPath: "b", IsActive: true})
	if n, err := store.LargestPayloadOverride(ctx); err != nil || n != 2<<20 {
		t.Fatalf("largest = %d, %v", n, err)
	}
}
