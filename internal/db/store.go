package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned by Store lookups that matched no row.
var ErrNotFound = errors.New("db: not found")

// Store is the durable system of record for the ingestion path. Each
// method is a single transactional call; callers bound them with ctx.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for workers and tooling.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// UserIDByUsername maps a public identity to its internal user id.
func (s *Store) UserIDByUsername(ctx context.Context, username string) (uint, error) {
	var u User
	err := s.db.WithContext(ctx).Select("id").Where("username = ?", username).First(&u).Error
	if err != nil {
		return 0, notFound(err)
	}
	return u.ID, nil
}

// UserByUsername loads the full user row.
func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// EndpointByPath loads an endpoint by owner and path, active or not.
func (s *Store) EndpointByPath(ctx context.Context, userID uint, path string) (*Endpoint, error) {
	var e Endpoint
	err := s.db.WithContext(ctx).Where("user_id = ? AND url_path = ?", userID, path).First(&e).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// APIKeyByHash loads a key by digest. Expiry and activity are the
// caller's to judge.
func (s *Store) APIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var k APIKey
	if err := s.db.WithContext(ctx).Where("key_hash = ?", hash).First(&k).Error; err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// TouchAPIKey records the last successful use of a key.
func (s *Store) TouchAPIKey(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&APIKey{}).Where("id = ?", id).
		Update("last_used_at", at).Error
}

// CreateAPIKey inserts a freshly generated key.
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	return s.db.WithContext(ctx).Create(key).Error
}

// DeactivateAPIKey disables every key of the user whose display prefix matches.
func (s *Store) DeactivateAPIKey(ctx context.Context, userID uint, prefix string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&APIKey{}).
		Where("user_id = ? AND key_prefix = ?", userID, prefix).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// CreateRecord persists one accepted request.
func (s *Store) CreateRecord(ctx context.Context, rec *Record) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// IncrementUsage adds one request and n bytes to the endpoint's daily counter.
func (s *Store) IncrementUsage(ctx context.Context, userID, endpointID uint, day string, n int64) error {
	row := Usage{
		UserID:       userID,
		EndpointID:   endpointID,
		Day:          day,
		RequestCount: 1,
		ByteCount:    n,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "endpoint_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]any{
			"request_count": gorm.Expr("usage_counters.request_count + ?", 1),
			"byte_count":    gorm.Expr("usage_counters.byte_count + ?", n),
		}),
	}).Create(&row).Error
}

// UsageForDay returns the counter row for an endpoint, zero-valued when absent.
func (s *Store) UsageForDay(ctx context.Context, endpointID uint, day string) (Usage, error) {
	var u Usage
	err := s.db.WithContext(ctx).Where("endpoint_id = ? AND day = ?", endpointID, day).
		Limit(1).Find(&u).Error
	return u, err
}

// LargestPayloadOverride returns the highest per-endpoint body limit, 0 when
// no endpoint overrides the default.
func (s *Store) LargestPayloadOverride(ctx context.Context) (int, error) {
	var n int
	err := s.db.WithContext(ctx).Model(&Endpoint{}).
		Select("COALESCE(MAX(max_payload_bytes), 0)").Scan(&n).Error
	return n, err
}

// CreateDelivery appends a terminal webhook outcome.
func (s *Store) CreateDelivery(ctx context.Context, d *WebhookDelivery) error {
	return s.db.WithContext(ctx).Create(d).Error
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
