package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hookinbox/internal/db"
)

// GormStore keeps counters in the rate_counters table so every replica
// shares them. Takes on one key are serialized: by a keyed mutex inside the
// process and, on PostgreSQL, by a transaction-scoped advisory lock across
// replicas. Other dialects are only serialized within one process.
type GormStore struct {
	db    *gorm.DB
	locks [shardCount]sync.Mutex
}

func NewGormStore(gdb *gorm.DB) *GormStore {
	return &GormStore{db: gdb}
}

func (s *GormStore) lock(key string) func() {
	mu := &s.locks[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}

func (s *GormStore) Take(ctx context.Context, key string, limits Limits, now time.Time) (Decision, error) {
	defer s.lock(key)()

	var d Decision
	cur := minuteOf(now)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
				return err
			}
		}
		var rows []db.RateCounter
		if err := tx.Where("counter_key = ? AND bucket > ?", key, cur-dayBuckets).
			Order("bucket").
			Find(&rows).Error; err != nil {
			return err
		}
		buckets := make([]bucket, len(rows))
		for i, r := range rows {
			buckets[i] = bucket{minute: r.Bucket, count: r.Count}
		}

		d = decide(buckets, limits, now)
		if !d.Allowed {
			return nil
		}
		row := db.RateCounter{Key: key, Bucket: cur, Count: 1}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "counter_key"}, {Name: "bucket"}},
			DoUpdates: clause.Assignments(map[string]any{"count": gorm.Expr("rate_counters.count + 1")}),
		}).Create(&row).Error; err != nil {
			return err
		}
		d.HourCount++
		d.DayCount++
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// Prune deletes buckets that have left the day window.
func (s *GormStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("bucket <= ?", minuteOf(now)-dayBuckets).
		Delete(&db.RateCounter{})
	return res.RowsAffected, res.Error
}

// StartPruner deletes expired buckets every interval until ctx is done.
func (s *GormStore) StartPruner(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				n, err := s.Prune(ctx, now)
				if err != nil {
					logger.Warn("rate counter prune failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Debug("rate counters pruned", zap.Int64("rows", n))
				}
			}
		}
	}()
}
