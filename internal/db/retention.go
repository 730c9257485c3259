package db

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// runRetentionOnce deletes records whose ExpiresAt is in the past and
// delivery log rows older than the retention window.
func runRetentionOnce(ctx context.Context, db *gorm.DB, retentionDays int, now time.Time) (records, deliveries int64, err error) {
	res := db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", now).Delete(&Record{})
	if res.Error != nil {
		return 0, 0, res.Error
	}
	records = res.RowsAffected

	if retentionDays > 0 {
		cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
		res = db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&WebhookDelivery{})
		if res.Error != nil {
			return records, 0, res.Error
		}
		deliveries = res.RowsAffected
	}
	return records, deliveries, nil
}

// StartRetentionWorker launches a background goroutine that runs the
// retention cleanup once at startup and then once per day, until ctx ends.
func StartRetentionWorker(ctx context.Context, db *gorm.DB, retentionDays int, logger *zap.Logger) {
	run := func(phase string) {
		records, deliveries, err := runRetentionOnce(ctx, db, retentionDays, time.Now().UTC())
		if err != nil {
			logger.Error("retention cleanup failed", zap.String("phase", phase), zap.Error(err))
			return
		}
		logger.Info("retention cleanup done",
			zap.String("phase", phase),
			zap.Int64("records", records),
			zap.Int64("deliveries", deliveries),
		)
	}

	go func() {
		run("startup")

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run("daily")
			}
		}
	}()
}
