package db_test

import (
	"context"
	"testing"
	"time"

	"hookinbox/internal/db"
	"hookinbox/internal/db/dbtest"
)

func TestRunRetentionOnce(t *testing.T) {
	gdb := dbtest.New(t)
	ctx := context.Background()
	u, ep := dbtest.Seed(t, gdb, "alice", db.Endpoint{URLPath: "in", IsActive: true})

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	records := []db.Record{
		{ID: "0192f0c8-0000-7000-8000-00000000000a", ExpiresAt: &past},
		{ID: "0192f0c8-0000-7000-8000-00000000000b", ExpiresAt: &future},
		{ID: "0192f0c8-0000-7000-8000-00000000000c"},
	}
	for i := range records {
		records[i].EndpointID = ep.ID
		records[i].UserID = u.ID
		records[i].Method = "POST"
		records[i].Payload = []byte(`{}`)
		records[i].Status = "received"
		records[i].CreatedAt = now.Add(-2 * time.Hour)
		if err := gdb.Create(&records[i]).Error; err != nil {
			t.Fatalf("create record: %v", err)
		}
	}
	for age, status := range map[time.Duration]int{40 * 24 * time.Hour: 500, 24 * time.Hour: 200} {
		d := db.WebhookDelivery{EndpointID: ep.ID, RecordID: records[1].ID, AttemptNumber: 1, StatusCode: status, CreatedAt: now.Add(-age)}
		if err := gdb.Create(&d).Error; err != nil {
			t.Fatalf("create delivery: %v", err)
		}
	}

	recs, dels, err := db.RunRetentionOnce(ctx, gdb, 30, now)
	if err != nil {
		t.Fatalf("RunRetentionOnce: %v", err)
	}
	if recs != 1 || dels != 1 {
		t.Fatalf("deleted %d records and %d deliveries, want 1 and 1", recs, dels)
	}

	var left []db.Record
	gdb.Order("id").Find(&left)
	if len(left) != 2 || left[0].ID != records[1].ID || left[1].ID != records[2].ID {
		t.Fatalf("remaining records = %+v", left)
	}
	var remaining []db.WebhookDelivery
	gdb.Find(&remaining)
	if len(remaining) != 1 || remaining[0].StatusCode != 200 {
		t.Fatalf("remaining deliveries = %+v", remaining)
	}

	if _, dels, err := db.RunRetentionOnce(ctx, gdb, 0, now.Add(365*24*time.Hour)); err != nil || dels != 0 {
		t.Fatalf("retention disabled: deleted %d deliveries, err %v", dels, err)
	}
}
