package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"hookinbox/internal/db/dbtest"
)

type failingStore struct{}

func (failingStore) Take(context.Context, string, Limits, time.Time) (Decision, error) {
	return Decision{}, errors.New("connection reset")
}

func newLimiter(store CounterStore, mode FailureMode, now *time.Time) *Limiter {
	l := New(store, mode, zap.NewNop())
	l.now = func() time.Time { return *now }
	return l
}

func TestCheck_RejectsAboveThreshold(t *testing.T) {
	stores := map[string]func(t *testing.T) CounterStore{
		"memory": func(t *testing.T) CounterStore { return NewMemoryStore() },
		"gorm":   func(t *testing.T) CounterStore { return NewGormStore(dbtest.New(t)) },
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			l := newLimiter(mk(t), FailOpen, &now)
			limits := Limits{PerHour: 5}
			ctx := context.Background()

			for i := 1; i <= 5; i++ {
				d := l.Check(ctx, "owner:1", limits)
				if !d.Allowed {
					t.Fatalf("request %d rejected under the limit", i)
				}
				if d.HourCount != i {
					t.Fatalf("request %d: hour count %d", i, d.HourCount)
				}
				now = now.Add(time.Minute)
			}
			for i := 0; i < 3; i++ {
				d := l.Check(ctx, "owner:1", limits)
				if d.Allowed {
					t.Fatal("request over the limit admitted")
				}
				if d.RetryAfterSeconds <= 0 {
					t.Fatalf("retry after = %d", d.RetryAfterSeconds)
				}
				if d.HourCount != 5 {
					t.Fatalf("rejected requests were counted: %d", d.HourCount)
				}
			}

			if d := l.Check(ctx, "owner:2", limits); !d.Allowed {
				t.Fatal("keys are not independent")
			}
		})
	}
}

func TestCheck_RetryAfterDecreasesToExpiry(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	l := newLimiter(NewMemoryStore(), FailOpen, &now)
	limits := Limits{PerHour: 3}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Check(ctx, "k", limits)
		now = now.Add(10 * time.Minute)
	}

	prev := -1
	for !l.Check(ctx, "k", limits).Allowed {
		d := l.Check(ctx, "k", limits)
		if d.Allowed {
			break
		}
		if d.RetryAfterSeconds < 1 {
			t.Fatalf("retry after %d below 1", d.RetryAfterSeconds)
		}
		if prev >= 0 && d.RetryAfterSeconds > prev {
			t.Fatalf("retry after grew from %d to %d", prev, d.RetryAfterSeconds)
		}
		prev = d.RetryAfterSeconds
		now = now.Add(7 * time.Second)
		if now.Sub(start) > 2*time.Hour {
			t.Fatal("window never expired")
		}
	}
	// The first bucket leaves the window one hour after it was opened.
	if now.Before(start.Add(time.Hour)) {
		t.Fatalf("admitted at %v, before the oldest request expired", now.Sub(start))
	}
}

func TestCheck_RetryAfterMatchesOldestBucket(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	l := newLimiter(NewMemoryStore(), FailOpen, &now)
	limits := Limits{PerHour: 2}
	ctx := context.Background()

	l.Check(ctx, "k", limits)
	l.Check(ctx, "k", limits)
	d := l.Check(ctx, "k", limits)
	// Bucket 12:00 leaves the hour window at 13:00, 3570s from 12:00:30.
	if d.Allowed || d.RetryAfterSeconds != 3570 {
		t.Fatalf("got %+v, want retry after 3570", d)
	}
}

func TestCheck_DayWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := newLimiter(NewMemoryStore(), FailOpen, &now)
	limits := Limits{PerHour: 100, PerDay: 4}
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if !l.Check(ctx, "k", limits).Allowed {
			t.Fatalf("request %d rejected", i)
		}
		now = now.Add(2 * time.Hour)
	}
	d := l.Check(ctx, "k", limits)
	if d.Allowed || d.DayCount != 4 {
		t.Fatalf("day limit not enforced: %+v", d)
	}
	if d.RetryAfterSeconds != int((16 * time.Hour).Seconds()) {
		t.Fatalf("retry after = %d", d.RetryAfterSeconds)
	}
}

func TestCheck_StoreFailureModes(t *testing.T) {
	now := time.Now()
	limits := Limits{PerHour: 1}

	open := newLimiter(failingStore{}, FailOpen, &now).Check(context.Background(), "k", limits)
	if !open.Allowed || !open.Degraded {
		t.Fatalf("fail open: %+v", open)
	}
	closed := newLimiter(failingStore{}, FailClosed, &now).Check(context.Background(), "k", limits)
	if closed.Allowed || !closed.Degraded || closed.RetryAfterSeconds != closedRetryAfter {
		t.Fatalf("fail closed: %+v", closed)
	}
}

func TestCheck_UnlimitedSkipsStore(t *testing.T) {
	now := time.Now()
	d := newLimiter(failingStore{}, FailClosed, &now).Check(context.Background(), "k", Limits{})
	if !d.Allowed || d.Degraded {
		t.Fatalf("got %+v", d)
	}
}

func TestParseFailureMode(t *testing.T) {
	if m, err := ParseFailureMode("closed"); err != nil || m != FailClosed {
		t.Fatalf("closed: %v %v", m, err)
	}
	if _, err := ParseFailureMode("sideways"); err == nil {
		t.Fatal("expected error")
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.Take(context.Background(), "a", Limits{PerHour: 10}, now)
	s.Take(context.Background(), "b", Limits{PerHour: 10}, now.Add(12*time.Hour))

	if n := s.Sweep(now.Add(25 * time.Hour)); n != 1 {
		t.Fatalf("swept %d keys, want 1", n)
	}
}

func TestGormStore_ConcurrentTakesAdmitExactly(t *testing.T) {
	s := NewGormStore(dbtest.New(t))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limits := Limits{PerHour: 10}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.Take(context.Background(), "owner:1", limits, now)
			if err != nil {
				t.Errorf("take: %v", err)
				return
			}
			if d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if admitted.Load() != 10 {
		t.Fatalf("admitted %d, want 10", admitted.Load())
	}
}

func TestGormStore_LockSerializesKey(t *testing.T) {
	s := NewGormStore(dbtest.New(t))
	unlock := s.lock("owner:1")

	acquired := make(chan struct{})
	go func() {
		defer s.lock("owner:1")()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second holder entered while the key was locked")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not released")
	}
}

func TestGormStore_Prune(t *testing.T) {
	s := NewGormStore(dbtest.New(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := s.Take(ctx, "a", Limits{PerHour: 10}, now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.Prune(ctx, now.Add(24*time.Hour+90*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pruned %d buckets, want 2", n)
	}
}

func TestKeys(t *testing.T) {
	if OwnerKey(7) != "owner:7" || AnonymousKey(7, "10.0.0.1") != "owner:7:ip:10.0.0.1" {
		t.Fatal("unexpected key format")
	}
}
