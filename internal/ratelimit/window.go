package ratelimit

import (
	"math"
	"time"
)

const (
	hourBuckets = 60
	dayBuckets  = 24 * 60
)

// bucket is the admitted count for one unix minute.
type bucket struct {
	minute int64
	count  int
}

func minuteOf(t time.Time) int64 {
	return t.Unix() / 60
}

// decide evaluates limits against buckets, which must be ordered oldest
// first and hold only minutes still inside the day window.
func decide(buckets []bucket, limits Limits, now time.Time) Decision {
	cur := minuteOf(now)
	var d Decision
	for _, b := range buckets {
		if b.minute > cur-dayBuckets {
			d.DayCount += b.count
		}
		if b.minute > cur-hourBuckets {
			d.HourCount += b.count
		}
	}

	d.Allowed = true
	if limits.PerHour > 0 && d.HourCount >= limits.PerHour {
		d.Allowed = false
		d.RetryAfterSeconds = max(d.RetryAfterSeconds, retryAfter(buckets, cur-hourBuckets, hourBuckets, d.HourCount, limits.PerHour, now))
	}
	if limits.PerDay > 0 && d.DayCount >= limits.PerDay {
		d.Allowed = false
		d.RetryAfterSeconds = max(d.RetryAfterSeconds, retryAfter(buckets, cur-dayBuckets, dayBuckets, d.DayCount, limits.PerDay, now))
	}
	return d
}

// retryAfter is the number of seconds until enough of the oldest buckets
// leave the window for count to drop below limit.
func retryAfter(buckets []bucket, floor int64, span int64, count, limit int, now time.Time) int {
	for _, b := range buckets {
		if b.minute <= floor {
			continue
		}
		count -= b.count
		if count < limit {
			leaves := time.Unix((b.minute+span)*60, 0)
			secs := int(math.Ceil(leaves.Sub(now).Seconds()))
			return max(secs, 1)
		}
	}
	return 1
}

// admit adds one request at now to buckets, dropping minutes that have
// left the day window.
func admit(buckets []bucket, now time.Time) []bucket {
	buckets = prune(buckets, now)
	cur := minuteOf(now)
	if n := len(buckets); n > 0 && buckets[n-1].minute == cur {
		buckets[n-1].count++
		return buckets
	}
	return append(buckets, bucket{minute: cur, count: 1})
}

func prune(buckets []bucket, now time.Time) []bucket {
	floor := minuteOf(now) - dayBuckets
	i := 0
	for i < len(buckets) && buckets[i].minute <= floor {
		i++
	}
	if i == 0 {
		return buckets
	}
	return append(buckets[:0], buckets[i:]...)
}
