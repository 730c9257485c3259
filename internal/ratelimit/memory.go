package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type shard struct {
	mu   sync.Mutex
	keys map[string][]bucket
}

// MemoryStore keeps counters in process. It does not survive restarts
// and is not shared between replicas.
type MemoryStore struct {
	shards [shardCount]shard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].keys = make(map[string][]bucket)
	}
	return s
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % shardCount
}

func (s *MemoryStore) shard(key string) *shard {
	return &s.shards[shardOf(key)]
}

// Take never fails.
func (s *MemoryStore) Take(_ context.Context, key string, limits Limits, now time.Time) (Decision, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	buckets := prune(sh.keys[key], now)
	d := decide(buckets, limits, now)
	if d.Allowed {
		buckets = admit(buckets, now)
		d.HourCount++
		d.DayCount++
	}
	if len(buckets) == 0 {
		delete(sh.keys, key)
	} else {
		sh.keys[key] = buckets
	}
	return d, nil
}

// Sweep drops keys with no bucket left in the day window and returns how
// many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, b := range sh.keys {
			b = prune(b, now)
			if len(b) == 0 {
				delete(sh.keys, k)
				removed++
				continue
			}
			sh.keys[k] = b
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartSweeper sweeps every interval until ctx is done.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Sweep(now)
			}
		}
	}()
}
