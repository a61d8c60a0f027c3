package stats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/fraudwatch/internal/fraud"
)

// DefaultBucketTTL is the lifetime of an hourly bucket.
const DefaultBucketTTL = 24 * time.Hour

const (
	fieldTotal    = "total"
	levelPrefix   = "level:"
	recPrefix     = "rec:"
	bucketKeyBase = "fraud:stats:"
)

// Bucket is the set of counters for one UTC hour.
type Bucket struct {
	Hour             time.Time                      `json:"hour"`
	Total            int64                          `json:"total"`
	ByRiskLevel      map[fraud.RiskLevel]int64      `json:"byRiskLevel"`
	ByRecommendation map[fraud.Recommendation]int64 `json:"byRecommendation"`
}

func newBucket(hour time.Time) Bucket {
	return Bucket{
		Hour:             hour,
		ByRiskLevel:      make(map[fraud.RiskLevel]int64),
		ByRecommendation: make(map[fraud.Recommendation]int64),
	}
}

// BucketStore holds hourly counters. Increment must be atomic across the
// three counters it touches.
type BucketStore interface {
	Increment(ctx context.Context, hour time.Time, level fraud.RiskLevel, rec fraud.Recommendation) error
	Read(ctx context.Context, hour time.Time) (Bucket, error)
}

// BucketKey returns fraud:stats:{YYYY}:{MM}:{DD}:{HH} for the UTC hour of t.
func BucketKey(t time.Time) string {
	return bucketKeyBase + t.UTC().Format("2006:01:02:15")
}

// RedisBucketStore keeps each hour in a hash.
type RedisBucketStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisBucketStore creates a Redis-backed bucket store. ttl <= 0 uses
// DefaultBucketTTL.
func NewRedisBucketStore(client redis.UniversalClient, ttl time.Duration) *RedisBucketStore {
	if ttl <= 0 {
		ttl = DefaultBucketTTL
	}
	return &RedisBucketStore{client: client, ttl: ttl}
}

func (s *RedisBucketStore) Increment(ctx context.Context, hour time.Time, level fraud.RiskLevel, rec fraud.Recommendation) error {
	key := BucketKey(hour)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldTotal, 1)
		pipe.HIncrBy(ctx, key, levelPrefix+string(level), 1)
		pipe.HIncrBy(ctx, key, recPrefix+string(rec), 1)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("stats: increment %s: %w", key, err)
	}
	return nil
}

func (s *RedisBucketStore) Read(ctx context.Context, hour time.Time) (Bucket, error) {
	key := BucketKey(hour)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Bucket{}, fmt.Errorf("stats: read %s: %w", key, err)
	}

	b := newBucket(hour.UTC().Truncate(time.Hour))
	for f, v := range fields {
		var n int64
		if _, err := fmt.Sscan(v, &n); err != nil {
			continue
		}
		switch {
		case f == fieldTotal:
			b.Total = n
		case strings.HasPrefix(f, levelPrefix):
			b.ByRiskLevel[fraud.RiskLevel(strings.TrimPrefix(f, levelPrefix))] = n
		case strings.HasPrefix(f, recPrefix):
			b.ByRecommendation[fraud.Recommendation(strings.TrimPrefix(f, recPrefix))] = n
		}
	}
	return b, nil
}

// MemoryBucketStore is an in-memory BucketStore. Buckets older than the TTL
// (measured from the bucket hour) read as empty.
type MemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]Bucket
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryBucketStore creates an in-memory bucket store.
func NewMemoryBucketStore(ttl time.Duration) *MemoryBucketStore {
	if ttl <= 0 {
		ttl = DefaultBucketTTL
	}
	return &MemoryBucketStore{buckets: make(map[string]Bucket), ttl: ttl, now: time.Now}
}

func (s *MemoryBucketStore) Increment(_ context.Context, hour time.Time, level fraud.RiskLevel, rec fraud.Recommendation) error {
	key := BucketKey(hour)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = newBucket(hour.UTC().Truncate(time.Hour))
	}
	b.Total++
	b.ByRiskLevel[level]++
	b.ByRecommendation[rec]++
	s.buckets[key] = b
	return nil
}

func (s *MemoryBucketStore) Read(_ context.Context, hour time.Time) (Bucket, error) {
	h := hour.UTC().Truncate(time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[BucketKey(h)]
	if !ok || s.now().Sub(h) > s.ttl+time.Hour {
		return newBucket(h), nil
	}
	out := newBucket(h)
	out.Total = b.Total
	for k, v := range b.ByRiskLevel {
		out.ByRiskLevel[k] = v
	}
	for k, v := range b.ByRecommendation {
		out.ByRecommendation[k] = v
	}
	return out, nil
}
