package velocity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "fraud:velocity:"

// RedisStore keeps each window in a Redis list at fraud:velocity:{userID}.
type RedisStore struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisStore creates a Redis-backed velocity store.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, opts: o}
}

func key(userID string) string {
	return keyPrefix + userID
}

// Append pushes, trims and refreshes the expiry in one MULTI/EXEC so the
// bound holds without a read-modify-write.
func (s *RedisStore) Append(ctx context.Context, userID string, e Entry) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("velocity: marshal entry: %w", err)
	}

	k := key(userID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, payload)
		pipe.LTrim(ctx, k, int64(-s.opts.maxEntries), -1)
		pipe.Expire(ctx, k, s.opts.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("velocity: append for %s: %w", userID, err)
	}
	return nil
}

// Recent reads the whole list and filters by timestamp. Undecodable entries
// are skipped.
func (s *RedisStore) Recent(ctx context.Context, userID string, since time.Time) ([]Entry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	raw, err := s.client.LRange(ctx, key(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("velocity: read for %s: %w", userID, err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return filterSince(entries, since), nil
}

// Ping checks connectivity for health reporting.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
