package alertcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/fraudwatch/internal/fraud"
)

const keyPrefix = "fraud:alert:"

// RedisCache stores alerts as JSON at fraud:alert:{txID}.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache creates a Redis-backed alert cache.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Put(ctx context.Context, txID string, alert *fraud.FraudAlert, ttl time.Duration) error {
	if alert == nil {
		return errors.New("alertcache: nil alert")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("alertcache: marshal alert: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+txID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("alertcache: put %s: %w", txID, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, txID string) (*fraud.FraudAlert, error) {
	raw, err := c.client.Get(ctx, keyPrefix+txID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("alertcache: get %s: %w", txID, err)
	}

	var alert fraud.FraudAlert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return nil, fmt.Errorf("alertcache: decode %s: %w", txID, err)
	}
	return &alert, nil
}
