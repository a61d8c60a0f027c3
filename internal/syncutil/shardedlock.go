// Package syncutil holds the per-key locking used by the in-memory stores.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used when NewShardedLock is given n <= 0.
const DefaultShards = 256

// ShardedLock is a fixed pool of channel-backed mutexes addressed by key.
// Keys that hash to different shards never contend; memory stays bounded no
// matter how many keys are seen. Acquisition honours context cancellation.
type ShardedLock struct {
	shards []chan struct{}
}

// NewShardedLock creates a lock with n shards.
func NewShardedLock(n int) *ShardedLock {
	if n <= 0 {
		n = DefaultShards
	}
	l := &ShardedLock{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Lock acquires the shard for key. The caller MUST call the returned unlock
// function. On cancellation it returns the context error and holds nothing.
func (l *ShardedLock) Lock(ctx context.Context, key string) (func(), error) {
	shard := l.shards[l.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shards returns the shard count.
func (l *ShardedLock) Shards() int {
	return len(l.shards)
}

func (l *ShardedLock) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}
