package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestShardedLock_DefaultShards(t *testing.T) {
	if got := NewShardedLock(0).Shards(); got != DefaultShards {
		t.Fatalf("expected %d shards, got %d", DefaultShards, got)
	}
}

func TestShardedLock_MutualExclusion(t *testing.T) {
	l := NewShardedLock(16)
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "user_1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Split load/store is only safe under the lock.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestShardedLock_ContextCancelled(t *testing.T) {
	l := NewShardedLock(1)

	unlock, err := l.Lock(context.Background(), "held")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = l.Lock(ctx, "held")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("lock did not honour the deadline")
	}
}

func TestShardedLock_UnlockReleases(t *testing.T) {
	l := NewShardedLock(1)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	unlock()

	unlock, err = l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	unlock()
}
