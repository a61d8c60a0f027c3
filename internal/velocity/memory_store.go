package velocity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/fraudwatch/internal/syncutil"
)

type window struct {
	entries  []Entry
	lastSeen time.Time
}

// MemoryStore is an in-memory Store. Writers for different users take
// different shards of a sharded lock; the map itself is behind a short
// RWMutex that is never held while waiting on a shard.
type MemoryStore struct {
	locks *syncutil.ShardedLock
	opts  options

	mu      sync.RWMutex
	windows map[string]*window

	stop chan struct{}
	once sync.Once
}

// NewMemoryStore creates an in-memory velocity store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &MemoryStore{
		locks:   syncutil.NewShardedLock(syncutil.DefaultShards),
		opts:    o,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	if o.sweepInterval > 0 {
		go s.janitor(o.sweepInterval)
	}
	return s
}

func (s *MemoryStore) Append(ctx context.Context, userID string, e Entry) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	w, ok := s.windows[userID]
	if !ok || s.idle(w) {
		w = &window{}
		s.windows[userID] = w
	}
	// lastSeen is read by Sweep under mu alone.
	w.lastSeen = s.opts.now()
	s.mu.Unlock()

	w.entries = append(w.entries, e)
	if over := len(w.entries) - s.opts.maxEntries; over > 0 {
		w.entries = append([]Entry(nil), w.entries[over:]...)
	}
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, userID string, since time.Time) ([]Entry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.RLock()
	w, ok := s.windows[userID]
	s.mu.RUnlock()
	if !ok {
		return []Entry{}, nil
	}
	if s.idle(w) {
		s.mu.Lock()
		delete(s.windows, userID)
		s.mu.Unlock()
		return []Entry{}, nil
	}
	return filterSince(w.entries, since), nil
}

// Users returns the number of windows held, idle or not.
func (s *MemoryStore) Users() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// Sweep drops windows that have been idle longer than the TTL.
func (s *MemoryStore) Sweep() {
	s.mu.RLock()
	var stale []string
	for id, w := range s.windows {
		if s.idle(w) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		s.dropIfIdle(id)
	}
}

// Close stops the janitor.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

// dropIfIdle re-checks under the user's shard so a concurrent Append is
// never lost.
func (s *MemoryStore) dropIfIdle(userID string) {
	unlock, err := s.locks.Lock(context.Background(), userID)
	if err != nil {
		return
	}
	defer unlock()

	s.mu.Lock()
	if w, ok := s.windows[userID]; ok && s.idle(w) {
		delete(s.windows, userID)
	}
	s.mu.Unlock()
}

func (s *MemoryStore) idle(w *window) bool {
	return s.opts.now().Sub(w.lastSeen) > s.opts.ttl
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of entries held for userID.
func (s *MemoryStore) Len(userID string) int {
	unlock, err := s.locks.Lock(context.Background(), userID)
	if err != nil {
		return 0
	}
	defer unlock()

	s.mu.RLock()
	w, ok := s.windows[userID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return len(w.entries)
}
