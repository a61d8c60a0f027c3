// Package velocity keeps a bounded, per-user list of recent transactions.
//
// The window is append-only: entries are never edited, and the oldest are
// evicted once a user exceeds the configured bound. Two implementations are
// provided: RedisStore for production and MemoryStore for local runs and
// tests.
package velocity

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultMaxEntries bounds each user's window.
	DefaultMaxEntries = 100

	// DefaultTTL is how long an idle user's window survives.
	DefaultTTL = 24 * time.Hour
)

// ErrInvalidUser is returned for a blank user id.
var ErrInvalidUser = errors.New("velocity: user id is required")

// Entry is one transaction in a user's window.
type Entry struct {
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Store is the velocity window capability.
type Store interface {
	// Append adds e to the end of userID's window, evicting the oldest
	// entries beyond the bound.
	Append(ctx context.Context, userID string, e Entry) error

	// Recent returns entries with Timestamp >= since in insertion order.
	Recent(ctx context.Context, userID string, since time.Time) ([]Entry, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	maxEntries    int
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

func defaultOptions() options {
	return options{maxEntries: DefaultMaxEntries, ttl: DefaultTTL, now: time.Now}
}

// WithMaxEntries sets the per-user bound. Values <= 0 are ignored.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// WithTTL sets how long an idle window is kept. Values <= 0 are ignored.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithSweepInterval starts a MemoryStore janitor that drops idle windows
// every d. Ignored by RedisStore, where keys expire on their own.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithClock overrides the clock used for idle expiry in MemoryStore.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func filterSince(entries []Entry, since time.Time) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}
