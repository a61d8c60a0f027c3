// Package alertcache holds recently produced fraud alerts keyed by
// transaction id so repeated submissions return the original decision.
package alertcache

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/fraudwatch/internal/fraud"
)

// DefaultTTL is how long an alert stays cached.
const DefaultTTL = time.Hour

// ErrNotFound is returned by Get on a miss or after expiry.
var ErrNotFound = errors.New("alertcache: alert not found")

// Cache is the alert cache capability. Put overwrites; Get returns a copy.
type Cache interface {
	Put(ctx context.Context, txID string, alert *fraud.FraudAlert, ttl time.Duration) error
	Get(ctx context.Context, txID string) (*fraud.FraudAlert, error)
}
