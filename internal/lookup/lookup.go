// Package lookup provides read-only access to the user, merchant, fraud
// history and device records the feature extractor consults. Every lookup
// is a one-method capability so callers can substitute stubs.
package lookup

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the key.
var ErrNotFound = errors.New("lookup: not found")

// Profile is the account holder's profile.
type Profile struct {
	UserID           string
	Age              int
	AccountCreatedAt time.Time
	HomeCountry      string
}

// Merchant is the merchant record.
type Merchant struct {
	ID           string
	CategoryCode int
}

// ProfileLookup resolves a user's profile.
type ProfileLookup interface {
	Profile(ctx context.Context, userID string) (*Profile, error)
}

// MerchantLookup resolves a merchant.
type MerchantLookup interface {
	Merchant(ctx context.Context, merchantID string) (*Merchant, error)
}

// FraudHistoryLookup returns a user's prior fraud score in [0,1].
type FraudHistoryLookup interface {
	PriorFraudScore(ctx context.Context, userID string) (float64, error)
}

// DeviceLookup reports whether a device fingerprint has been seen for a user.
type DeviceLookup interface {
	KnownDevice(ctx context.Context, userID, fingerprint string) (bool, error)
}
