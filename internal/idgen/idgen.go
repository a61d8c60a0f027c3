// Package idgen generates identifiers for alerts and requests.
package idgen

import (
	"encoding/hex"

	"github.com/google/uuid"
)

const (
	AlertPrefix   = "alr_"
	RequestPrefix = "req_"
)

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:12])
}

// Alert returns a new alert id ("alr_...").
func Alert() string {
	return WithPrefix(AlertPrefix)
}

// Request returns a new request id ("req_...").
func Request() string {
	return WithPrefix(RequestPrefix)
}

// Valid reports whether s is a well-formed UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
