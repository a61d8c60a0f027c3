// Package classifier maps a fraud probability onto a risk tier and a
// recommended action.
package classifier

import (
	"errors"
	"fmt"
	"math"

	"github.com/mbd888/fraudwatch/internal/fraud"
)

const (
	DefaultHighThreshold   = 0.8
	DefaultMediumThreshold = 0.5
)

// ErrInvalidThresholds is returned by New when 0 < medium < high <= 1 does
// not hold.
var ErrInvalidThresholds = errors.New("classifier: thresholds must satisfy 0 < medium < high <= 1")

// Thresholds holds the inclusive lower bounds of the MEDIUM and HIGH tiers.
type Thresholds struct {
	High   float64
	Medium float64
}

// DefaultThresholds returns HIGH at 0.8 and MEDIUM at 0.5.
func DefaultThresholds() Thresholds {
	return Thresholds{High: DefaultHighThreshold, Medium: DefaultMediumThreshold}
}

// Classifier is pure and safe for concurrent use.
type Classifier struct {
	t Thresholds
}

// New validates the thresholds.
func New(t Thresholds) (*Classifier, error) {
	if math.IsNaN(t.High) || math.IsNaN(t.Medium) ||
		t.Medium <= 0 || t.Medium >= t.High || t.High > 1 {
		return nil, fmt.Errorf("%w (medium=%v high=%v)", ErrInvalidThresholds, t.Medium, t.High)
	}
	return &Classifier{t: t}, nil
}

// Default returns a classifier with the default thresholds.
func Default() *Classifier {
	return &Classifier{t: DefaultThresholds()}
}

// Thresholds returns the configured bounds.
func (c *Classifier) Thresholds() Thresholds {
	return c.t
}

// Classify returns the tier and recommendation for probability p.
func (c *Classifier) Classify(p float64) (fraud.RiskLevel, fraud.Recommendation) {
	switch {
	case p >= c.t.High:
		return fraud.RiskHigh, fraud.RecommendBlock
	case p >= c.t.Medium:
		return fraud.RiskMedium, fraud.RecommendReview
	default:
		return fraud.RiskLow, fraud.RecommendApprove
	}
}
