// Package fraud defines the domain types shared by every stage of the
// transaction risk-scoring pipeline.
//
// A TransactionEvent enters the pipeline, is reduced to a FeatureVector,
// scored into a RiskPrediction by the model manager, and classified into a
// FraudAlert. Alerts are immutable once created.
package fraud

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput marks a malformed or incomplete TransactionEvent.
	// The event is rejected before feature extraction begins.
	ErrInvalidInput = errors.New("invalid transaction input")

	// ErrDependencyUnavailable marks a failure of the velocity store, the alert
	// cache or the model manager. The transaction could not be scored.
	ErrDependencyUnavailable = errors.New("scoring dependency unavailable")

	// ErrPredictionInvalid marks an out-of-bounds model response. Errors
	// wrapping it also match ErrDependencyUnavailable.
	ErrPredictionInvalid = errors.New("model returned an invalid prediction")
)

// RiskLevel is the discrete risk tier of a transaction.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// RiskLevels lists every tier, lowest first.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh}

// Recommendation is the suggested downstream action for a transaction.
type Recommendation string

const (
	RecommendApprove Recommendation = "APPROVE"
	RecommendReview  Recommendation = "REVIEW"
	RecommendBlock   Recommendation = "BLOCK"
)

// Recommendations lists every recommendation, least severe first.
var Recommendations = []Recommendation{RecommendApprove, RecommendReview, RecommendBlock}

// Geolocation is the optional location reported with a transaction.
type Geolocation struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country,omitempty"`
}

// Valid reports whether the coordinates are on the globe.
func (g *Geolocation) Valid() bool {
	if g == nil {
		return false
	}
	if math.IsNaN(g.Lat) || math.IsNaN(g.Lon) {
		return false
	}
	return g.Lat >= -90 && g.Lat <= 90 && g.Lon >= -180 && g.Lon <= 180
}

// TransactionEvent is a single payment transaction submitted for scoring.
type TransactionEvent struct {
	ID                string          `json:"transactionId"`
	UserID            string          `json:"userId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	MerchantID        string          `json:"merchantId,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	DeviceFingerprint string          `json:"deviceFingerprint,omitempty"`
	SourceIP          string          `json:"sourceIp,omitempty"`
	Geo               *Geolocation    `json:"geolocation,omitempty"`
}

var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// Validate checks the required fields. A zero timestamp is not an error;
// callers stamp the receive time with Normalize.
func (t *TransactionEvent) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: transaction is required", ErrInvalidInput)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: transactionId is required", ErrInvalidInput)
	}
	if strings.TrimSpace(t.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if t.Currency != "" && !currencyRegex.MatchString(strings.ToUpper(t.Currency)) {
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrInvalidInput)
	}
	return nil
}

// Normalize returns a copy with trimmed identifiers, an upper-case currency
// and a timestamp defaulted to now (UTC).
func (t TransactionEvent) Normalize(now time.Time) TransactionEvent {
	t.ID = strings.TrimSpace(t.ID)
	t.UserID = strings.TrimSpace(t.UserID)
	t.MerchantID = strings.TrimSpace(t.MerchantID)
	t.Currency = strings.ToUpper(strings.TrimSpace(t.Currency))
	t.SourceIP = strings.TrimSpace(t.SourceIP)
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
	t.Timestamp = t.Timestamp.UTC()
	if t.Geo != nil {
		g := *t.Geo
		g.Country = strings.ToUpper(strings.TrimSpace(g.Country))
		t.Geo = &g
	}
	return t
}

// FeatureVector is the fixed-shape numeric input to the model manager.
// Every field is always populated.
type FeatureVector struct {
	TransactionAmount    float64 `json:"transactionAmount"`
	TransactionFrequency int     `json:"transactionFrequency"`
	TimeOfDay            int     `json:"timeOfDay"`
	DayOfWeek            int     `json:"dayOfWeek"`
	MerchantCategory     int     `json:"merchantCategory"`
	UserAge              int     `json:"userAge"`
	AccountAgeDays       int     `json:"accountAgeDays"`
	PriorFraudScore      float64 `json:"priorFraudScore"`
	VelocityScore        float64 `json:"velocityScore"`
	DeviceRisk           float64 `json:"deviceRisk"`
	GeolocationRisk      float64 `json:"geolocationRisk"`
	NetworkRisk          float64 `json:"networkRisk"`
}

// RiskPrediction is the normalized model manager response.
type RiskPrediction struct {
	RiskScore        float64  `json:"riskScore"`
	FraudProbability float64  `json:"fraudProbability"`
	Explanation      []string `json:"explanation"`
}

// FraudAlert is the decision record for one transaction.
type FraudAlert struct {
	ID               string         `json:"alertId"`
	TransactionID    string         `json:"transactionId"`
	UserID           string         `json:"userId"`
	RiskScore        float64        `json:"riskScore"`
	FraudProbability float64        `json:"fraudProbability"`
	RiskLevel        RiskLevel      `json:"riskLevel"`
	Recommendation   Recommendation `json:"recommendation"`
	Explanation      []string       `json:"explanation"`
	Timestamp        time.Time      `json:"timestamp"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
}

// Clone returns a deep copy so callers can never mutate a shared alert.
func (a *FraudAlert) Clone() *FraudAlert {
	if a == nil {
		return nil
	}
	c := *a
	c.Explanation = make([]string, len(a.Explanation))
	copy(c.Explanation, a.Explanation)
	return &c
}

// StatsSummary is a point-in-time aggregate over recent alerts.
type StatsSummary struct {
	WindowSeconds           int64                  `json:"windowSeconds"`
	TotalTransactions       int                    `json:"totalTransactions"`
	ByRiskLevel             map[RiskLevel]int      `json:"byRiskLevel"`
	ByRecommendation        map[Recommendation]int `json:"byRecommendation"`
	HighRiskCount           int                    `json:"highRiskCount"`
	AverageProcessingTimeMs float64                `json:"averageProcessingTimeMs"`
	FraudRate               float64                `json:"fraudRate"`
	GeneratedAt             time.Time              `json:"generatedAt"`
}
