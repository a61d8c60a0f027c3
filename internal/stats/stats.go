// Package stats aggregates fraud alerts into hourly counters and a bounded
// in-memory history used for live summaries.
//
// Hourly buckets expire on the bucket store TTL independently of history
// eviction, so the two views can disagree about old alerts.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/pagination"
)

// DefaultHistorySize bounds the in-memory history.
const DefaultHistorySize = 1000

// MaxHourlyRange caps the number of buckets Hourly will read.
const MaxHourlyRange = 24 * 7

// ErrInvalidRange is returned by Hourly for an inverted or oversized range.
var ErrInvalidRange = errors.New("stats: invalid hour range")

// Aggregator records alerts and produces summaries.
type Aggregator struct {
	buckets BucketStore
	now     func() time.Time

	mu      sync.Mutex
	history *ring
}

// NewAggregator creates an aggregator with a history of historySize alerts.
func NewAggregator(buckets BucketStore, historySize int) *Aggregator {
	return &Aggregator{
		buckets: buckets,
		now:     time.Now,
		history: newRing(historySize),
	}
}

// Record adds the alert to the history, then increments its hourly bucket.
// A bucket error is returned, but the alert stays in the history.
func (a *Aggregator) Record(ctx context.Context, alert *fraud.FraudAlert) error {
	if alert == nil {
		return errors.New("stats: nil alert")
	}
	a.mu.Lock()
	a.history.push(alert.Clone())
	a.mu.Unlock()

	return a.buckets.Increment(ctx, alert.Timestamp, alert.RiskLevel, alert.Recommendation)
}

// Snapshot summarizes alerts whose timestamp falls within window of now.
// window <= 0 covers the whole history.
func (a *Aggregator) Snapshot(window time.Duration) fraud.StatsSummary {
	now := a.now().UTC()
	summary := fraud.StatsSummary{
		WindowSeconds:    int64(window / time.Second),
		ByRiskLevel:      make(map[fraud.RiskLevel]int, len(fraud.RiskLevels)),
		ByRecommendation: make(map[fraud.Recommendation]int, len(fraud.Recommendations)),
		GeneratedAt:      now,
	}
	for _, l := range fraud.RiskLevels {
		summary.ByRiskLevel[l] = 0
	}
	for _, r := range fraud.Recommendations {
		summary.ByRecommendation[r] = 0
	}

	var cutoff time.Time
	if window > 0 {
		cutoff = now.Add(-window)
	}

	var totalMs int64
	a.mu.Lock()
	a.history.each(func(_ uint64, al *fraud.FraudAlert) bool {
		if window > 0 && al.Timestamp.Before(cutoff) {
			return true
		}
		summary.TotalTransactions++
		summary.ByRiskLevel[al.RiskLevel]++
		summary.ByRecommendation[al.Recommendation]++
		totalMs += al.ProcessingTimeMs
		return true
	})
	a.mu.Unlock()

	summary.HighRiskCount = summary.ByRiskLevel[fraud.RiskHigh]
	if summary.TotalTransactions > 0 {
		summary.AverageProcessingTimeMs = float64(totalMs) / float64(summary.TotalTransactions)
		summary.FraudRate = float64(summary.HighRiskCount) / float64(summary.TotalTransactions)
	}
	return summary
}

// Recent returns up to limit alerts, most recent first. limit <= 0 returns
// the whole history.
func (a *Aggregator) Recent(limit int) []*fraud.FraudAlert {
	if limit <= 0 {
		limit = a.HistoryLen()
	}
	alerts, _, _ := a.Page("", limit)
	return alerts
}

// Page returns up to limit alerts recorded before cursor, most recent first,
// plus the cursor of the following page ("" on the last page). A cursor that
// names a different alert than the one now held at its position fails with
// pagination.ErrInvalidCursor.
func (a *Aggregator) Page(cursor string, limit int) ([]*fraud.FraudAlert, string, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		return []*fraud.FraudAlert{}, "", nil
	}

	type item struct {
		seq   uint64
		alert *fraud.FraudAlert
	}
	items := make([]item, 0, min(limit+1, DefaultHistorySize))
	stale := false

	a.mu.Lock()
	a.history.each(func(seq uint64, al *fraud.FraudAlert) bool {
		if c != nil && seq >= c.Seq {
			if seq == c.Seq && al.ID != c.AlertID {
				stale = true
				return false
			}
			return true
		}
		items = append(items, item{seq: seq, alert: al.Clone()})
		return len(items) <= limit
	})
	a.mu.Unlock()

	if stale {
		return nil, "", pagination.ErrInvalidCursor
	}

	items, next, _ := pagination.ComputePage(items, limit, func(i item) (uint64, string) {
		return i.seq, i.alert.ID
	})
	out := make([]*fraud.FraudAlert, len(items))
	for i, it := range items {
		out[i] = it.alert
	}
	return out, next, nil
}

// HistoryLen returns the number of alerts currently held.
func (a *Aggregator) HistoryLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history.len()
}

// Hourly reads the buckets for each hour in [from, to], oldest first.
func (a *Aggregator) Hourly(ctx context.Context, from, to time.Time) ([]Bucket, error) {
	from = from.UTC().Truncate(time.Hour)
	to = to.UTC().Truncate(time.Hour)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, from, to)
	}
	hours := int(to.Sub(from)/time.Hour) + 1
	if hours > MaxHourlyRange {
		return nil, fmt.Errorf("%w: %d hours exceeds %d", ErrInvalidRange, hours, MaxHourlyRange)
	}

	out := make([]Bucket, 0, hours)
	for h := from; !h.After(to); h = h.Add(time.Hour) {
		b, err := a.buckets.Read(ctx, h)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
