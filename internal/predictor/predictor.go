// Package predictor adapts an external model manager into the pipeline.
//
// The adapter never invents a score. A failed, slow or out-of-bounds model
// response is reported as fraud.ErrDependencyUnavailable so callers cannot
// confuse "could not score" with a low-risk decision.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/metrics"
)

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 2 * time.Second

const breakerKey = "model"

// ModelManager is the external scoring capability.
type ModelManager interface {
	Predict(ctx context.Context, features fraud.FeatureVector) (*fraud.RiskPrediction, error)
}

// ModelFunc adapts a function to ModelManager.
type ModelFunc func(ctx context.Context, features fraud.FeatureVector) (*fraud.RiskPrediction, error)

func (f ModelFunc) Predict(ctx context.Context, features fraud.FeatureVector) (*fraud.RiskPrediction, error) {
	return f(ctx, features)
}

// Adapter validates and times model manager calls.
type Adapter struct {
	model   ModelManager
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the per-call timeout. Values <= 0 are ignored.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithBreaker installs a circuit breaker around the model.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(a *Adapter) { a.breaker = b }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter wraps model.
func NewAdapter(model ModelManager, opts ...Option) *Adapter {
	a := &Adapter{
		model:   model,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Predict scores features. Errors always match fraud.ErrDependencyUnavailable.
func (a *Adapter) Predict(ctx context.Context, features fraud.FeatureVector) (*fraud.RiskPrediction, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var pred *fraud.RiskPrediction
	call := func() error {
		start := time.Now()
		p, err := a.model.Predict(ctx, features)
		if err == nil {
			err = validate(p)
		}
		metrics.ModelLatency.WithLabelValues(outcome(err)).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		pred = normalize(p)
		return nil
	}

	var err error
	if a.breaker != nil {
		err = a.breaker.Execute(breakerKey, call)
	} else {
		err = call()
	}
	if err == nil {
		return pred, nil
	}

	a.logger.Warn("model prediction failed", "error", err)
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return nil, fmt.Errorf("%w: model manager circuit open", fraud.ErrDependencyUnavailable)
	case errors.Is(err, fraud.ErrPredictionInvalid):
		return nil, fmt.Errorf("%w: %w", fraud.ErrDependencyUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: model manager timed out after %s", fraud.ErrDependencyUnavailable, a.timeout)
	default:
		return nil, fmt.Errorf("%w: model manager: %w", fraud.ErrDependencyUnavailable, err)
	}
}

func validate(p *fraud.RiskPrediction) error {
	if p == nil {
		return fmt.Errorf("%w: empty response", fraud.ErrPredictionInvalid)
	}
	if math.IsNaN(p.FraudProbability) || p.FraudProbability < 0 || p.FraudProbability > 1 {
		return fmt.Errorf("%w: fraudProbability %v outside [0,1]", fraud.ErrPredictionInvalid, p.FraudProbability)
	}
	if math.IsNaN(p.RiskScore) || math.IsInf(p.RiskScore, 0) {
		return fmt.Errorf("%w: riskScore %v is not finite", fraud.ErrPredictionInvalid, p.RiskScore)
	}
	return nil
}

func normalize(p *fraud.RiskPrediction) *fraud.RiskPrediction {
	out := *p
	if out.Explanation == nil {
		out.Explanation = []string{}
	} else {
		out.Explanation = append([]string(nil), p.Explanation...)
	}
	return &out
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fraud.ErrPredictionInvalid):
		return "invalid"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
