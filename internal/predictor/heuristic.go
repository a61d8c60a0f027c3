package predictor

import (
	"context"
	"fmt"
	"math"

	"github.com/mbd888/fraudwatch/internal/fraud"
)

// HeuristicModel is an in-process logistic scorer used when no external
// model manager is configured. It is deterministic and never fails.
type HeuristicModel struct{}

type contribution struct {
	weight float64
	reason string
}

func (HeuristicModel) Predict(_ context.Context, f fraud.FeatureVector) (*fraud.RiskPrediction, error) {
	amountSignal := math.Min(f.TransactionAmount/10000, 3)
	terms := []contribution{
		{1.4 * amountSignal, fmt.Sprintf("transaction amount %.2f is high", f.TransactionAmount)},
		{0.03 * f.VelocityScore, fmt.Sprintf("velocity score %.0f", f.VelocityScore)},
		{1.5 * (f.DeviceRisk - 0.5), "unrecognized device"},
		{1.5 * (f.GeolocationRisk - 0.5), "unusual location"},
		{1.2 * (f.NetworkRisk - 0.5), "risky network origin"},
		{2.0 * f.PriorFraudScore, "prior fraud history"},
	}
	if f.AccountAgeDays < 7 {
		terms = append(terms, contribution{0.8, "new account"})
	}
	if f.TimeOfDay < 5 {
		terms = append(terms, contribution{0.4, "unusual hour"})
	}

	z := -3.0
	explanation := []string{}
	for _, t := range terms {
		z += t.weight
		if t.weight >= 0.5 {
			explanation = append(explanation, t.reason)
		}
	}
	p := 1 / (1 + math.Exp(-z))

	return &fraud.RiskPrediction{
		RiskScore:        math.Round(p*1000) / 10,
		FraudProbability: p,
		Explanation:      explanation,
	}, nil
}
