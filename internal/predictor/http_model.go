package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/fraudwatch/internal/fraud"
)

const maxModelResponseSize = 1 << 20

// HTTPModel calls a model manager that accepts the feature vector as a JSON
// POST body and answers with a RiskPrediction.
type HTTPModel struct {
	url    string
	client *http.Client
}

// NewHTTPModel creates a model client for url. The client timeout is a
// backstop; the adapter's context deadline normally fires first.
func NewHTTPModel(url string, timeout time.Duration) *HTTPModel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPModel{
		url:    url,
		client: &http.Client{Timeout: 2 * timeout},
	}
}

type predictRequest struct {
	Features fraud.FeatureVector `json:"features"`
}

func (m *HTTPModel) Predict(ctx context.Context, features fraud.FeatureVector) (*fraud.RiskPrediction, error) {
	body, err := json.Marshal(predictRequest{Features: features})
	if err != nil {
		return nil, fmt.Errorf("marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxModelResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read model response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("model manager returned HTTP %d", resp.StatusCode)
	}

	var pred fraud.RiskPrediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return nil, fmt.Errorf("%w: undecodable response: %v", fraud.ErrPredictionInvalid, err)
	}
	return &pred, nil
}
