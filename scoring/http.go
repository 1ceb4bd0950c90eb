package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"live-detect/features"
)

// HTTPScorer calls a remote model service that exposes /health and /predict.
type HTTPScorer struct {
	serviceURL string
	rows, cols int
	client     *http.Client
}

type predictRequest struct {
	Shape    [2]int      `json:"shape"`
	Features [][]float64 `json:"features"`
}

type predictResponse struct {
	Score *float64 `json:"score"`
}

// NewHTTPScorer creates a client for the model service at serviceURL that
// accepts tensors of rows x cols.
func NewHTTPScorer(serviceURL string, rows, cols int) *HTTPScorer {
	if serviceURL == "" {
		serviceURL = "http://localhost:5002"
	}

	return &HTTPScorer{
		serviceURL: serviceURL,
		rows:       rows,
		cols:       cols,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// HealthCheck verifies the model service is running.
func (s *HTTPScorer) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serviceURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("model service not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Score posts the tensor to /predict and returns the model's probability.
func (s *HTTPScorer) Score(ctx context.Context, t features.Tensor) (float64, error) {
	if err := checkShape(t, s.rows, s.cols); err != nil {
		return 0, err
	}

	rows := make([][]float64, t.Rows)
	for i := range rows {
		rows[i] = t.Row(i)
	}
	body, err := json.Marshal(predictRequest{Shape: [2]int{t.Rows, t.Cols}, Features: rows})
	if err != nil {
		return 0, fmt.Errorf("failed to encode tensor: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serviceURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("predict request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("model service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Score == nil {
		return 0, fmt.Errorf("model service response has no score")
	}
	return checkProbability(*out.Score)
}
