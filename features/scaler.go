package features

import (
	"encoding/json"
	"fmt"
	"os"
)

const scaleEpsilon = 1e-10

// Scaler standardises each feature column: (x - mean) / (scale + 1e-10).
// The statistics are fitted offline; a nil *Scaler is the identity.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// LoadScaler reads scaler statistics from a JSON file.
func LoadScaler(path string) (*Scaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("features: read scaler: %w", err)
	}
	var s Scaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("features: decode scaler %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks the statistics cover width columns.
func (s *Scaler) Validate(width int) error {
	if s == nil {
		return nil
	}
	if len(s.Mean) != width || len(s.Scale) != width {
		return fmt.Errorf("features: scaler has %d means and %d scales, want %d", len(s.Mean), len(s.Scale), width)
	}
	for i, v := range s.Scale {
		if v < 0 {
			return fmt.Errorf("features: scaler scale is negative at column %d", i)
		}
	}
	return nil
}

// Apply standardises row in place.
func (s *Scaler) Apply(row []float64) {
	if s == nil {
		return
	}
	for i := range row {
		row[i] = (row[i] - s.Mean[i]) / (s.Scale[i] + scaleEpsilon)
	}
}
