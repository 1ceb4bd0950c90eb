// Package scoring maps a feature tensor to a probability in [0, 1].
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"

	"live-detect/features"
)

// ErrUnavailable is returned when no scoring backend is configured.
var ErrUnavailable = errors.New("scoring: scorer unavailable")

// Scorer classifies one fixed-shape tensor. Implementations must be safe for
// concurrent use.
type Scorer interface {
	Score(ctx context.Context, t features.Tensor) (float64, error)
}

// Unavailable is the scorer used when neither a remote model nor local
// prototypes are configured. Every call fails with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) Score(context.Context, features.Tensor) (float64, error) {
	return 0, ErrUnavailable
}

func checkProbability(p float64) (float64, error) {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("scoring: score %v outside [0, 1]", p)
	}
	return p, nil
}

func checkShape(t features.Tensor, rows, cols int) error {
	if t.Rows != rows || t.Cols != cols || len(t.Data) != rows*cols {
		return fmt.Errorf("scoring: tensor shape %dx%d (%d values), want %dx%d", t.Rows, t.Cols, len(t.Data), rows, cols)
	}
	return nil
}
