package scoring

// Prototype scorer
//
// A deterministic local fallback for when no model service is deployed. Each
// prototype is a labelled reference tensor. The score of an input is the
// distance-weighted share of its k nearest prototypes that are positive:
//
//	weight(p) = 1 / (euclidean(x, p) + 1e-9)
//	score     = sum(weight of positive neighbours) / sum(weight of all neighbours)
//
// Ties in distance are broken by prototype order so repeated calls agree.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"live-detect/features"
	"live-detect/utils"
)

// Prototype is one labelled reference tensor, flattened row-major.
type Prototype struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	Positive bool      `json:"positive"`
	Features []float64 `json:"features"`
}

// PrototypeScorer is a k-nearest-prototype classifier. It is immutable after
// construction.
type PrototypeScorer struct {
	prototypes []Prototype
	k          int
	rows, cols int
}

type distancePair struct {
	index    int
	distance float64
}

// NewPrototypeScorer validates prototypes against the rows x cols shape.
func NewPrototypeScorer(prototypes []Prototype, k, rows, cols int) (*PrototypeScorer, error) {
	if k <= 0 {
		return nil, fmt.Errorf("invalid neighbour count: %d", k)
	}
	if len(prototypes) == 0 {
		return nil, errors.New("no prototypes provided")
	}
	for _, proto := range prototypes {
		if len(proto.Features) != rows*cols {
			return nil, fmt.Errorf("prototype %s has %d features, expected %d", proto.ID, len(proto.Features), rows*cols)
		}
		if proto.Label == "" {
			return nil, fmt.Errorf("prototype %s missing label", proto.ID)
		}
	}
	return &PrototypeScorer{prototypes: prototypes, k: k, rows: rows, cols: cols}, nil
}

// NewPrototypeScorerFromFile loads prototypes from a JSON array at path. When
// the file is missing, "<name>.example<ext>" is tried instead.
func NewPrototypeScorerFromFile(path string, k, rows, cols int) (*PrototypeScorer, error) {
	resolvedPath := filepath.Clean(path)
	data, err := os.ReadFile(resolvedPath)
	if err != nil {
		ext := filepath.Ext(resolvedPath)
		fallbackPath := strings.TrimSuffix(resolvedPath, ext) + ".example" + ext
		data, err = os.ReadFile(fallbackPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load prototypes (%s): %w", resolvedPath, err)
		}
		utils.GetLogger().Warn("falling back to example prototypes", "path", fallbackPath)
	}

	var prototypes []Prototype
	if err := json.Unmarshal(data, &prototypes); err != nil {
		return nil, fmt.Errorf("unable to parse prototypes: %w", err)
	}
	return NewPrototypeScorer(prototypes, k, rows, cols)
}

// Score returns the weighted positive share of the k nearest prototypes.
func (s *PrototypeScorer) Score(_ context.Context, t features.Tensor) (float64, error) {
	if err := checkShape(t, s.rows, s.cols); err != nil {
		return 0, err
	}

	distances := make([]distancePair, len(s.prototypes))
	for i, proto := range s.prototypes {
		distances[i] = distancePair{index: i, distance: euclidean(t.Data, proto.Features)}
	}
	sort.SliceStable(distances, func(i, j int) bool {
		return distances[i].distance < distances[j].distance
	})

	k := min(s.k, len(distances))
	var positive, total float64
	for _, neighbor := range distances[:k] {
		weight := 1.0 / (neighbor.distance + 1e-9)
		total += weight
		if s.prototypes[neighbor.index].Positive {
			positive += weight
		}
	}
	if total == 0 || math.IsInf(total, 0) {
		return 0, errors.New("scoring: degenerate neighbour weights")
	}
	return checkProbability(positive / total)
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
