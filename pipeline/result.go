// Package pipeline runs the capture, extract, score and publish loop of a
// detection session, and the one-shot scoring of uploaded files.
package pipeline

import (
	"encoding/json"
	"fmt"
	"math"

	"live-detect/features"
	"live-detect/models"
)

// ErrNoFeature is returned by extraction for chunks that cannot be scored.
var ErrNoFeature = features.ErrNoFeature

// Label is the classification attached to a result.
type Label string

const (
	LabelNormal        Label = "normal"
	LabelFlagged       Label = "flagged"
	LabelIndeterminate Label = "indeterminate"
)

// Classify applies the threshold policy: strictly above is flagged.
func Classify(score, threshold float64) Label {
	if score > threshold {
		return LabelFlagged
	}
	return LabelNormal
}

// DetectionResult is the outcome of one loop iteration.
type DetectionResult struct {
	Sequence int
	Score    float64
	Label    Label
}

// NewResult classifies score against threshold.
func NewResult(sequence int, score, threshold float64) DetectionResult {
	return DetectionResult{Sequence: sequence, Score: score, Label: Classify(score, threshold)}
}

// Indeterminate is the result for a chunk that produced no feature.
func Indeterminate(sequence int) DetectionResult {
	return DetectionResult{Sequence: sequence, Label: LabelIndeterminate}
}

// RoundScore rounds to three decimals.
func RoundScore(score float64) float64 {
	return math.Round(score*1000) / 1000
}

// Message converts r to its wire form.
func (r DetectionResult) Message() models.ResultMessage {
	msg := models.ResultMessage{Label: string(r.Label), Sequence: r.Sequence}
	if r.Label != LabelIndeterminate {
		score := RoundScore(r.Score)
		msg.Score = &score
	}
	return msg
}

// MarshalWire encodes r as one self-contained JSON record.
func (r DetectionResult) MarshalWire() ([]byte, error) {
	return json.Marshal(r.Message())
}

// ParseWire decodes and validates a wire record.
func ParseWire(data []byte) (models.ResultMessage, error) {
	var msg models.ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("pipeline: decode result: %w", err)
	}
	switch Label(msg.Label) {
	case LabelNormal, LabelFlagged:
		if msg.Score == nil {
			return msg, fmt.Errorf("pipeline: %s result without score", msg.Label)
		}
	case LabelIndeterminate:
	default:
		return msg, fmt.Errorf("pipeline: unknown label %q", msg.Label)
	}
	if msg.Sequence < 0 {
		return msg, fmt.Errorf("pipeline: negative sequence %d", msg.Sequence)
	}
	return msg, nil
}
