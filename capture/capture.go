// Package capture produces fixed-duration mono audio chunks from a device or
// a file.
package capture

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	// ErrNoDevice means no input device is available. It is retryable.
	ErrNoDevice = errors.New("capture: no input device")
	// ErrCaptureFailed means the device exists but a read failed. It is retryable.
	ErrCaptureFailed = errors.New("capture: capture failed")
	// ErrExhausted is returned by finite sources once every chunk was delivered.
	ErrExhausted = errors.New("capture: source exhausted")
)

// AudioChunk is one capture interval of mono samples in [-1, 1].
type AudioChunk struct {
	Samples    []float64
	SampleRate int
	CapturedAt time.Time
}

// Empty reports whether the chunk carries no samples.
func (c AudioChunk) Empty() bool {
	return len(c.Samples) == 0
}

// Peak returns the maximum absolute sample value. Non-finite samples yield
// +Inf or NaN.
func (c AudioChunk) Peak() float64 {
	var peak float64
	for _, s := range c.Samples {
		if math.IsNaN(s) {
			return math.NaN()
		}
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return peak
}

// Source delivers audio chunks. Capture blocks for roughly one chunk
// duration, which paces the caller's loop.
type Source interface {
	Capture(ctx context.Context) (AudioChunk, error)
	Close() error
}
