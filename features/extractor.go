// Package features turns mono audio into the fixed-shape cepstral tensor the
// scorer consumes: MFCCs plus their first and second derivatives, padded or
// truncated to a fixed number of frames and standardised per column.
package features

import (
	"errors"
	"fmt"
	"math"

	"live-detect/config"
)

// ErrNoFeature marks a chunk that cannot be classified: silent, non-finite,
// too short, or numerically degenerate after the transform.
var ErrNoFeature = errors.New("features: no feature")

// Tensor is a row-major Rows x Cols matrix (time steps x features).
type Tensor struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// Row returns row i as a view into the tensor data.
func (t Tensor) Row(i int) []float64 {
	return t.Data[i*t.Cols : (i+1)*t.Cols]
}

// At returns element (i, j).
func (t Tensor) At(i, j int) float64 {
	return t.Data[i*t.Cols+j]
}

// Extractor is safe for concurrent use; all scratch space is per call.
type Extractor struct {
	sampleRate int
	fftSize    int
	hop        int
	timeSteps  int
	width      int
	epsilon    float64

	window  []float64
	fft     *fftPlan
	melBank []melFilter
	dct     [][]float64
	scaler  *Scaler
}

// NewExtractor prepares an extractor for profile p. scaler may be nil.
func NewExtractor(p config.Profile, scaler *Scaler) (*Extractor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := scaler.Validate(p.FeatureWidth); err != nil {
		return nil, err
	}
	return &Extractor{
		sampleRate: p.SampleRate,
		fftSize:    p.FFTSize,
		hop:        p.HopSize,
		timeSteps:  p.TimeSteps,
		width:      p.FeatureWidth,
		epsilon:    p.SilenceEpsilon,
		window:     periodicHann(p.FFTSize),
		fft:        newFFTPlan(p.FFTSize),
		melBank:    melFilterBank(p.NumMels, p.FFTSize, p.SampleRate),
		dct:        dctMatrix(p.NumMFCC, p.NumMels),
		scaler:     scaler,
	}, nil
}

// Shape returns the fixed (time steps, width) of every tensor produced.
func (e *Extractor) Shape() (int, int) {
	return e.timeSteps, e.width
}

// Extract computes the feature tensor for samples at the profile rate.
func (e *Extractor) Extract(samples []float64) (Tensor, error) {
	var peak float64
	for _, s := range samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return Tensor{}, fmt.Errorf("%w: non-finite sample", ErrNoFeature)
		}
		peak = math.Max(peak, math.Abs(s))
	}
	if peak < e.epsilon {
		return Tensor{}, fmt.Errorf("%w: peak %.5f below silence threshold", ErrNoFeature, peak)
	}
	if e.frameCount(len(samples)) < deltaWidth {
		return Tensor{}, fmt.Errorf("%w: %d samples is too short", ErrNoFeature, len(samples))
	}

	mfcc := e.mfcc(samples)
	d1 := delta(mfcc, 1)
	d2 := delta(mfcc, 2)

	numMFCC := len(e.dct)
	out := Tensor{Rows: e.timeSteps, Cols: e.width, Data: make([]float64, e.timeSteps*e.width)}
	frames := min(len(mfcc), e.timeSteps)
	for t := 0; t < frames; t++ {
		row := out.Row(t)
		copy(row, mfcc[t])
		copy(row[numMFCC:], d1[t])
		copy(row[2*numMFCC:], d2[t])
	}
	for t := 0; t < out.Rows; t++ {
		e.scaler.Apply(out.Row(t))
	}

	for _, v := range out.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Tensor{}, fmt.Errorf("%w: non-finite value after transform", ErrNoFeature)
		}
	}
	return out, nil
}
