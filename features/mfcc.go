package features

import "math"

const (
	powerFloor = 1e-10
	topDB      = 80.0
	deltaWidth = 9
)

// frameCount is the number of hop-spaced frames over n samples once
// fftSize/2 zeros pad both sides, so frame t is centred on sample t*hop.
func (e *Extractor) frameCount(n int) int {
	return 1 + n/e.hop
}

// mfcc returns a [frames][numMFCC] matrix of cepstral coefficients.
func (e *Extractor) mfcc(samples []float64) [][]float64 {
	pad := e.fftSize / 2
	numFrames := e.frameCount(len(samples))

	frame := make([]float64, e.fftSize)
	scratch := make([]complex128, e.fftSize)
	power := make([]float64, e.fftSize/2+1)

	logMel := make([][]float64, numFrames)
	maxDB := math.Inf(-1)
	for t := 0; t < numFrames; t++ {
		start := t*e.hop - pad
		for i := range frame {
			idx := start + i
			if idx < 0 || idx >= len(samples) {
				frame[i] = 0
				continue
			}
			frame[i] = samples[idx] * e.window[i]
		}
		e.fft.powerSpectrum(frame, scratch, power)

		row := make([]float64, len(e.melBank))
		for m, f := range e.melBank {
			db := 10 * math.Log10(math.Max(powerFloor, f.apply(power)))
			row[m] = db
			if db > maxDB {
				maxDB = db
			}
		}
		logMel[t] = row
	}

	floor := maxDB - topDB
	out := make([][]float64, numFrames)
	for t, row := range logMel {
		for m := range row {
			if row[m] < floor {
				row[m] = floor
			}
		}
		coeffs := make([]float64, len(e.dct))
		for k, basis := range e.dct {
			var sum float64
			for m, v := range row {
				sum += basis[m] * v
			}
			coeffs[k] = sum
		}
		out[t] = coeffs
	}
	return out
}

// delta computes the first (order 1) or second (order 2) local derivative of
// each coefficient over a 9-frame window. Frames closer than four to either
// edge take the value of the nearest full window, matching a polynomial fit
// over the edge window. Requires at least deltaWidth frames.
func delta(coeffs [][]float64, order int) [][]float64 {
	n := len(coeffs)
	half := deltaWidth / 2
	out := make([][]float64, n)

	weights := make([]float64, deltaWidth)
	var norm float64
	for i := range weights {
		k := float64(i - half)
		switch order {
		case 1:
			weights[i] = k
			norm += k * k
		case 2:
			// second derivative of a least-squares quadratic: 2 * sum((k^2 - mean k^2) y) / sum((k^2 - mean k^2)^2)
			weights[i] = k*k - 20.0/3
			norm += weights[i] * weights[i]
		}
	}
	if order == 2 {
		norm /= 2
	}

	for t := range out {
		center := min(max(t, half), n-1-half)
		row := make([]float64, len(coeffs[0]))
		for c := range row {
			var sum float64
			for i, w := range weights {
				sum += w * coeffs[center-half+i][c]
			}
			row[c] = sum / norm
		}
		out[t] = row
	}
	return out
}
