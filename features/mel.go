package features

import "math"

// Slaney mel scale: linear below 1 kHz, logarithmic above.
const (
	melLinearStep = 200.0 / 3
	melLogMinHz   = 1000.0
	melLogMin     = melLogMinHz / melLinearStep
)

var melLogStep = math.Log(6.4) / 27.0

func hzToMel(hz float64) float64 {
	if hz >= melLogMinHz {
		return melLogMin + math.Log(hz/melLogMinHz)/melLogStep
	}
	return hz / melLinearStep
}

func melToHz(mel float64) float64 {
	if mel >= melLogMin {
		return melLogMinHz * math.Exp(melLogStep*(mel-melLogMin))
	}
	return mel * melLinearStep
}

// melFilter is one triangular filter stored as a dense run of weights
// starting at bin lo.
type melFilter struct {
	lo      int
	weights []float64
}

// melFilterBank builds numMels area-normalised triangular filters spanning
// 0 Hz to Nyquist over the fftSize/2+1 power bins.
func melFilterBank(numMels, fftSize, sampleRate int) []melFilter {
	bins := fftSize/2 + 1
	fftFreqs := make([]float64, bins)
	for k := range fftFreqs {
		fftFreqs[k] = float64(k) * float64(sampleRate) / float64(fftSize)
	}

	maxMel := hzToMel(float64(sampleRate) / 2)
	melHz := make([]float64, numMels+2)
	for i := range melHz {
		melHz[i] = melToHz(maxMel * float64(i) / float64(numMels+1))
	}

	bank := make([]melFilter, numMels)
	for m := 0; m < numMels; m++ {
		left, center, right := melHz[m], melHz[m+1], melHz[m+2]
		norm := 2.0 / (right - left)

		f := melFilter{lo: -1}
		for k, freq := range fftFreqs {
			lower := (freq - left) / (center - left)
			upper := (right - freq) / (right - center)
			w := math.Max(0, math.Min(lower, upper))
			if w == 0 {
				if f.lo >= 0 {
					break
				}
				continue
			}
			if f.lo < 0 {
				f.lo = k
			}
			f.weights = append(f.weights, w*norm)
		}
		if f.lo < 0 {
			f.lo = 0
		}
		bank[m] = f
	}
	return bank
}

func (f melFilter) apply(power []float64) float64 {
	var sum float64
	for i, w := range f.weights {
		sum += w * power[f.lo+i]
	}
	return sum
}

// dctMatrix returns the first numCoeffs rows of the orthonormal DCT-II of
// size n.
func dctMatrix(numCoeffs, n int) [][]float64 {
	m := make([][]float64, numCoeffs)
	for k := range m {
		scale := math.Sqrt(2.0 / float64(n))
		if k == 0 {
			scale = math.Sqrt(1.0 / float64(n))
		}
		row := make([]float64, n)
		for i := range row {
			row[i] = scale * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*float64(n)))
		}
		m[k] = row
	}
	return m
}

// periodicHann is the DFT-even Hann window used for spectral analysis.
func periodicHann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}
