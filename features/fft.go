package features

// Radix-2 Cooley-Tukey FFT. The recursive even/odd split is unrolled into an
// in-place bit-reversal permutation followed by butterfly passes, with the
// twiddle factors computed once per transform size.

import (
	"math"
	"math/bits"
)

type fftPlan struct {
	n       int
	rev     []int
	twiddle []complex128
}

func newFFTPlan(n int) *fftPlan {
	logN := bits.TrailingZeros(uint(n))
	rev := make([]int, n)
	for i := range rev {
		rev[i] = int(bits.Reverse(uint(i)) >> (bits.UintSize - logN))
	}

	twiddle := make([]complex128, n/2)
	for k := range twiddle {
		angle := -2 * math.Pi * float64(k) / float64(n)
		twiddle[k] = complex(math.Cos(angle), math.Sin(angle))
	}
	return &fftPlan{n: n, rev: rev, twiddle: twiddle}
}

// transform computes the DFT of a real frame of length n into out.
func (p *fftPlan) transform(frame []float64, out []complex128) {
	for i, r := range p.rev {
		out[r] = complex(frame[i], 0)
	}

	for size := 2; size <= p.n; size <<= 1 {
		half := size / 2
		step := p.n / size
		for start := 0; start < p.n; start += size {
			for k := 0; k < half; k++ {
				t := p.twiddle[k*step] * out[start+k+half]
				out[start+k+half] = out[start+k] - t
				out[start+k] += t
			}
		}
	}
}

// powerSpectrum returns |X[k]|^2 for k in [0, n/2].
func (p *fftPlan) powerSpectrum(frame []float64, scratch []complex128, power []float64) {
	p.transform(frame, scratch)
	for k := range power {
		re, im := real(scratch[k]), imag(scratch[k])
		power[k] = re*re + im*im
	}
}
