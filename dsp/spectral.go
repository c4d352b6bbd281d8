package dsp

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// Periodogram returns the one-sided power spectral density of x after removing
// its mean, with a rectangular window. freqs[i] is in Hz.
func Periodogram(x []float64, fs float64) (freqs, psd []float64) {
	n := len(x)
	if n == 0 {
		return nil, nil
	}
	mean := stat.Mean(x, nil)
	centred := make([]float64, n)
	for i, v := range x {
		centred[i] = v - mean
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, centred)

	freqs = make([]float64, len(coeffs))
	psd = make([]float64, len(coeffs))
	scale := 1 / (fs * float64(n))
	for i, c := range coeffs {
		freqs[i] = fft.Freq(i) * fs
		p := real(c)*real(c) + imag(c)*imag(c)
		p *= scale
		// DC and, for even n, Nyquist appear once in the two-sided spectrum
		if i != 0 && !(n%2 == 0 && i == len(coeffs)-1) {
			p *= 2
		}
		psd[i] = p
	}
	return freqs, psd
}

// BandMean averages psd over bins whose frequency lies in [lo, hi]. It returns
// NaN when no bin falls in the band.
func BandMean(freqs, psd []float64, lo, hi float64) float64 {
	sum, count := 0.0, 0
	for i, f := range freqs {
		if f >= lo && f <= hi {
			sum += psd[i]
			count++
		}
	}
	if count == 0 {
		return math.NaN()
	}
	return sum / float64(count)
}

// Analytic returns the analytic signal of x, computed through the FFT
func Analytic(x []float64) []complex128 {
	n := len(x)
	if n == 0 {
		return nil
	}
	fft := fourier.NewCmplxFFT(n)
	seq := make([]complex128, n)
	for i, v := range x {
		seq[i] = complex(v, 0)
	}
	coeffs := fft.Coefficients(nil, seq)

	// h: 1 at DC (and Nyquist for even n), 2 for positive, 0 for negative frequencies
	half := n / 2
	for i := 1; i < n; i++ {
		switch {
		case n%2 == 0 && i == half:
		case i < (n+1)/2:
			coeffs[i] *= 2
		default:
			coeffs[i] = 0
		}
	}

	out := fft.Sequence(nil, coeffs)
	inv := complex(1/float64(n), 0)
	for i := range out {
		out[i] *= inv
	}
	return out
}

// Envelope returns |analytic(x)|
func Envelope(x []float64) []float64 {
	a := Analytic(x)
	out := make([]float64, len(a))
	for i, v := range a {
		out[i] = cmplx.Abs(v)
	}
	return out
}

// Phase returns arg(analytic(x)) in (-π, π]
func Phase(x []float64) []float64 {
	a := Analytic(x)
	out := make([]float64, len(a))
	for i, v := range a {
		out[i] = cmplx.Phase(v)
	}
	return out
}

// BandpassFFT zeroes every Fourier bin outside [lo, hi] Hz and returns the real
// inverse transform
func BandpassFFT(x []float64, fs, lo, hi float64) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, x)
	for i := range coeffs {
		f := fft.Freq(i) * fs
		if f < lo || f > hi {
			coeffs[i] = 0
		}
	}
	out := fft.Sequence(nil, coeffs)
	for i := range out {
		out[i] /= float64(n)
	}
	return out
}

// Multitaper holds cached tapers for one window length
type Multitaper struct {
	N      int
	Tapers [][]float64
}

var (
	taperMu    sync.Mutex
	taperCache = map[[3]float64]*Multitaper{}
)

// NewMultitaper returns the K-taper estimator of window n and time-bandwidth nw,
// reusing tapers computed earlier in the process
func NewMultitaper(n int, nw float64, k int) (*Multitaper, error) {
	key := [3]float64{float64(n), nw, float64(k)}
	taperMu.Lock()
	defer taperMu.Unlock()
	if mt, ok := taperCache[key]; ok {
		return mt, nil
	}
	tapers, err := DPSS(n, nw, k)
	if err != nil {
		return nil, err
	}
	mt := &Multitaper{N: n, Tapers: tapers}
	taperCache[key] = mt
	return mt, nil
}

// PSD returns the one-sided multitaper density of a window of length N
func (m *Multitaper) PSD(window []float64, fs float64) (freqs, psd []float64) {
	n := m.N
	fft := fourier.NewFFT(n)
	mean := stat.Mean(window, nil)
	tapered := make([]float64, n)
	coeffs := make([]complex128, n/2+1)

	psd = make([]float64, n/2+1)
	for _, taper := range m.Tapers {
		for i := 0; i < n; i++ {
			tapered[i] = (window[i] - mean) * taper[i]
		}
		coeffs = fft.Coefficients(coeffs, tapered)
		for i, c := range coeffs {
			psd[i] += real(c)*real(c) + imag(c)*imag(c)
		}
	}

	freqs = make([]float64, len(psd))
	k := float64(len(m.Tapers))
	for i := range psd {
		freqs[i] = fft.Freq(i) * fs
		psd[i] /= k * fs
		if i != 0 && !(n%2 == 0 && i == len(psd)-1) {
			psd[i] *= 2
		}
	}
	return freqs, psd
}

// NearestBin returns the index of the frequency closest to f
func NearestBin(freqs []float64, f float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, v := range freqs {
		if d := math.Abs(v - f); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
