// Package dsp holds the signal processing used by the feature kinds: Butterworth
// filters in second-order sections, zero-phase filtering, spectra, the analytic
// signal and Slepian tapers.
package dsp

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidFilter is returned for unsupported filter parameters
var ErrInvalidFilter = errors.New("invalid filter parameters")

// Biquad is one second-order section, normalized so a0 == 1
type Biquad struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// SOS is a cascade of second-order sections
type SOS []Biquad

// DCGain returns the section gain at z == 1
func (q Biquad) DCGain() float64 {
	den := 1 + q.A1 + q.A2
	if den == 0 {
		return 0
	}
	return (q.B0 + q.B1 + q.B2) / den
}

// ButterHighpass designs an even-order Butterworth high-pass by bilinear transform
func ButterHighpass(order int, cutoff, fs float64) (SOS, error) {
	return butter(order, cutoff, fs, true)
}

// ButterLowpass designs an even-order Butterworth low-pass by bilinear transform
func ButterLowpass(order int, cutoff, fs float64) (SOS, error) {
	return butter(order, cutoff, fs, false)
}

func butter(order int, cutoff, fs float64, highpass bool) (SOS, error) {
	if order <= 0 || order%2 != 0 {
		return nil, fmt.Errorf("%w: order %d must be positive and even", ErrInvalidFilter, order)
	}
	if fs <= 0 || cutoff <= 0 || cutoff >= fs/2 {
		return nil, fmt.Errorf("%w: cutoff %.1f Hz at fs %.1f Hz", ErrInvalidFilter, cutoff, fs)
	}

	k := 2 * fs
	wc := k * math.Tan(math.Pi*cutoff/fs) // prewarped analog cutoff
	sos := make(SOS, 0, order/2)

	for i := 0; i < order/2; i++ {
		// Conjugate pole pair of the analog prototype: s² + a·wc·s + wc²
		theta := math.Pi * float64(2*i+order+1) / float64(2*order)
		a := -2 * math.Cos(theta)

		d0 := k*k + a*wc*k + wc*wc
		d1 := -2*k*k + 2*wc*wc
		d2 := k*k - a*wc*k + wc*wc

		var n0, n1, n2 float64
		if highpass {
			n0, n1, n2 = k*k, -2*k*k, k*k
		} else {
			n0, n1, n2 = wc*wc, 2*wc*wc, wc*wc
		}

		sos = append(sos, Biquad{
			B0: n0 / d0, B1: n1 / d0, B2: n2 / d0,
			A1: d1 / d0, A2: d2 / d0,
		})
	}
	return sos, nil
}

// steady-state initial conditions of one section for a unit step
func (q Biquad) stepState() (z1, z2 float64) {
	g := q.DCGain()
	z2 = q.B2 - q.A2*g
	z1 = q.B1 - q.A1*g + z2
	return z1, z2
}

// Filter runs the cascade once forward, transposed direct form II, from zero state
func (s SOS) Filter(x []float64) []float64 {
	y := append([]float64(nil), x...)
	for _, q := range s {
		q.run(y, 0, 0)
	}
	return y
}

// filterFrom runs the cascade with initial state scaled to x[0] so a constant
// input produces no transient
func (s SOS) filterFrom(y []float64) {
	if len(y) == 0 {
		return
	}
	scale := y[0]
	for _, q := range s {
		z1, z2 := q.stepState()
		q.run(y, z1*scale, z2*scale)
		scale *= q.DCGain()
	}
}

func (q Biquad) run(y []float64, z1, z2 float64) {
	for i, x := range y {
		out := q.B0*x + z1
		z1 = q.B1*x - q.A1*out + z2
		z2 = q.B2*x - q.A2*out
		y[i] = out
	}
}

// PadLen is the odd-extension length used by FiltFilt
func (s SOS) PadLen() int {
	return 3 * (2*len(s) + 1)
}

// FiltFilt applies the cascade forward and backward for zero phase. The
// signal is extended at both ends by odd reflection to reduce edge transients.
func (s SOS) FiltFilt(x []float64) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}
	pad := s.PadLen()
	if pad > n-1 {
		pad = n - 1
	}

	ext := make([]float64, n+2*pad)
	for i := 0; i < pad; i++ {
		ext[i] = 2*x[0] - x[pad-i]
		ext[n+pad+i] = 2*x[n-1] - x[n-2-i]
	}
	copy(ext[pad:], x)

	s.filterFrom(ext)
	reverse(ext)
	s.filterFrom(ext)
	reverse(ext)

	return append([]float64(nil), ext[pad:pad+n]...)
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}

// Downsample keeps every factor-th sample starting at 0
func Downsample(x []float64, factor int) []float64 {
	if factor <= 1 {
		return append([]float64(nil), x...)
	}
	out := make([]float64, 0, (len(x)+factor-1)/factor)
	for i := 0; i < len(x); i += factor {
		out = append(out, x[i])
	}
	return out
}

// Decimate low-passes x at cutoff with a 4th-order zero-phase Butterworth and keeps
// every factor-th sample. A factor of 1 returns the filtered signal.
func Decimate(x []float64, fs, cutoff float64, factor int) ([]float64, error) {
	if cutoff >= fs/2 {
		return Downsample(x, factor), nil
	}
	lp, err := ButterLowpass(4, cutoff, fs)
	if err != nil {
		return nil, err
	}
	return Downsample(lp.FiltFilt(x), factor), nil
}
