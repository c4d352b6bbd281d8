package dsp

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n int, fs, freq, amp float64) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/fs)
	}
	return x
}

func TestButterRejectsBadParameters(t *testing.T) {
	_, err := ButterHighpass(3, 250, 30000)
	assert.ErrorIs(t, err, ErrInvalidFilter)
	_, err = ButterLowpass(4, 20000, 30000)
	assert.ErrorIs(t, err, ErrInvalidFilter)
	_, err = ButterLowpass(4, 100, 0)
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestButterGains(t *testing.T) {
	hp, err := ButterHighpass(4, 250, 30000)
	require.NoError(t, err)
	require.Len(t, hp, 2)
	dc := 1.0
	for _, q := range hp {
		dc *= q.DCGain()
	}
	assert.InDelta(t, 0, dc, 1e-12)

	lp, err := ButterLowpass(4, 100, 1000)
	require.NoError(t, err)
	dc = 1.0
	for _, q := range lp {
		dc *= q.DCGain()
	}
	assert.InDelta(t, 1, dc, 1e-9)
}

func TestHighpassFiltFilt(t *testing.T) {
	fs := 30000.0
	n := 30000
	hp, err := ButterHighpass(4, 250, fs)
	require.NoError(t, err)

	// 10 Hz is removed, 2 kHz passes with unchanged amplitude
	low := hp.FiltFilt(sine(n, fs, 10, 1000))
	assert.Less(t, RMS(low[1000:n-1000]), 1.0)

	high := hp.FiltFilt(sine(n, fs, 2000, 1000))
	assert.InDelta(t, 1000/math.Sqrt2, RMS(high[1000:n-1000]), 5)

	// constant input settles without a transient
	flat := hp.FiltFilt(make([]float64, 100))
	for _, v := range flat {
		assert.Equal(t, 0.0, v)
	}
	assert.Nil(t, hp.FiltFilt(nil))
	assert.Len(t, hp.FiltFilt([]float64{1, 2, 3}), 3)
}

func TestDownsampleAndDecimate(t *testing.T) {
	assert.Equal(t, []float64{0, 3, 6, 9}, Downsample([]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 3))
	assert.Equal(t, []float64{1, 2}, Downsample([]float64{1, 2}, 1))

	x := sine(3000, 3000, 20, 1)
	y, err := Decimate(x, 3000, 100, 5)
	require.NoError(t, err)
	assert.Len(t, y, 600)
	assert.InDelta(t, 1/math.Sqrt2, RMS(y[50:550]), 0.02)
}

func TestPeriodogramPeak(t *testing.T) {
	fs := 1000.0
	x := sine(1000, fs, 20, 2)
	freqs, psd := Periodogram(x, fs)
	require.Len(t, freqs, 501)
	peak := NearestBin(freqs, 20)
	for i, p := range psd {
		if i != peak {
			assert.Less(t, p, psd[peak])
		}
	}
	// Parseval: total power equals variance
	total := 0.0
	for _, p := range psd {
		total += p * (fs / 1000)
	}
	assert.InDelta(t, 2.0, total, 1e-6)

	assert.InDelta(t, psd[peak]/18, BandMean(freqs, psd, 13, 30), psd[peak]*1e-3)
	assert.True(t, math.IsNaN(BandMean(freqs, psd, 600, 700)))
}

func TestEnvelopeAndPhase(t *testing.T) {
	fs := 1000.0
	x := sine(1000, fs, 50, 3)
	env := Envelope(x)
	for _, v := range env[100:900] {
		assert.InDelta(t, 3, v, 1e-6)
	}
	ph := Phase(x)
	// sin has phase -π/2 at t=0
	assert.InDelta(t, -math.Pi/2, ph[0], 1e-6)
}

func TestBandpassFFT(t *testing.T) {
	fs := 1000.0
	x := sine(1000, fs, 24, 1)
	y := sine(1000, fs, 130, 1)
	mix := make([]float64, len(x))
	for i := range mix {
		mix[i] = x[i] + y[i]
	}
	out := BandpassFFT(mix, fs, 15, 33)
	for i := range out {
		assert.InDelta(t, x[i], out[i], 1e-9)
	}
}

func TestDPSS(t *testing.T) {
	tapers, err := DPSS(64, 2, 3)
	require.NoError(t, err)
	require.Len(t, tapers, 3)
	for i, a := range tapers {
		energy := 0.0
		for _, v := range a {
			energy += v * v
		}
		assert.InDelta(t, 1, energy, 1e-9)
		for j, b := range tapers {
			if i == j {
				continue
			}
			dot := 0.0
			for k := range a {
				dot += a[k] * b[k]
			}
			assert.InDelta(t, 0, dot, 1e-9)
		}
	}
	// first taper is symmetric and positive in the middle
	assert.InDelta(t, tapers[0][10], tapers[0][53], 1e-9)
	assert.Greater(t, tapers[0][32], 0.0)

	_, err = DPSS(64, 40, 3)
	assert.Error(t, err)
}

func TestMultitaperWhiteNoise(t *testing.T) {
	mt, err := NewMultitaper(512, 2, 3)
	require.NoError(t, err)
	again, err := NewMultitaper(512, 2, 3)
	require.NoError(t, err)
	assert.Same(t, mt, again)

	rng := rand.New(rand.NewSource(7))
	fs := 1000.0
	sum := make([]float64, 257)
	windows := 200
	var freqs []float64
	for w := 0; w < windows; w++ {
		x := make([]float64, 512)
		for i := range x {
			x[i] = rng.NormFloat64()
		}
		var psd []float64
		freqs, psd = mt.PSD(x, fs)
		for i, p := range psd {
			sum[i] += p
		}
	}
	// unit-variance white noise has one-sided density 2/fs
	mid := NearestBin(freqs, 200)
	assert.InDelta(t, 2/fs, sum[mid]/float64(windows), 0.5/fs)
}

func TestRMSAndScale(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.InDelta(t, 5, RMS([]float64{3, 4, -3, -4, 5, -5, 5, 5, 5, 5}[4:]), 1e-12)
	assert.Equal(t, []float64{0.5, -1}, Scale([]int16{2, -4}, 0.25))
}
