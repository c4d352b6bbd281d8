package features

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noise(n int, sigma float64, seed int64) []float64 {
	r := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = sigma * r.NormFloat64()
	}
	return out
}

func addSine(x []float64, fs, freq, amp float64) {
	for i := range x {
		x[i] += amp * math.Sin(2*math.Pi*freq*float64(i)/fs)
	}
}

func TestCatalogue(t *testing.T) {
	assert.Len(t, All(), 7)
	d, ok := Lookup("LFPSpectrumAndEpisodes")
	require.True(t, ok)
	assert.Equal(t, 62, d.Length(4000))

	d, ok = Lookup("Raw")
	require.True(t, ok)
	assert.Equal(t, 12000, d.Length(120000))
	assert.Equal(t, 3, d.Length(21))

	_, ok = Lookup("Bogus")
	assert.False(t, ok)

	assert.InDelta(t, 1.0, EpisodeCentres[0], 1e-12)
	assert.InDelta(t, 256.0, EpisodeCentres[30], 1e-9)
}

func TestRunRejectsNonFinitePayload(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		d := Definition{
			Kind:    "Broken",
			Length:  fixed(2),
			Compute: func([]float64, float64) ([]float64, error) { return []float64{1, v}, nil },
		}
		_, err := d.Run(make([]float64, 10), 1000)
		require.Error(t, err, "value %v", v)
		assert.Contains(t, err.Error(), "payload[1]")
	}

	d, ok := Lookup("NoiseRMS")
	require.True(t, ok)
	out, err := d.Run(noise(30000, 10, 3), 30000)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(out[0]))
}

func TestNoiseRMS(t *testing.T) {
	const fs = 30000.0
	x := noise(60000, 20, 1)
	// Low-frequency content is removed by the high-pass
	addSine(x, fs, 10, 500)

	out, err := ComputeNoiseRMS(x, fs)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 20, out[0], 2)

	_, err = ComputeNoiseRMS(x, 400)
	assert.Error(t, err)
}

func TestBetaPowerFollowsBand(t *testing.T) {
	const fs = 30000.0
	inBand := noise(60000, 5, 2)
	addSine(inBand, fs, 20, 100)
	outBand := noise(60000, 5, 2)
	addSine(outBand, fs, 60, 100)

	in, err := ComputeBetaPower(inBand, fs)
	require.NoError(t, err)
	out, err := ComputeBetaPower(outBand, fs)
	require.NoError(t, err)
	assert.Greater(t, in[0], 10*out[0])

	_, err = ComputeBetaPower(make([]float64, 100), fs)
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestPACDetectsCoupling(t *testing.T) {
	const fs = 30000.0
	n := int(4 * fs)
	coupled := noise(n, 1, 3)
	flat := noise(n, 1, 3)
	for i := range coupled {
		tt := float64(i) / fs
		phase := 2 * math.Pi * 24 * tt
		carrier := math.Sin(2 * math.Pi * 130 * tt)
		coupled[i] += 50*math.Sin(phase) + 20*(1+math.Sin(phase))*carrier
		flat[i] += 50*math.Sin(phase) + 20*carrier
	}

	c, err := ComputePAC(coupled, fs)
	require.NoError(t, err)
	f, err := ComputePAC(flat, fs)
	require.NoError(t, err)
	require.Len(t, c, 3)

	assert.Greater(t, c[1], 5*f[1])
	assert.GreaterOrEqual(t, c[0], c[1])
	assert.GreaterOrEqual(t, c[2], 0.0)

	_, err = ComputePAC(coupled, 300)
	assert.Error(t, err)
}

func TestModulationIndexBounds(t *testing.T) {
	phase := make([]float64, 1800)
	amp := make([]float64, 1800)
	for i := range phase {
		phase[i] = -math.Pi + 2*math.Pi*float64(i)/1800
		amp[i] = 1
	}
	assert.InDelta(t, 0, modulationIndex(phase, amp), 1e-9)

	for i := range amp {
		amp[i] = 0
	}
	amp[0] = 1
	assert.InDelta(t, 1, modulationIndex(phase, amp), 1e-9)
	assert.Equal(t, 0.0, modulationIndex(phase, make([]float64, 1800)))
}

func TestLFPSpectrumAndEpisodes(t *testing.T) {
	const fs = 30000.0
	x := noise(int(4*fs), 5, 4)
	addSine(x, fs, 16, 100)

	out, err := ComputeLFPSpectrum(x, fs)
	require.NoError(t, err)
	require.Len(t, out, 62)

	peak := 0
	for i := 0; i < 31; i++ {
		if out[i] > out[peak] {
			peak = i
		}
	}
	assert.InDelta(t, 16, EpisodeCentres[peak], 2)
	for _, p := range out[31:] {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}

	_, err = ComputeLFPSpectrum(x[:3000], fs)
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestSpikeFeatures(t *testing.T) {
	const fs = 30000.0
	x := noise(int(fs), 10, 5)
	// one spike every 10 ms, starting at 5 ms
	for s := 150; s+3 < len(x); s += 300 {
		x[s] -= 1000
		x[s+1] -= 1000
		x[s+2] -= 1000
	}

	out, err := ComputeSpikeFeatures(x, fs)
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Greater(t, out[0], 10.0)
	assert.InDelta(t, 100, out[1], 2)
	assert.InDelta(t, 1.0, out[2], 0.12)
	assert.InDelta(t, 0, out[3], 0.05)
}

func TestDetectSpikesRefractory(t *testing.T) {
	hp := []float64{0, -5, 0, -5, 0, 0, 0, -5}
	assert.Equal(t, []int{1, 3, 7}, DetectSpikes(hp, -1, 1))
	assert.Equal(t, []int{1, 7}, DetectSpikes(hp, -1, 3))
}

func TestRawKinds(t *testing.T) {
	x := make([]float64, 25)
	for i := range x {
		x[i] = float64(i)
	}
	out, err := ComputeRaw(x, 30000)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 10, 20}, out)

	d, _ := Lookup("RawHighpass")
	hp, err := d.Run(noise(1000, 1, 6), 30000)
	require.NoError(t, err)
	assert.Len(t, hp, 100)
}
