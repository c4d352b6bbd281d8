package features

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"open-mer/database"
	"open-mer/dsp"
)

// Fixed numeric contracts of the kinds
const (
	BetaLowpass   = 100.0
	BetaBandLow   = 13.0
	BetaBandHigh  = 30.0
	betaRateRatio = 600.0

	LFPLowpass   = 400.0
	lfpRateRatio = 1000.0

	PACPhaseLow   = 15.0
	PACPhaseHigh  = 33.0
	PACAmpLow     = 95.0
	PACAmpHigh    = 165.0
	PACBins       = 18
	PACWindowSecs = 0.5
	PACScale      = 1000.0

	EpisodeWindow   = 512
	EpisodeHop      = 256
	EpisodeNW       = 2.0
	EpisodeTapers   = 3
	EpisodeQuantile = 0.95

	SpikeThresholdFactor = 4.0
	SpikeRefractorySecs  = 0.001
	ISIBinSecs           = 0.001
	FanoBinSecs          = 0.1

	RawStride = 10
)

// ErrTooShort is returned when a segment is too short for a kind's windows
var ErrTooShort = errors.New("segment too short")

// EpisodeCentres are the 31 log-spaced centre frequencies 2^(8i/30), 1 to 256 Hz
var EpisodeCentres = func() []float64 {
	out := make([]float64, 31)
	for i := range out {
		out[i] = math.Pow(2, 8*float64(i)/30)
	}
	return out
}()

func highpass(x []float64, fs float64) ([]float64, error) {
	hp, err := dsp.ButterHighpass(database.HighpassOrder, database.HighpassCutoff, fs)
	if err != nil {
		return nil, err
	}
	return hp.FiltFilt(x), nil
}

func decimationFactor(fs, ratio float64) int {
	f := int(math.Floor(fs / ratio))
	if f < 1 {
		return 1
	}
	return f
}

// ComputeNoiseRMS is the RMS of the high-passed signal
func ComputeNoiseRMS(x []float64, fs float64) ([]float64, error) {
	hp, err := highpass(x, fs)
	if err != nil {
		return nil, err
	}
	return []float64{dsp.RMS(hp)}, nil
}

// ComputeBetaPower is the mean periodogram density over 13 to 30 Hz after decimation
func ComputeBetaPower(x []float64, fs float64) ([]float64, error) {
	factor := decimationFactor(fs, betaRateRatio)
	xd, err := dsp.Decimate(x, fs, BetaLowpass, factor)
	if err != nil {
		return nil, err
	}
	freqs, psd := dsp.Periodogram(xd, fs/float64(factor))
	p := dsp.BandMean(freqs, psd, BetaBandLow, BetaBandHigh)
	if math.IsNaN(p) {
		return nil, fmt.Errorf("%w: no periodogram bin in %g-%g Hz", ErrTooShort, BetaBandLow, BetaBandHigh)
	}
	return []float64{p}, nil
}

func lfp(x []float64, fs float64) ([]float64, float64, error) {
	factor := decimationFactor(fs, lfpRateRatio)
	xd, err := dsp.Decimate(x, fs, LFPLowpass, factor)
	if err != nil {
		return nil, 0, err
	}
	return xd, fs / float64(factor), nil
}

// ComputePAC returns (max, mean, variance) of the Tort modulation index over
// half-second windows, between the 15-33 Hz phase and the 95-165 Hz envelope
func ComputePAC(x []float64, fs float64) ([]float64, error) {
	xd, fsd, err := lfp(x, fs)
	if err != nil {
		return nil, err
	}
	if fsd/2 <= PACAmpHigh {
		return nil, fmt.Errorf("sample rate %.0f Hz cannot carry the %g Hz amplitude band", fsd, PACAmpHigh)
	}
	win := int(math.Round(PACWindowSecs * fsd))
	nWin := len(xd) / win
	if nWin == 0 {
		return nil, fmt.Errorf("%w: %d samples for a %d-sample window", ErrTooShort, len(xd), win)
	}

	phase := dsp.Phase(dsp.BandpassFFT(xd, fsd, PACPhaseLow, PACPhaseHigh))
	amp := dsp.Envelope(dsp.BandpassFFT(xd, fsd, PACAmpLow, PACAmpHigh))

	mi := make([]float64, nWin)
	for w := 0; w < nWin; w++ {
		lo, hi := w*win, (w+1)*win
		mi[w] = PACScale * modulationIndex(phase[lo:hi], amp[lo:hi])
	}
	mean, variance := stat.PopMeanVariance(mi, nil)
	return []float64{floats.Max(mi), mean, variance}, nil
}

// modulationIndex is the normalized KL distance of the phase-binned mean
// amplitude from the uniform distribution
func modulationIndex(phase, amp []float64) float64 {
	var sums, counts [PACBins]float64
	for i, ph := range phase {
		bin := int((ph + math.Pi) / (2 * math.Pi) * PACBins)
		if bin >= PACBins {
			bin = PACBins - 1
		} else if bin < 0 {
			bin = 0
		}
		sums[bin] += amp[i]
		counts[bin]++
	}
	var means [PACBins]float64
	total := 0.0
	for i := range means {
		if counts[i] > 0 {
			means[i] = sums[i] / counts[i]
		}
		total += means[i]
	}
	if total == 0 {
		return 0
	}
	h := 0.0
	for _, m := range means {
		if p := m / total; p > 0 {
			h -= p * math.Log(p)
		}
	}
	maxH := math.Log(PACBins)
	return (maxH - h) / maxH
}

// ComputeLFPSpectrum returns the multitaper power at each episode centre
// followed by the fraction of windows above the chi-squared threshold
func ComputeLFPSpectrum(x []float64, fs float64) ([]float64, error) {
	xd, fsd, err := lfp(x, fs)
	if err != nil {
		return nil, err
	}
	if len(xd) < EpisodeWindow {
		return nil, fmt.Errorf("%w: %d samples for a %d-sample window", ErrTooShort, len(xd), EpisodeWindow)
	}
	mt, err := dsp.NewMultitaper(EpisodeWindow, EpisodeNW, EpisodeTapers)
	if err != nil {
		return nil, err
	}

	nCentres := len(EpisodeCentres)
	var powers [][]float64
	var bins []int
	for start := 0; start+EpisodeWindow <= len(xd); start += EpisodeHop {
		freqs, psd := mt.PSD(xd[start:start+EpisodeWindow], fsd)
		if bins == nil {
			bins = make([]int, nCentres)
			for i, f := range EpisodeCentres {
				bins[i] = dsp.NearestBin(freqs, f)
			}
		}
		row := make([]float64, nCentres)
		for i, b := range bins {
			row[i] = psd[b]
		}
		powers = append(powers, row)
	}

	dof := float64(2 * EpisodeTapers)
	ratio := distuv.ChiSquared{K: dof}.Quantile(EpisodeQuantile) / dof

	out := make([]float64, 2*nCentres)
	column := make([]float64, len(powers))
	for i := 0; i < nCentres; i++ {
		for w, row := range powers {
			column[w] = row[i]
		}
		mean := stat.Mean(column, nil)
		threshold := mean * ratio
		above := 0
		for _, p := range column {
			if p > threshold {
				above++
			}
		}
		out[i] = mean
		out[nCentres+i] = float64(above) / float64(len(column))
	}
	return out, nil
}

// DetectSpikes returns the sample indices of negative-going crossings of
// threshold, at least refractory samples apart
func DetectSpikes(hp []float64, threshold float64, refractory int) []int {
	var out []int
	last := -refractory
	for i := 1; i < len(hp); i++ {
		if hp[i-1] >= threshold && hp[i] < threshold && i-last >= refractory {
			out = append(out, i)
			last = i
		}
	}
	return out
}

// ComputeSpikeFeatures returns (rms, rate, burst index, Fano factor)
func ComputeSpikeFeatures(x []float64, fs float64) ([]float64, error) {
	hp, err := highpass(x, fs)
	if err != nil {
		return nil, err
	}
	rms := dsp.RMS(hp)
	refractory := int(math.Ceil(SpikeRefractorySecs * fs))
	spikes := DetectSpikes(hp, -SpikeThresholdFactor*rms, refractory)

	duration := float64(len(x)) / fs
	rate := 0.0
	if duration > 0 {
		rate = float64(len(spikes)) / duration
	}
	return []float64{rms, rate, burstIndex(spikes, fs), fanoFactor(spikes, len(x), fs)}, nil
}

// burstIndex is the mean ISI over the modal ISI, with the mode taken as the
// centre of the fullest 1 ms bin
func burstIndex(spikes []int, fs float64) float64 {
	if len(spikes) < 2 {
		return 0
	}
	isi := make([]float64, len(spikes)-1)
	hist := map[int]int{}
	for i := 1; i < len(spikes); i++ {
		isi[i-1] = float64(spikes[i]-spikes[i-1]) / fs
		hist[int(isi[i-1]/ISIBinSecs)]++
	}
	modeBin, modeCount := 0, -1
	for bin, c := range hist {
		if c > modeCount || (c == modeCount && bin < modeBin) {
			modeBin, modeCount = bin, c
		}
	}
	mode := (float64(modeBin) + 0.5) * ISIBinSecs
	return stat.Mean(isi, nil) / mode
}

// fanoFactor is the variance over the mean of spike counts in 100 ms bins
func fanoFactor(spikes []int, n int, fs float64) float64 {
	width := int(math.Round(FanoBinSecs * fs))
	if width <= 0 || n < width {
		return 0
	}
	counts := make([]float64, n/width)
	for _, s := range spikes {
		if b := s / width; b < len(counts) {
			counts[b]++
		}
	}
	mean, variance := stat.PopMeanVariance(counts, nil)
	if mean == 0 {
		return 0
	}
	return variance / mean
}

// ComputeRaw keeps every tenth sample
func ComputeRaw(x []float64, _ float64) ([]float64, error) {
	return dsp.Downsample(x, RawStride), nil
}

// ComputeRawHighpass keeps every tenth sample of the high-passed signal
func ComputeRawHighpass(x []float64, fs float64) ([]float64, error) {
	hp, err := highpass(x, fs)
	if err != nil {
		return nil, err
	}
	return dsp.Downsample(hp, RawStride), nil
}
