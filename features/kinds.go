// Package features keeps the Feature table consistent with the Segment table.
//
// Kinds form a closed enumeration: each has a fixed payload length and a
// compute function over one channel in microvolts. The Engine discovers new
// segments of the selected procedure and inserts the missing rows.
package features

import (
	"fmt"
	"math"
)

// Kind names a feature transform. The names are stored in the features table.
type Kind string

const (
	NoiseRMS               Kind = "NoiseRMS"
	BetaPower              Kind = "BetaPower"
	PAC                    Kind = "PAC"
	LFPSpectrumAndEpisodes Kind = "LFPSpectrumAndEpisodes"
	DBSSpikeFeatures       Kind = "DBSSpikeFeatures"
	Raw                    Kind = "Raw"
	RawHighpass            Kind = "RawHighpass"
)

// ComputeFunc turns one channel, already scaled to microvolts, into a payload
type ComputeFunc func(x []float64, fs float64) ([]float64, error)

// Definition describes one kind
type Definition struct {
	Kind Kind
	// Version changes whenever the payload contract changes
	Version int
	// Length returns the payload length for a segment of n samples
	Length  func(n int) int
	Compute ComputeFunc
}

func fixed(n int) func(int) int {
	return func(int) int { return n }
}

func strided(n int) int {
	return (n + RawStride - 1) / RawStride
}

var catalogue = []Definition{
	{Kind: NoiseRMS, Version: 1, Length: fixed(1), Compute: ComputeNoiseRMS},
	{Kind: BetaPower, Version: 1, Length: fixed(1), Compute: ComputeBetaPower},
	{Kind: PAC, Version: 1, Length: fixed(3), Compute: ComputePAC},
	{Kind: LFPSpectrumAndEpisodes, Version: 1, Length: fixed(2 * len(EpisodeCentres)), Compute: ComputeLFPSpectrum},
	{Kind: DBSSpikeFeatures, Version: 1, Length: fixed(4), Compute: ComputeSpikeFeatures},
	{Kind: Raw, Version: 1, Length: strided, Compute: ComputeRaw},
	{Kind: RawHighpass, Version: 1, Length: strided, Compute: ComputeRawHighpass},
}

// All returns every kind in catalogue order
func All() []Kind {
	out := make([]Kind, len(catalogue))
	for i, d := range catalogue {
		out[i] = d.Kind
	}
	return out
}

// Lookup finds the definition of a kind by name
func Lookup(name string) (Definition, bool) {
	for _, d := range catalogue {
		if string(d.Kind) == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Run computes a kind and checks the payload against its declared length
func (d Definition) Run(x []float64, fs float64) ([]float64, error) {
	out, err := d.Compute(x, fs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Kind, err)
	}
	if want := d.Length(len(x)); len(out) != want {
		return nil, fmt.Errorf("%s: payload length %d, want %d", d.Kind, len(out), want)
	}
	for i, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s: payload[%d] is not finite (%v)", d.Kind, i, v)
		}
	}
	return out, nil
}
