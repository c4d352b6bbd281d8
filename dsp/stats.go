package dsp

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// RMS returns the root mean square of x, 0 for an empty slice
func RMS(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(x, x) / float64(len(x)))
}

// Scale converts int16 samples to float64 multiplied by gain
func Scale(x []int16, gain float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v) * gain
	}
	return out
}
