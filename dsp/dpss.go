package dsp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DPSS returns the first k discrete prolate spheroidal sequences of length n
// with time-halfbandwidth nw, each with unit energy. They are the leading
// eigenvectors of the symmetric tridiagonal matrix of Slepian (1978).
func DPSS(n int, nw float64, k int) ([][]float64, error) {
	if n < 2 || k < 1 || k > n || nw <= 0 || nw >= float64(n)/2 {
		return nil, fmt.Errorf("%w: dpss n=%d nw=%.2f k=%d", ErrInvalidFilter, n, nw, k)
	}

	w := nw / float64(n)
	cos2piW := math.Cos(2 * math.Pi * w)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		c := (float64(n-1) - 2*float64(i)) / 2
		sym.SetSym(i, i, c*c*cos2piW)
		if i > 0 {
			sym.SetSym(i, i-1, float64(i*(n-i))/2)
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, fmt.Errorf("dpss eigendecomposition did not converge")
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Eigenvalues are ascending; the tapers are the last k columns, largest first
	tapers := make([][]float64, k)
	for t := 0; t < k; t++ {
		col := n - 1 - t
		taper := make([]float64, n)
		for i := range taper {
			taper[i] = vecs.At(i, col)
		}
		orient(taper, t)
		tapers[t] = taper
	}
	return tapers, nil
}

// orient fixes the sign: symmetric tapers sum positive, antisymmetric tapers start positive
func orient(taper []float64, order int) {
	n := len(taper)
	var s float64
	if order%2 == 0 {
		for _, v := range taper {
			s += v
		}
	} else {
		centre := float64(n-1) / 2
		for i, v := range taper {
			s += (centre - float64(i)) * v
		}
	}
	if s < 0 {
		for i := range taper {
			taper[i] = -taper[i]
		}
	}
}
