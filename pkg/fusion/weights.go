package fusion

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// nnlsTolerance is the Lawson-Hanson tolerance used for the constrained
// weight solve.
const nnlsTolerance = 1e-6

// gramMatrix builds the symmetric patch-difference similarity matrix:
// M[i][j] is the dot product of the absolute difference vectors of atlases
// i and j, scaled by 1/(patchSize-1) and raised to the power beta. Only the
// lower triangle is computed and mirrored. Non-finite entries (including
// the 0/0 of a single-voxel patch) are clamped to zero.
func gramMatrix(diffs [][]float64, patchSize int, beta float64) *mat.Dense {
	n := len(diffs)
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			v := floats.Dot(diffs[i], diffs[j]) / float64(patchSize-1)
			if beta == 2.0 {
				v *= v
			} else {
				v = math.Pow(v, beta)
			}
			if !isFinite(v) {
				v = 0
			}
			m.Set(i, j, v)
			m.Set(j, i, v)
		}
	}
	return m
}

// solveWeights solves (M + alpha*I) W = ones and normalizes W to unit sum.
// The unconstrained path uses the SVD pseudo-inverse and clips negative
// entries afterwards; the constrained path runs NNLS. A vanishing weight
// sum yields the all-zero vector so the voxel contributes nothing rather
// than propagating NaN.
func solveWeights(m *mat.Dense, alpha float64, constrain bool) []float64 {
	n, _ := m.Dims()

	mbar := mat.NewDense(n, n, nil)
	mbar.Copy(m)
	for i := 0; i < n; i++ {
		mbar.Set(i, i, mbar.At(i, i)+alpha)
	}

	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}

	var w []float64
	if constrain {
		w = nnls(mbar, ones, nnlsTolerance)
	} else {
		w = pinvSolve(mbar, ones)
		for i := range w {
			if w[i] < 0 {
				w[i] = 0
			}
		}
	}

	sum := floats.Sum(w)
	if !isFinite(sum) || sum < 1e-12 {
		return make([]float64, n)
	}
	floats.Scale(1/sum, w)
	return w
}

// nnls solves min ||A x - y||² subject to x >= 0 with the Lawson-Hanson
// active-set method. P marks the passive (candidate non-zero) coordinates;
// the restricted least-squares problem over the passive columns is
// re-solved with a pseudo-inverse at every grow and shrink step.
func nnls(a *mat.Dense, y []float64, tol float64) []float64 {
	_, n := a.Dims()

	passive := make([]bool, n)
	x := make([]float64, n)
	s := make([]float64, n)

	w := gradient(a, y, x)
	maxIndex, maxValue := maxActive(w, passive)

	for maxIndex >= 0 && maxValue > tol {
		passive[maxIndex] = true

		sp := restrictedSolve(a, y, passive)
		scatter(s, sp, passive)

		// Inner loop: back off along x -> s until the passive candidate
		// is feasible, retiring coordinates driven to zero.
		for len(sp) > 0 && floats.Min(sp) <= tol {
			alpha := math.MaxFloat64
			found := false
			for i := 0; i < n; i++ {
				if !passive[i] || s[i] > tol {
					continue
				}
				denom := x[i] - s[i]
				if denom == 0 {
					continue
				}
				if v := x[i] / denom; v < alpha {
					alpha = v
					found = true
				}
			}
			if !found {
				break
			}

			for i := 0; i < n; i++ {
				x[i] += alpha * (s[i] - x[i])
			}
			for i := 0; i < n; i++ {
				if passive[i] && math.Abs(x[i]) < tol {
					passive[i] = false
				}
			}

			sp = restrictedSolve(a, y, passive)
			scatter(s, sp, passive)
			if len(sp) == 0 {
				break
			}
		}

		copy(x, s)
		w = gradient(a, y, x)
		maxIndex, maxValue = maxActive(w, passive)
	}

	return x
}

// gradient returns w = Aᵗ(y - A x).
func gradient(a *mat.Dense, y, x []float64) []float64 {
	m, n := a.Dims()
	r := make([]float64, m)
	for i := 0; i < m; i++ {
		acc := y[i]
		for j := 0; j < n; j++ {
			acc -= a.At(i, j) * x[j]
		}
		r[i] = acc
	}
	w := make([]float64, n)
	for j := 0; j < n; j++ {
		var acc float64
		for i := 0; i < m; i++ {
			acc += a.At(i, j) * r[i]
		}
		w[j] = acc
	}
	return w
}

// maxActive returns the index and value of the largest gradient component
// among the active (non-passive) coordinates, or (-1, -Inf) if none remain.
func maxActive(w []float64, passive []bool) (int, float64) {
	idx := -1
	val := math.Inf(-1)
	for i, v := range w {
		if !passive[i] && v > val {
			idx = i
			val = v
		}
	}
	return idx, val
}

// restrictedSolve solves the least-squares problem restricted to the
// passive columns of A, returning the compact solution in passive order.
func restrictedSolve(a *mat.Dense, y []float64, passive []bool) []float64 {
	m, n := a.Dims()
	cols := 0
	for _, p := range passive {
		if p {
			cols++
		}
	}
	if cols == 0 {
		return nil
	}
	ap := mat.NewDense(m, cols, nil)
	c := 0
	for j := 0; j < n; j++ {
		if !passive[j] {
			continue
		}
		for i := 0; i < m; i++ {
			ap.Set(i, c, a.At(i, j))
		}
		c++
	}
	return pinvSolve(ap, y)
}

// scatter expands a compact passive-order solution into s, zeroing the
// active coordinates.
func scatter(s, sp []float64, passive []bool) {
	c := 0
	for i := range s {
		if passive[i] {
			s[i] = sp[c]
			c++
		} else {
			s[i] = 0
		}
	}
}

// pinvSolve computes the minimum-norm least-squares solution x = A⁺y via
// singular value decomposition, dropping singular values below a relative
// tolerance. A failed factorization yields the zero vector.
func pinvSolve(a *mat.Dense, y []float64) []float64 {
	m, n := a.Dims()

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return make([]float64, n)
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := 0.0
	if len(values) > 0 {
		cutoff = values[0] * 1e-12
	}

	// x = V Σ⁺ Uᵗ y
	k := len(values)
	uty := make([]float64, k)
	for j := 0; j < k; j++ {
		var acc float64
		for i := 0; i < m; i++ {
			acc += u.At(i, j) * y[i]
		}
		if values[j] > cutoff {
			uty[j] = acc / values[j]
		}
	}
	x := make([]float64, n)
	for i := 0; i < n; i++ {
		var acc float64
		for j := 0; j < k; j++ {
			acc += v.At(i, j) * uty[j]
		}
		x[i] = acc
	}
	return x
}
