package power

import "math"

// mat2 is a row-major 2x2 matrix.
type mat2 [2][2]float64

func identity2(scale float64) mat2 {
	return mat2{{scale, 0}, {0, scale}}
}

func (m mat2) mulVec(v [2]float64) [2]float64 {
	return [2]float64{
		m[0][0]*v[0] + m[0][1]*v[1],
		m[1][0]*v[0] + m[1][1]*v[1],
	}
}

func (m mat2) det() float64 {
	return m[0][0]*m[1][1] - m[0][1]*m[1][0]
}

// inverse uses the closed 2x2 form. ok is false when m is singular.
func (m mat2) inverse() (inv mat2, ok bool) {
	d := m.det()
	if math.Abs(d) < 1e-300 || math.IsNaN(d) || math.IsInf(d, 0) {
		return mat2{}, false
	}
	return mat2{
		{m[1][1] / d, -m[0][1] / d},
		{-m[1][0] / d, m[0][0] / d},
	}, true
}

func (m mat2) finite() bool {
	for _, row := range m {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// positiveDefinite checks a symmetric 2x2 via its leading minors.
func (m mat2) positiveDefinite() bool {
	return m.finite() && m[0][0] > 0 && m.det() > 0
}

func finite2(v [2]float64) bool {
	return !math.IsNaN(v[0]) && !math.IsInf(v[0], 0) && !math.IsNaN(v[1]) && !math.IsInf(v[1], 0)
}

func dot2(a, b [2]float64) float64 {
	return a[0]*b[0] + a[1]*b[1]
}

// RLS is a two-parameter recursive least-squares estimator with exponential
// forgetting factor lambda. The covariance starts at delta*I.
type RLS struct {
	lambda float64
	delta  float64
	theta  [2]float64
	p      mat2

	// initial is restored whenever the estimator resets.
	initial [2]float64

	// Resets counts covariance re-initialisations after a degenerate update.
	Resets int
}

func NewRLS(delta, lambda float64) *RLS {
	r := &RLS{lambda: lambda, delta: delta}
	r.Reset()
	return r
}

// Reset restores the covariance to delta*I and the parameters to their
// initial values.
func (r *RLS) Reset() {
	r.p = identity2(r.delta)
	r.theta = r.initial
}

// SetParams sets the parameters and makes them the values Reset returns to.
func (r *RLS) SetParams(theta [2]float64) {
	r.theta = theta
	r.initial = theta
}

func (r *RLS) Params() [2]float64 { return r.theta }

// Update folds in sample x with observation y and returns the new parameters.
func (r *RLS) Update(x [2]float64, y float64) [2]float64 {
	px := r.p.mulVec(x)
	denom := r.lambda + dot2(x, px)

	var next mat2
	if denom > 1e-12 && !math.IsInf(denom, 0) {
		g := [2]float64{px[0] / denom, px[1] / denom}
		// P is symmetric, so xᵀP = (Px)ᵀ.
		for i := range 2 {
			for j := range 2 {
				next[i][j] = (r.p[i][j] - g[i]*px[j]) / r.lambda
			}
		}
	}
	if !next.positiveDefinite() {
		next = r.informationUpdate(x)
	}
	r.p = next

	residual := y - dot2(x, r.theta)
	gain := r.p.mulVec(x)
	r.theta[0] += gain[0] * residual
	r.theta[1] += gain[1] * residual
	if !finite2(r.theta) {
		r.Reset()
		r.Resets++
	}
	return r.theta
}

// informationUpdate computes P = (lambda*P⁻¹ + x xᵀ)⁻¹, the same update in
// information form, falling back to delta*I when it is singular as well.
func (r *RLS) informationUpdate(x [2]float64) mat2 {
	inv, ok := r.p.inverse()
	if ok {
		info := mat2{
			{r.lambda*inv[0][0] + x[0]*x[0], r.lambda*inv[0][1] + x[0]*x[1]},
			{r.lambda*inv[1][0] + x[1]*x[0], r.lambda*inv[1][1] + x[1]*x[1]},
		}
		if p, ok := info.inverse(); ok && p.positiveDefinite() {
			return p
		}
	}
	r.Resets++
	return identity2(r.delta)
}
