package power

import (
	"errors"
	"fmt"
	"math"
)

const (
	// RefitDeadband is the |measured power| at or below which the electrical
	// measurement is not trusted for fitting.
	RefitDeadband = 5.0
	// CoefficientFloor keeps k1 and k2 physical.
	CoefficientFloor = 1e-5

	defaultRLSDelta  = 1e-5
	defaultRLSLambda = 0.99999
)

var ErrNegativeCoefficient = errors.New("loss coefficient must be non-negative")

// Coefficients of the loss decomposition
// P = k1*Σ|w| + k2*Σ(i·kt)² + Σ(i·kt)·w + k3.
type Coefficients struct {
	K1 float64 // friction, per rad/s
	K2 float64 // copper, per Nm²
	K3 float64 // static, whole drive
}

// Samples are the regression features of one cycle.
type Samples struct {
	AbsVelocitySum  float64 // Σ|w|
	TorqueSquareSum float64 // Σ(i·kt)²
}

func (s Samples) vec() [2]float64 {
	return [2]float64{s.AbsVelocitySum, s.TorqueSquareSum}
}

// LossModel fits k1 and k2 online; k3 stays at its configured value.
type LossModel struct {
	c   Coefficients
	rls *RLS
}

func NewLossModel(c Coefficients, delta, lambda float64) (*LossModel, error) {
	if c.K1 < 0 || c.K2 < 0 || c.K3 < 0 {
		return nil, fmt.Errorf("k1=%g k2=%g k3=%g: %w", c.K1, c.K2, c.K3, ErrNegativeCoefficient)
	}
	if delta <= 0 {
		delta = defaultRLSDelta
	}
	if lambda <= 0 || lambda > 1 {
		lambda = defaultRLSLambda
	}
	rls := NewRLS(delta, lambda)
	rls.SetParams([2]float64{c.K1, c.K2})
	return &LossModel{c: c, rls: rls}, nil
}

func (m *LossModel) Coefficients() Coefficients { return m.c }

// Resets reports how many times the estimator had to re-initialise.
func (m *LossModel) Resets() int { return m.rls.Resets }

// Estimate predicts total electrical power from the features and the
// mechanical (effective) power.
func (m *LossModel) Estimate(s Samples, effectivePower float64) float64 {
	return m.c.K1*s.AbsVelocitySum + m.c.K2*s.TorqueSquareSum + effectivePower + m.c.K3
}

// Refit updates k1 and k2 from a measured power sample. It does nothing and
// returns false inside the deadband or for a non-finite sample.
func (m *LossModel) Refit(s Samples, measuredPower, effectivePower float64) bool {
	if math.IsNaN(measuredPower) || math.IsInf(measuredPower, 0) || math.Abs(measuredPower) <= RefitDeadband {
		return false
	}
	params := m.rls.Update(s.vec(), measuredPower-effectivePower-m.c.K3)
	m.c.K1 = math.Max(params[0], CoefficientFloor)
	m.c.K2 = math.Max(params[1], CoefficientFloor)
	return true
}
