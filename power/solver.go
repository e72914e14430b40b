package power

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MaxSolverMotors is the number of drive motors sharing the static loss k3.
	MaxSolverMotors = 4

	coefficientEpsilon = 1e-7
)

// DefaultTorqueConstant is the M3508 torque per current LSB: 0.3 Nm/A through
// the 3591/187 gearbox, 20 A over 16384 LSB.
const DefaultTorqueConstant = 0.3 * (187.0 / 3591.0) * 20.0 / 16384.0

var ErrTooManyMotors = errors.New("too many motors for one power solve")

// MotorCommandView is the per-cycle input of one motor.
type MotorCommandView struct {
	PIDOutput       float64 // unscaled commanded current (LSB)
	AngularVelocity float64 // measured, rad/s
	PIDMaxOutput    float64 // hard current ceiling (LSB)
}

// Bracket is the governor-derived power window.
type Bracket struct {
	Full float64
	Base float64
}

// SolveResult is the outcome of one Solve.
type SolveResult struct {
	K                float64
	Currents         []float64
	MaxPower         float64
	SumPowerOriginal float64
	ConstPower       float64
	A, B             float64
}

// Solve finds the single scale K in [0,1] that keeps the predicted power of
// views under the budget and returns the scaled, saturated currents. It is a
// pure function of its arguments.
func Solve(views []MotorCommandView, bracket Bracket, userMaxPower, torqueConstant float64, c Coefficients) (SolveResult, error) {
	if len(views) > MaxSolverMotors {
		return SolveResult{}, fmt.Errorf("%d views: %w", len(views), ErrTooManyMotors)
	}

	lo, hi := bracket.Full, bracket.Base
	if lo > hi {
		lo, hi = hi, lo
	}
	maxPower := max(lo, min(userMaxPower, hi))

	var a, b, constPower, sumPower float64
	for _, v := range views {
		torque := v.PIDOutput * torqueConstant
		friction := c.K1 * math.Abs(v.AngularVelocity)
		staticLoss := c.K3 / MaxSolverMotors

		a += c.K2 * torque * torque
		b += torque * v.AngularVelocity
		constPower += friction + staticLoss
		sumPower += c.K2*torque*torque + torque*v.AngularVelocity + friction + staticLoss
	}

	k := scaleFactor(a, b, constPower, sumPower, maxPower)

	currents := make([]float64, len(views))
	for i, v := range views {
		limit := math.Abs(v.PIDMaxOutput)
		currents[i] = max(-limit, min(v.PIDOutput*k, limit))
	}

	return SolveResult{
		K:                k,
		Currents:         currents,
		MaxPower:         maxPower,
		SumPowerOriginal: sumPower,
		ConstPower:       constPower,
		A:                a,
		B:                b,
	}, nil
}

// scaleFactor solves a·K² + b·K + (constPower − maxPower) = 0. Branches are
// tried in order: no scaling, loss-only cutoff, linear, quadratic.
// Infeasible cases resolve to 0.
func scaleFactor(a, b, constPower, sumPower, maxPower float64) float64 {
	w := constPower - maxPower
	k := 1.0

	switch {
	case sumPower <= maxPower:
		k = 1
	case w > 0:
		k = 0
	case math.Abs(a) < coefficientEpsilon:
		if math.Abs(b) < coefficientEpsilon {
			k = 0
		} else {
			k = -w / b
		}
	default:
		delta := b*b - 4*a*w
		if delta < 0 {
			k = 0
		} else {
			// +√Δ is the increasing branch through the origin.
			k = (-b + math.Sqrt(delta)) / (2 * a)
		}
	}

	if math.IsNaN(k) {
		return 0
	}
	return max(0, min(k, 1))
}
