// Package power keeps the drive's electrical power under a budget derived
// from super-capacitor and referee telemetry.
//
// The Manager's daemon goroutine owns the loss model, the governors and the
// budget; it publishes immutable snapshots that ControlledOutput and Status
// read from any goroutine.
package power

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"actuation-core/motor"
	"actuation-core/telemetry"
	"actuation-core/utils"
)

var (
	ErrNotInitialized = errors.New("power manager not initialized")
	ErrNotReady       = errors.New("power budget not yet computed")
)

// Mode selects what the user-configured ceiling tracks.
type Mode int32

const (
	ModeEconomy Mode = iota // lower system limit
	ModeBoost               // upper system limit
	ModeManual              // SetMaxPowerConfigured value
)

// Config holds the power model constants.
type Config struct {
	Coefficients   Coefficients
	RLSDelta       float64
	RLSLambda      float64
	TorqueConstant float64

	BaseGovernor GovernorConfig
	FullGovernor GovernorConfig
	FullBuffSet  float64 // raw capacitor energy target (0..255)
	BaseBuffSet  float64

	EnergyRunoutThreshold float64 // W, floor of the referee limit
	MaxCapPowerOut        float64 // W the capacitor may add on top of the referee limit
	PowerLowerLimit       float64 // W
	MinMaxPowerRatio      float64 // of PowerLowerLimit
	InitialMinMaxPower    float64 // W, floor before the first cycle
	CapEnergyFull         float64 // J at raw 255

	// Without capacitor feedback the energy loop is off and the budget is
	// the referee limit scaled by OfflineScale (OfflineBlindScale when the
	// referee is stale too).
	OfflineScale      float64
	OfflineBlindScale float64

	StaleAfter time.Duration
	Period     time.Duration
	Mode       Mode
}

func DefaultConfig() Config {
	return Config{
		Coefficients:          Coefficients{K1: 0.22, K2: 1.2, K3: 2.78},
		RLSDelta:              defaultRLSDelta,
		RLSLambda:             defaultRLSLambda,
		TorqueConstant:        DefaultTorqueConstant,
		BaseGovernor:          DefaultBaseGovernor,
		FullGovernor:          DefaultFullGovernor,
		FullBuffSet:           230,
		BaseBuffSet:           30,
		EnergyRunoutThreshold: 43,
		MaxCapPowerOut:        300,
		PowerLowerLimit:       50,
		MinMaxPowerRatio:      0.8,
		InitialMinMaxPower:    30,
		CapEnergyFull:         2100,
		OfflineScale:          0.95,
		OfflineBlindScale:     0.85,
		StaleAfter:            500 * time.Millisecond,
		Period:                time.Millisecond,
		Mode:                  ModeBoost,
	}
}

// FeedbackReader is the measured state of one drive motor.
type FeedbackReader interface {
	Feedback() motor.Feedback
}

type Manager struct {
	cfg    Config
	motors []FeedbackReader
	clock  utils.Clock
	log    *utils.Logger

	initMu      sync.Mutex
	initialized atomic.Bool
	src         telemetry.Reader

	mode      atomic.Int32
	manualMax atomic.Uint64 // float64 bits

	// Owned by the daemon goroutine.
	model      *LossModel
	base       *Governor
	full       *Governor
	budget     Budget
	lastCap    telemetry.CapReport
	lastLimit  float64
	lastResets int
	cycles     uint64

	pub    atomic.Pointer[published]
	status atomic.Pointer[Status]
	solved atomic.Pointer[solveStatus]
}

// NewManager validates cfg and binds the drive motors whose feedback feeds
// the loss model. At most MaxSolverMotors motors are used.
func NewManager(cfg Config, motors []FeedbackReader, clock utils.Clock, log *utils.Logger) (*Manager, error) {
	model, err := NewLossModel(cfg.Coefficients, cfg.RLSDelta, cfg.RLSLambda)
	if err != nil {
		return nil, err
	}
	if len(motors) > MaxSolverMotors {
		return nil, ErrTooManyMotors
	}
	if cfg.TorqueConstant == 0 {
		cfg.TorqueConstant = DefaultTorqueConstant
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Millisecond
	}
	if clock == nil {
		clock = utils.SystemClock
	}
	m := &Manager{
		cfg:    cfg,
		motors: motors,
		clock:  clock,
		log:    log.With("power"),
		model:  model,
	}
	m.mode.Store(int32(cfg.Mode))
	return m, nil
}

// Init binds the telemetry source and resets the governors. Only the first
// call has any effect; it reports whether this call initialized the manager.
func (m *Manager) Init(src telemetry.Reader) bool {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.initialized.Load() {
		return false
	}

	m.src = src
	m.budget = Budget{
		MinMaxPowerConfigured: m.cfg.InitialMinMaxPower,
		PowerUpperLimit:       m.cfg.EnergyRunoutThreshold,
		PowerLowerLimit:       m.cfg.PowerLowerLimit,
	}
	m.base = NewGovernor(m.cfg.BaseGovernor)
	m.full = NewGovernor(m.cfg.FullGovernor)
	m.initialized.Store(true)
	m.log.Info("initialized k1=%.4g k2=%.4g k3=%.4g mode=%d", m.cfg.Coefficients.K1, m.cfg.Coefficients.K2, m.cfg.Coefficients.K3, m.cfg.Mode)
	return true
}

// SetMode makes the user ceiling track the upper (ModeBoost) or lower
// (ModeEconomy) system limit from the next cycle on.
func (m *Manager) SetMode(mode Mode) {
	m.mode.Store(int32(mode))
}

// SetMaxPowerConfigured pins the user ceiling to w, clamped into the system
// limits every cycle. It switches the manager to ModeManual. A non-finite w
// is ignored and the previous setting stays.
func (m *Manager) SetMaxPowerConfigured(w float64) {
	if !finite(w) {
		m.log.Warn("ignoring non-finite power ceiling %v", w)
		return
	}
	m.manualMax.Store(math.Float64bits(w))
	m.mode.Store(int32(ModeManual))
}

func (m *Manager) applyMode() {
	b := &m.budget
	lo, hi := b.PowerLowerLimit, b.PowerUpperLimit
	if lo > hi {
		lo = hi
	}
	switch Mode(m.mode.Load()) {
	case ModeBoost:
		b.UserConfiguredMaxPower = hi
	case ModeEconomy:
		b.UserConfiguredMaxPower = lo
	default:
		b.UserConfiguredMaxPower = utils.Clamp(math.Float64frombits(m.manualMax.Load()), lo, hi)
	}
}

// Step runs one daemon cycle at time now.
func (m *Manager) Step(now time.Time) error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	cfg := &m.cfg
	b := &m.budget
	var flags ErrorFlags

	snap := m.src.Snapshot()
	// A non-finite reading counts as no reading.
	capFresh := snap.CapFresh(now, cfg.StaleAfter) && finite(snap.Cap.ChassisPower) && finite(snap.Cap.ChassisPowerLimit)
	refFresh := snap.RefereeFresh(now, cfg.StaleAfter) && finite(snap.RefereeLimit)
	if capFresh {
		m.lastCap = snap.Cap
		if snap.Cap.CapEnergy == 0 {
			flags |= ErrorCapEnergyOut
		}
	} else {
		flags |= ErrorCapDisconnected
	}
	if !refFresh {
		flags |= ErrorRefereeDisconnected
	}

	// Budget: the capacitor's limit wins, then the referee's, then the last known one.
	switch {
	case capFresh:
		m.lastLimit = m.lastCap.ChassisPowerLimit
	case refFresh:
		m.lastLimit = snap.RefereeLimit
	}
	b.PowerBuff = math.Sqrt(float64(m.lastCap.CapEnergy))
	b.FullBuffSet = cfg.FullBuffSet
	b.BaseBuffSet = cfg.BaseBuffSet
	b.RefereeMaxPower = max(m.lastLimit, cfg.EnergyRunoutThreshold)
	b.PowerUpperLimit = b.RefereeMaxPower + cfg.MaxCapPowerOut
	b.PowerLowerLimit = cfg.PowerLowerLimit
	b.MinMaxPowerConfigured = cfg.PowerLowerLimit * cfg.MinMaxPowerRatio
	m.applyMode()

	// Energy loop.
	if capFresh {
		m.base.Set(math.Sqrt(b.BaseBuffSet))
		m.full.Set(math.Sqrt(b.FullBuffSet))
		b.BaseMaxPower = max(b.RefereeMaxPower-m.base.Update(b.PowerBuff), b.MinMaxPowerConfigured)
		b.FullMaxPower = max(b.RefereeMaxPower-m.full.Update(b.PowerBuff), b.MinMaxPowerConfigured)
	} else {
		m.base.Reset()
		m.full.Reset()
		scale := cfg.OfflineScale
		if !refFresh {
			scale = cfg.OfflineBlindScale
		}
		b.BaseMaxPower = max(b.RefereeMaxPower*scale, b.MinMaxPowerConfigured)
		b.FullMaxPower = b.BaseMaxPower
	}

	// Power from measured feedback.
	var samples Samples
	var effective float64
	for _, r := range m.motors {
		fb := r.Feedback()
		torque := float64(fb.GivenCurrent) * cfg.TorqueConstant
		w := rpmToAngularVelocity(float64(fb.SpeedRPM))
		effective += torque * w
		samples.AbsVelocitySum += math.Abs(w)
		samples.TorqueSquareSum += torque * torque
	}
	estimated := m.model.Estimate(samples, effective)
	measured := estimated
	if capFresh {
		measured = m.lastCap.ChassisPower
	}

	// The capacitor is the only real power sensor; never fit to our own estimate.
	if capFresh {
		m.model.Refit(samples, measured, effective)
	}
	if resets := m.model.Resets(); resets != m.lastResets {
		m.lastResets = resets
		flags |= ErrorEstimatorDiverged
		m.log.Warn("loss estimator re-initialised (resets=%d)", resets)
	}
	coeffs := m.model.Coefficients()

	efficiency := 0.0
	if measured != 0 {
		efficiency = utils.Clamp(effective/measured, 0, 1)
	}
	m.cycles++
	st := &Status{
		UserConfiguredMaxPower: b.UserConfiguredMaxPower,
		EffectivePower:         effective,
		EstimatedPower:         estimated,
		MeasuredPower:          measured,
		PowerLoss:              measured - effective,
		Efficiency:             efficiency,
		EstimatedCapEnergy:     float64(m.lastCap.CapEnergy) / 255 * cfg.CapEnergyFull,
		K1:                     coeffs.K1,
		K2:                     coeffs.K2,
		K3:                     coeffs.K3,
		Error:                  flags,
		Cycles:                 m.cycles,
	}
	m.status.Store(st)
	m.pub.Store(&published{budget: *b, coeffs: coeffs})

	if m.cycles%1000 == 0 && m.log.Enabled(utils.DEBUG) {
		bd, fd := m.base.Diagnostics(), m.full.Diagnostics()
		m.log.Debug("budget referee=%.1f base=%.1f full=%.1f user=%.1f buff=%.2f measured=%.1f est=%.1f k1=%.4g k2=%.4g flags=%s",
			b.RefereeMaxPower, b.BaseMaxPower, b.FullMaxPower, b.UserConfiguredMaxPower, b.PowerBuff,
			measured, estimated, coeffs.K1, coeffs.K2, flags)
		m.log.Debug("governors base(set=%.2f err=%.2f p=%.1f d=%.1f out=%.1f) full(set=%.2f err=%.2f p=%.1f d=%.1f out=%.1f)",
			bd.Set, bd.Error, bd.P, bd.D, bd.Out, fd.Set, fd.Error, fd.P, fd.D, fd.Out)
	}
	return nil
}

// Run steps the daemon on a best-effort period until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	m.log.Info("power daemon started period=%v", m.cfg.Period)
	defer m.log.Info("power daemon stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Step(m.clock.Now()); err != nil {
			return err
		}
		if err := m.clock.SleepUntil(ctx, m.clock.Now().Add(m.cfg.Period)); err != nil {
			return err
		}
	}
}

// ControlledOutput scales the requested currents so the predicted power stays
// within the latest published budget. Before the first daemon cycle it
// returns ErrNotReady and all-zero currents.
func (m *Manager) ControlledOutput(views []MotorCommandView) (SolveResult, error) {
	p := m.pub.Load()
	if p == nil {
		return SolveResult{Currents: make([]float64, len(views))}, ErrNotReady
	}
	res, err := Solve(views, p.budget.bracket(), p.budget.UserConfiguredMaxPower, m.cfg.TorqueConstant, p.coeffs)
	if err != nil {
		return res, err
	}
	m.solved.Store(&solveStatus{
		maxPowerLimited: res.MaxPower,
		sumPowerCmd:     res.SumPowerOriginal,
		k:               res.K,
	})
	return res, nil
}

// Status returns the latest published status.
func (m *Manager) Status() Status {
	var st Status
	if p := m.status.Load(); p != nil {
		st = *p
	}
	if s := m.solved.Load(); s != nil {
		st.MaxPowerLimited = s.maxPowerLimited
		st.SumPowerCmdBeforeClamp = s.sumPowerCmd
		st.ScaleFactor = s.k
	}
	return st
}

// Budget returns the budget published by the last cycle.
func (m *Manager) Budget() Budget {
	if p := m.pub.Load(); p != nil {
		return p.budget
	}
	return Budget{}
}

// Coefficients returns the loss coefficients published by the last cycle.
func (m *Manager) Coefficients() Coefficients {
	if p := m.pub.Load(); p != nil {
		return p.coeffs
	}
	return m.cfg.Coefficients
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func rpmToAngularVelocity(rpm float64) float64 {
	return rpm * math.Pi / 30
}
