package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"actuation-core/motor"
	"actuation-core/power"
	"actuation-core/supercap"
	"actuation-core/telemetry"
	"actuation-core/utils"
)

var errScenarioDone = errors.New("scenario finished")

const registerRetryInterval = time.Second

type Runner struct {
	cfg   Config
	log   *utils.Logger
	scen  Scenario
	clock utils.Clock

	hub      *utils.Hub
	buses    utils.BusProvider
	registry *motor.Registry
	wheels   []*motor.Motor
	store    *telemetry.Store
	cap      *supercap.Device
	power    *power.Manager
	link     *MQTTLink

	mode         string
	maxPowerW    float64
	capLimit     uint16
	staleAfter   time.Duration
	lastRegister time.Time
	steps        uint64
}

func NewRunner(ctx context.Context, cfg Config, log *utils.Logger) (*Runner, error) {
	scen, err := LoadScenario(cfg.ScenarioPath)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}

	hub := utils.NewHub(ctx, utils.SocketCANDialer(log), log)
	r, err := newRunner(cfg, scen, hub, utils.SystemClock, log)
	if err != nil {
		_ = hub.Close()
		return nil, err
	}
	r.hub = hub

	if cfg.MQTTBroker != "" {
		r.link = NewMQTTLink(cfg, r.power, r.store, log)
	} else {
		log.Info("MQTT disabled; status is only logged")
	}
	return r, nil
}

// newRunner wires the chassis on buses. Motors whose bus is missing stay
// disabled and are registered again by the control loop.
func newRunner(cfg Config, scen Scenario, buses utils.BusProvider, clock utils.Clock, log *utils.Logger) (*Runner, error) {
	store := telemetry.NewStoreWithClock(clock.Now)
	pcfg := power.DefaultConfig()
	pcfg.Mode = cfg.Mode
	r := &Runner{
		cfg:        cfg,
		log:        log.With("runner"),
		scen:       scen,
		clock:      clock,
		buses:      buses,
		registry:   motor.NewRegistry(motor.RegistryConfig{Period: cfg.TxPeriod}, buses, clock, log),
		store:      store,
		capLimit:   uint16(cfg.CapPowerLimit),
		staleAfter: pcfg.StaleAfter,
	}

	readers := make([]power.FeedbackReader, wheelCount)
	for i := range wheelCount {
		m := motor.NewM3508(cfg.ChassisBus, i+1)
		r.wheels = append(r.wheels, m)
		readers[i] = m
	}
	r.cap = supercap.New(supercap.Config{
		Bus:        cfg.CapBus,
		Enable:     true,
		PowerLimit: r.capLimit,
	}, store, log)

	r.registerPending(clock.Now())
	if !r.cap.Listening() {
		r.log.Warn("supercap on %s not available; running without capacitor feedback until it appears", cfg.CapBus)
	}

	mgr, err := power.NewManager(pcfg, readers, clock, log)
	if err != nil {
		return nil, fmt.Errorf("power manager: %w", err)
	}
	mgr.Init(store)
	r.power = mgr
	return r, nil
}

func (r *Runner) Close() {
	if r.cap != nil {
		r.cap.Close()
	}
	if r.hub != nil {
		if err := r.hub.Close(); err != nil {
			r.log.Warn("%v", err)
		}
	}
}

// Run starts the transmit worker, the power daemon, the control loop and the
// MQTT link. It returns nil when the scenario completes.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("Starting: scenario=%s duration=%.2fs chassis=%s cap=%s tx=%v control=%dms",
		r.scen.Meta.Name, r.scen.Timing.DurationS, r.cfg.ChassisBus, r.cfg.CapBus,
		r.cfg.TxPeriod, r.scen.Timing.ControlPeriodMS)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.registry.Run(gctx) })
	g.Go(func() error { return r.power.Run(gctx) })
	g.Go(func() error { return r.controlLoop(gctx) })
	if r.link != nil {
		g.Go(func() error { return r.link.Run(gctx) })
	}

	err := g.Wait()
	st := r.registry.Stats()
	r.log.Info("Completed. ticks=%d frames_sent=%d send_errors=%d bus_misses=%d",
		st.Ticks, st.FramesSent, st.SendErrors, st.BusMisses)
	if errors.Is(err, errScenarioDone) {
		return nil
	}
	return err
}

func (r *Runner) controlLoop(ctx context.Context) error {
	period := time.Duration(r.scen.Timing.ControlPeriodMS) * time.Millisecond
	endAfter := time.Duration(r.scen.Timing.DurationS * float64(time.Second))
	start := r.clock.Now()
	next := start

	defer r.stopWheels()
	for {
		now := r.clock.Now()
		elapsed := now.Sub(start)
		if elapsed > endAfter {
			r.log.Info("Scenario %s finished after %d control steps", r.scen.Meta.Name, r.steps)
			return errScenarioDone
		}
		if now.Sub(r.lastRegister) >= registerRetryInterval {
			r.registerPending(now)
		}
		r.syncCapCommand(now)
		r.controlStep(elapsed.Seconds())

		next = next.Add(period)
		if err := r.clock.SleepUntil(ctx, next); err != nil {
			return err
		}
	}
}

// controlStep turns the scenario request at t into power-limited wheel commands.
func (r *Runner) controlStep(t float64) {
	cmd := EvalDriveCmd(&r.scen, t)
	r.applyPowerRequest(cmd)
	r.steps++

	if cmd.NoForce {
		r.stopWheels()
		return
	}

	views := make([]power.MotorCommandView, len(r.wheels))
	for i, m := range r.wheels {
		views[i] = power.MotorCommandView{
			PIDOutput:       cmd.Currents[i],
			AngularVelocity: m.Feedback().AngularVelocity,
			PIDMaxOutput:    cmd.MaxOutput,
		}
	}

	res, err := r.power.ControlledOutput(views)
	if err != nil {
		if !errors.Is(err, power.ErrNotReady) {
			r.log.Error("power solve at t=%.3f: %v", t, err)
		}
		r.stopWheels()
		return
	}
	for i, m := range r.wheels {
		m.SetGiveCurrent(res.Currents[i])
	}

	if r.steps%500 == 0 {
		r.log.Debug("t=%.2f K=%.3f max=%.1fW requested=%.1fW currents=%.0f",
			t, res.K, res.MaxPower, res.SumPowerOriginal, res.Currents)
	}
}

// applyPowerRequest forwards scenario mode changes. Only changes are applied,
// so a mode set over MQTT holds until the scenario asks for something else.
func (r *Runner) applyPowerRequest(cmd DriveCmd) {
	if cmd.Mode != r.mode {
		r.mode = cmd.Mode
		if mode, err := parseMode(cmd.Mode); err == nil {
			r.power.SetMode(mode)
			r.log.Info("power mode -> %s", cmd.Mode)
		}
	}
	if cmd.MaxPowerW != r.maxPowerW {
		r.maxPowerW = cmd.MaxPowerW
		if cmd.MaxPowerW > 0 {
			r.power.SetMaxPowerConfigured(cmd.MaxPowerW)
			r.log.Info("power ceiling -> %.1fW", cmd.MaxPowerW)
		} else if mode, err := parseMode(r.mode); err == nil {
			// Ceiling cleared: back to the segment's mode.
			r.power.SetMode(mode)
			r.log.Info("power ceiling cleared, mode -> %s", r.mode)
		}
	}
}

// syncCapCommand keeps the capacitor board's limit on the referee limit while
// the referee reports, and on the configured limit otherwise.
func (r *Runner) syncCapCommand(now time.Time) {
	limit := uint16(r.cfg.CapPowerLimit)
	snap := r.store.Snapshot()
	if snap.RefereeFresh(now, r.staleAfter) && snap.RefereeLimit >= 0 && !math.IsInf(snap.RefereeLimit, 0) {
		limit = uint16(min(snap.RefereeLimit, math.MaxUint16))
	}
	if limit == r.capLimit {
		return
	}
	r.capLimit = limit
	r.cap.Set(true, limit)
	r.log.Info("supercap limit -> %dW", limit)
}

func (r *Runner) stopWheels() {
	for _, m := range r.wheels {
		m.SetGiveCurrent(0)
	}
}

// registerPending retries the wheels and the capacitor board that have not
// come up yet.
func (r *Runner) registerPending(now time.Time) {
	r.lastRegister = now
	if err := r.cap.Init(r.buses); err != nil {
		r.log.Debug("%v", err)
	}
	for _, m := range r.wheels {
		if m.Enabled() {
			continue
		}
		if _, err := r.registry.Register(m); err != nil {
			r.log.Debug("%s still unregistered: %v", m, err)
		}
	}
}
