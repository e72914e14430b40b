package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"

	"actuation-core/supercap"
	"actuation-core/utils"
)

type memBus struct {
	utils.FrameRouter
	name string

	mu   sync.Mutex
	sent []can.Frame
}

func (b *memBus) Name() string { return b.name }

func (b *memBus) WriteFrame(_ context.Context, f can.Frame) error {
	b.mu.Lock()
	b.sent = append(b.sent, f)
	b.mu.Unlock()
	return nil
}

func (b *memBus) last(id uint32) (can.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].ID == id {
			return b.sent[i], true
		}
	}
	return can.Frame{}, false
}

type memBuses struct {
	mu    sync.Mutex
	buses map[string]*memBus
	down  bool
}

func (p *memBuses) Bus(name string) (utils.Bus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return nil, fmt.Errorf("%s: network is down", name)
	}
	b, ok := p.buses[name]
	if !ok {
		b = &memBus{name: name}
		p.buses[name] = b
	}
	return b, nil
}

func capStatus(power float32, limit uint16, energy uint8) can.Frame {
	f := can.Frame{ID: supercap.StatusFrameID, Length: 8}
	bits := math.Float32bits(power)
	f.Data[1], f.Data[2], f.Data[3], f.Data[4] = byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24)
	f.Data[5], f.Data[6] = byte(limit), byte(limit>>8)
	f.Data[7] = energy
	return f
}

type runnerFixture struct {
	clock *utils.ManualClock
	buses *memBuses
	r     *Runner
}

func newRunnerFixture(t *testing.T, down bool) *runnerFixture {
	t.Helper()
	scen, err := ParseScenario([]byte(testScenario))
	require.NoError(t, err)
	cfg, err := loadConfig(testFlagSet(), nil, envMap(nil))
	require.NoError(t, err)

	f := &runnerFixture{
		clock: utils.NewManualClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
		buses: &memBuses{buses: make(map[string]*memBus), down: down},
	}
	f.r, err = newRunner(cfg, scen, f.buses, f.clock, utils.Discard())
	require.NoError(t, err)
	t.Cleanup(f.r.Close)
	return f
}

func TestRunner_WheelsRegistered(t *testing.T) {
	f := newRunnerFixture(t, false)
	for _, m := range f.r.wheels {
		assert.True(t, m.Enabled(), m.Name())
	}
}

func TestRunner_NoCommandBeforeBudget(t *testing.T) {
	f := newRunnerFixture(t, false)

	f.r.controlStep(1.5)
	for _, m := range f.r.wheels {
		assert.Equal(t, int16(0), m.GiveCurrent())
	}
}

func TestRunner_ControlStepToFrame(t *testing.T) {
	f := newRunnerFixture(t, false)
	f.buses.buses["can1"].Dispatch(capStatus(20, 80, 200))
	require.NoError(t, f.r.power.Step(f.clock.Now()))

	f.r.controlStep(1.5)
	f.r.registry.Tick(context.Background())

	frame, ok := f.buses.buses["can0"].last(0x200)
	require.True(t, ok)
	// Wheels at rest draw little power, so only max_output limits the fourth wheel.
	assert.Equal(t, int16(1000), utils.Int16BE(frame.Data, 0))
	assert.Equal(t, int16(2000), utils.Int16BE(frame.Data, 2))
	assert.Equal(t, int16(2500), utils.Int16BE(frame.Data, 4))
	assert.Equal(t, int16(2500), utils.Int16BE(frame.Data, 6))
	assert.Equal(t, "boost", f.r.mode)

	// The capacitor board got its command in reply.
	cmd, ok := f.buses.buses["can1"].last(supercap.CommandFrameID)
	require.True(t, ok)
	assert.Equal(t, supercap.EncodeCommand(true, 80), cmd)
}

func TestRunner_NoForceZeroesCommands(t *testing.T) {
	f := newRunnerFixture(t, false)
	f.buses.buses["can1"].Dispatch(capStatus(20, 80, 200))
	require.NoError(t, f.r.power.Step(f.clock.Now()))
	f.r.controlStep(1.5)
	require.NotEqual(t, int16(0), f.r.wheels[0].GiveCurrent())

	f.r.controlStep(0.5)
	for _, m := range f.r.wheels {
		assert.Equal(t, int16(0), m.GiveCurrent())
	}
}

func TestRunner_MissingBusRetried(t *testing.T) {
	f := newRunnerFixture(t, true)
	for _, m := range f.r.wheels {
		require.False(t, m.Enabled())
	}
	require.False(t, f.r.cap.Listening())

	f.buses.mu.Lock()
	f.buses.down = false
	f.buses.mu.Unlock()
	f.clock.Advance(2 * time.Second)
	f.r.registerPending(f.clock.Now())

	for _, m := range f.r.wheels {
		assert.True(t, m.Enabled(), m.Name())
	}
	// The capacitor board that came up late feeds the store as well.
	require.True(t, f.r.cap.Listening())
	assert.True(t, f.buses.buses["can1"].Dispatch(capStatus(20, 80, 200)))
	assert.True(t, f.r.store.Snapshot().CapFresh(f.clock.Now(), time.Second))
}

func TestRunner_CapLimitFollowsReferee(t *testing.T) {
	f := newRunnerFixture(t, false)
	capBus := f.buses.buses["can1"]

	f.r.store.UpdateReferee(60)
	f.r.syncCapCommand(f.clock.Now())
	capBus.Dispatch(capStatus(20, 80, 200))
	cmd, ok := capBus.last(supercap.CommandFrameID)
	require.True(t, ok)
	assert.Equal(t, supercap.EncodeCommand(true, 60), cmd)

	// Referee silent: back to the configured limit.
	f.clock.Advance(time.Second)
	f.r.syncCapCommand(f.clock.Now())
	capBus.Dispatch(capStatus(20, 80, 200))
	cmd, _ = capBus.last(supercap.CommandFrameID)
	assert.Equal(t, supercap.EncodeCommand(true, 80), cmd)
}

func TestRunner_ClearedCeilingRestoresMode(t *testing.T) {
	f := newRunnerFixture(t, false)
	f.buses.buses["can1"].Dispatch(capStatus(20, 80, 200))

	f.r.applyPowerRequest(DriveCmd{Mode: "economy", MaxPowerW: 120})
	require.NoError(t, f.r.power.Step(f.clock.Now()))
	require.Equal(t, 120.0, f.r.power.Budget().UserConfiguredMaxPower)

	f.r.applyPowerRequest(DriveCmd{Mode: "economy"})
	require.NoError(t, f.r.power.Step(f.clock.Now()))
	b := f.r.power.Budget()
	assert.Equal(t, b.PowerLowerLimit, b.UserConfiguredMaxPower)
}

func TestRunner_ControlLoopEndsWithScenario(t *testing.T) {
	f := newRunnerFixture(t, false)
	f.r.scen.Timing.DurationS = 0.01
	f.r.scen.Segments = []ScenarioSegment{{T0: 0, T1: -1, Currents: [4]float64{100, 100, 100, 100}}}
	f.buses.buses["can1"].Dispatch(capStatus(20, 80, 200))
	require.NoError(t, f.r.power.Step(f.clock.Now()))

	err := f.r.controlLoop(context.Background())

	assert.ErrorIs(t, err, errScenarioDone)
	assert.Equal(t, uint64(6), f.r.steps)
	for _, m := range f.r.wheels {
		assert.Equal(t, int16(0), m.GiveCurrent())
	}
}
