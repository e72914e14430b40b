package motor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.einride.tech/can"

	"actuation-core/utils"
)

var (
	ErrInvalidMotorID   = errors.New("invalid motor id")
	ErrInvalidMotor     = errors.New("motor has null identity")
	ErrBusUnavailable   = errors.New("bus device unavailable")
	ErrSlotConflict     = errors.New("bus slot already in use")
	ErrCallbackConflict = errors.New("callback key already in use")
	ErrAlreadyEnabled   = errors.New("motor already registered")
	ErrUnknownHandle    = errors.New("unknown motor handle")
)

// Handle addresses a registered motor in the registry arena. Handles are
// never reused.
type Handle int

type record struct {
	motor       *Motor
	unsubscribe func()
}

type busBlock struct {
	bus     utils.Bus
	handles []Handle
}

// Stats counts transmit-worker activity since construction.
type Stats struct {
	Ticks      uint64
	FramesSent uint64
	SendErrors uint64
	BusMisses  uint64
}

// RegistryConfig tunes the transmit worker.
type RegistryConfig struct {
	Period      time.Duration // strict transmit period (default 1ms)
	SendTimeout time.Duration // per-frame write timeout (default Period)
}

// Registry maps bus names to registered motors and sends their commands on a
// fixed period. Registration and the transmit tick share one exclusive lock,
// so a motor is never sent before its registration completes and slot
// uniqueness is stable for the whole tick.
type Registry struct {
	cfg   RegistryConfig
	buses utils.BusProvider
	clock utils.Clock
	log   *utils.Logger

	mu     sync.Mutex
	arena  []record
	blocks map[string]*busBlock
	stats  Stats
}

func NewRegistry(cfg RegistryConfig, buses utils.BusProvider, clock utils.Clock, log *utils.Logger) *Registry {
	if cfg.Period <= 0 {
		cfg.Period = time.Millisecond
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = cfg.Period
	}
	if clock == nil {
		clock = utils.SystemClock
	}
	return &Registry{
		cfg:    cfg,
		buses:  buses,
		clock:  clock,
		log:    log.With("motor-registry"),
		blocks: make(map[string]*busBlock),
	}
}

func conflict(a, b *Motor) error {
	if a.slot == b.slot {
		return ErrSlotConflict
	}
	if a.callbackKey == b.callbackKey {
		return ErrCallbackConflict
	}
	return nil
}

// Register enables m on its bus. On any failure the motor stays disabled and
// the error is logged and returned; motors already on the bus are untouched.
func (r *Registry) Register(m *Motor) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !m.Valid() {
		err := fmt.Errorf("%s: %w", m.name, ErrInvalidMotor)
		if m.configErr != nil {
			err = fmt.Errorf("%s: %w (%v)", m.name, ErrInvalidMotor, m.configErr)
		}
		r.log.Error("Motor error %s: not registered: %v", m.name, err)
		return -1, err
	}
	if m.Enabled() {
		return -1, fmt.Errorf("%s: %w", m.name, ErrAlreadyEnabled)
	}

	bus, err := r.buses.Bus(m.busName)
	if err != nil || bus == nil {
		r.log.Error("Motor error %s: can device %q is invalid: %v", m.name, m.busName, err)
		return -1, fmt.Errorf("%s on %s: %w", m.name, m.busName, ErrBusUnavailable)
	}

	block, ok := r.blocks[m.busName]
	if !ok {
		block = &busBlock{}
		r.blocks[m.busName] = block
	}
	block.bus = bus

	for _, h := range block.handles {
		other := r.arena[h].motor
		if err := conflict(other, m); err != nil {
			r.log.Error("Motor error[%s, %s]: a can conflict occurred when registering motor: %v",
				other.name, m.name, err)
			return -1, fmt.Errorf("%s conflicts with %s: %w", m.name, other.name, err)
		}
	}

	h := Handle(len(r.arena))
	m.enabled.Store(true)
	r.arena = append(r.arena, record{
		motor:       m,
		unsubscribe: bus.Subscribe(m.callbackKey, m.Unpack),
	})
	block.handles = append(block.handles, h)

	r.log.Info("registered %s slot=%s+%d key=0x%X handle=%d", m.name, m.slot.Group, m.slot.Offset, m.callbackKey, h)
	return h, nil
}

// Unregister removes the motor behind h from its bus and stops routing its
// feedback. The handle stays dead afterwards.
func (r *Registry) Unregister(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h < 0 || int(h) >= len(r.arena) || r.arena[h].motor == nil {
		return fmt.Errorf("handle %d: %w", h, ErrUnknownHandle)
	}
	rec := r.arena[h]
	if block, ok := r.blocks[rec.motor.busName]; ok {
		for i, bh := range block.handles {
			if bh == h {
				block.handles = append(block.handles[:i], block.handles[i+1:]...)
				break
			}
		}
	}
	if rec.unsubscribe != nil {
		rec.unsubscribe()
	}
	rec.motor.enabled.Store(false)
	r.arena[h] = record{}
	r.log.Info("unregistered %s handle=%d", rec.motor.name, h)
	return nil
}

// Motor returns the motor behind h, or nil.
func (r *Registry) Motor(h Handle) *Motor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h < 0 || int(h) >= len(r.arena) {
		return nil
	}
	return r.arena[h].motor
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Tick packs every bus's motors into their command frames and sends the frames
// that received at least one write.
func (r *Registry) Tick(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Ticks++
	for name, block := range r.blocks {
		if len(block.handles) == 0 {
			continue
		}
		// Resolved every tick so a bus that drops out is picked up again.
		bus, err := r.buses.Bus(name)
		if err != nil || bus == nil {
			r.stats.BusMisses++
			if r.stats.BusMisses == 1 || r.stats.BusMisses%1000 == 0 {
				r.log.Warn("TX %s skipped (misses=%d): %v", name, r.stats.BusMisses, err)
			}
			continue
		}
		block.bus = bus

		var frames [groupCount]can.Frame
		var valid [groupCount]bool
		for g := range groupCount {
			frames[g] = can.Frame{ID: Group(g).FrameID(), Length: 8}
		}
		for _, h := range block.handles {
			m := r.arena[h].motor
			g := m.slot.Group
			valid[g] = true
			utils.PutInt16BE(&frames[g].Data, m.slot.Offset, m.GiveCurrent())
		}

		for g := range groupCount {
			if !valid[g] {
				continue
			}
			r.send(ctx, name, block, frames[g])
		}
	}
}

func (r *Registry) send(ctx context.Context, name string, block *busBlock, frame can.Frame) {
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()

	if err := block.bus.WriteFrame(sendCtx, frame); err != nil {
		r.stats.SendErrors++
		if r.stats.SendErrors == 1 || r.stats.SendErrors%1000 == 0 {
			r.log.Error("TX %s id=0x%X failed (errors=%d): %v", name, frame.ID, r.stats.SendErrors, err)
		}
		return
	}
	r.stats.FramesSent++
	r.log.Trace("TX %s id=0x%X data=% X", name, frame.ID, frame.Data[:frame.Length])
}

// Run ticks on a strict period until ctx is done. Deadlines are absolute so
// tick jitter does not accumulate; after a stall of more than one period the
// schedule restarts from now instead of bursting.
func (r *Registry) Run(ctx context.Context) error {
	r.log.Info("transmit worker started period=%v", r.cfg.Period)
	defer r.log.Info("transmit worker stopped")

	next := r.clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.Tick(ctx)

		next = next.Add(r.cfg.Period)
		if now := r.clock.Now(); now.Sub(next) > r.cfg.Period {
			r.log.Debug("transmit worker late by %v, resyncing", now.Sub(next))
			next = now
		}
		if err := r.clock.SleepUntil(ctx, next); err != nil {
			return err
		}
	}
}
