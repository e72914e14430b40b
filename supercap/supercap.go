// Package supercap talks to the super-capacitor power board over CAN.
package supercap

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.einride.tech/can"

	"actuation-core/telemetry"
	"actuation-core/utils"
)

const (
	StatusFrameID  uint32 = 0x51
	CommandFrameID uint32 = 0x61

	enableFlag = 0x80
)

// DecodeStatus unpacks the 8-byte status frame: error code (u8), chassis
// power (f32 LE), chassis power limit (u16 LE), capacitor energy (u8).
func DecodeStatus(frame can.Frame) (telemetry.CapReport, error) {
	if frame.ID != StatusFrameID {
		return telemetry.CapReport{}, fmt.Errorf("supercap: unexpected frame id 0x%X", frame.ID)
	}
	if frame.Length < 8 {
		return telemetry.CapReport{}, fmt.Errorf("supercap: short status frame (%d bytes)", frame.Length)
	}
	power := float64(utils.Float32LE(frame.Data, 1))
	if math.IsNaN(power) || math.IsInf(power, 0) {
		return telemetry.CapReport{}, fmt.Errorf("supercap: non-finite chassis power %v", power)
	}
	return telemetry.CapReport{
		ErrorCode:         frame.Data[0],
		ChassisPower:      power,
		ChassisPowerLimit: float64(utils.Uint16LE(frame.Data, 5)),
		CapEnergy:         frame.Data[7],
	}, nil
}

// EncodeCommand builds the board command: enable flag in byte 0, power limit
// (u16 BE) in bytes 3-4.
func EncodeCommand(enable bool, powerLimit uint16) can.Frame {
	f := can.Frame{ID: CommandFrameID, Length: 8}
	if enable {
		f.Data[0] = enableFlag
	}
	f.Data[3] = byte(powerLimit >> 8)
	f.Data[4] = byte(powerLimit & 0xff)
	return f
}

type Config struct {
	Bus        string
	Enable     bool
	PowerLimit uint16
	// SendTimeout bounds the command reply sent after every status frame.
	SendTimeout time.Duration
}

// Device decodes status frames into the telemetry store and answers each one
// with the current command, which keeps the board enabled.
type Device struct {
	cfg   Config
	store *telemetry.Store
	log   *utils.Logger

	mu          sync.Mutex
	bus         utils.Bus
	unsubscribe func()
	enable      bool
	powerLimit  uint16
}

func New(cfg Config, store *telemetry.Store, log *utils.Logger) *Device {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Millisecond
	}
	return &Device{
		cfg:        cfg,
		store:      store,
		log:        log.With("supercap"),
		enable:     cfg.Enable,
		powerLimit: cfg.PowerLimit,
	}
}

// Init subscribes to status frames on the configured bus. Once it has
// succeeded, further calls do nothing, so callers may retry it freely.
func (d *Device) Init(buses utils.BusProvider) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsubscribe != nil {
		return nil
	}
	bus, err := buses.Bus(d.cfg.Bus)
	if err != nil {
		return fmt.Errorf("supercap on %s: %w", d.cfg.Bus, err)
	}
	d.bus = bus
	d.unsubscribe = bus.Subscribe(StatusFrameID, d.handleStatus)
	d.log.Info("listening on %s id=0x%X", d.cfg.Bus, StatusFrameID)
	return nil
}

func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
}

// Listening reports whether Init has subscribed to status frames.
func (d *Device) Listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unsubscribe != nil
}

// Set changes the command sent with the next reply.
func (d *Device) Set(enable bool, powerLimit uint16) {
	d.mu.Lock()
	d.enable = enable
	d.powerLimit = powerLimit
	d.mu.Unlock()
}

func (d *Device) handleStatus(frame can.Frame) {
	report, err := DecodeStatus(frame)
	if err != nil {
		d.log.Warn("%v", err)
		return
	}
	d.store.UpdateCap(report)
	d.log.Trace("errorCode=%d chassisPower=%.2f chassisPowerLimit=%.0f capEnergy=%d",
		report.ErrorCode, report.ChassisPower, report.ChassisPowerLimit, report.CapEnergy)

	d.mu.Lock()
	bus, cmd := d.bus, EncodeCommand(d.enable, d.powerLimit)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	if err := bus.WriteFrame(ctx, cmd); err != nil {
		d.log.Warn("command send failed: %v", err)
	}
}
