// Package motor models DJI-protocol CAN motors and multiplexes their current
// commands onto shared bus frames.
package motor

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.einride.tech/can"

	"actuation-core/utils"
)

// Group selects one of the three shared command frames on a bus.
type Group int

const (
	Group1FF Group = iota
	Group200
	Group2FF
	GroupNull Group = -1
)

const groupCount = 3

// FrameID is the CAN identifier of the command frame for g.
func (g Group) FrameID() uint32 {
	switch g {
	case Group1FF:
		return 0x1FF
	case Group200:
		return 0x200
	case Group2FF:
		return 0x2FF
	default:
		return 0
	}
}

func (g Group) String() string {
	if g == GroupNull {
		return "null"
	}
	return fmt.Sprintf("0x%X", g.FrameID())
}

// Slot is the frame and byte offset that carry one motor's command.
type Slot struct {
	Group  Group
	Offset int
}

type Kind string

const (
	M3508 Kind = "M3508"
	M6020 Kind = "M6020"
	M2006 Kind = "M2006"
)

const (
	rpmToRadS   = math.Pi / 30
	ecdToRad    = 2 * math.Pi / 8192
	ecdPerRound = 8192
)

// Feedback is the last decoded status frame of a motor.
type Feedback struct {
	Ecd          uint16
	LastEcd      uint16
	SpeedRPM     int16
	GivenCurrent int16
	Temperature  uint8
	UpdatedAt    time.Time

	// AngularVelocity (rad/s) and Angle (rad) are derived from SpeedRPM and Ecd.
	AngularVelocity float64
	Angle           float64
}

// Motor is one physical motor. The owning subsystem writes its command with
// SetGiveCurrent; the Registry reads it every transmit tick and routes status
// frames back into Unpack.
type Motor struct {
	kind        Kind
	id          int
	name        string
	busName     string
	slot        Slot
	callbackKey uint32
	configErr   error

	enabled     atomic.Bool
	giveCurrent atomic.Int32

	mu       sync.Mutex
	feedback Feedback
	now      func() time.Time
}

// NewM3508 builds a chassis/drive motor. Ids 1-4 sit in frame 0x200, ids 5-8 in 0x1FF.
func NewM3508(busName string, id int) *Motor {
	return newC6xxMotor(M3508, busName, id)
}

// NewM2006 uses the same addressing as the M3508.
func NewM2006(busName string, id int) *Motor {
	return newC6xxMotor(M2006, busName, id)
}

func newC6xxMotor(kind Kind, busName string, id int) *Motor {
	m := newMotor(kind, busName, id)
	if m.configErr != nil {
		return m
	}
	switch {
	case id > 0 && id <= 4:
		m.slot = Slot{Group: Group200, Offset: (id - 1) << 1}
		m.callbackKey = uint32(0x200 + id)
	case id > 4 && id <= 8:
		m.slot = Slot{Group: Group1FF, Offset: (id - 5) << 1}
		m.callbackKey = uint32(0x200 + id)
	default:
		m.invalidate(fmt.Errorf("%w: %s id %d not in 1..8", ErrInvalidMotorID, kind, id))
	}
	return m
}

// NewM6020 builds a gimbal motor. Ids 1-4 sit in frame 0x1FF, ids 5-7 in 0x2FF.
func NewM6020(busName string, id int) *Motor {
	m := newMotor(M6020, busName, id)
	if m.configErr != nil {
		return m
	}
	switch {
	case id > 0 && id <= 4:
		m.slot = Slot{Group: Group1FF, Offset: (id - 1) << 1}
		m.callbackKey = uint32(0x204 + id)
	case id > 4 && id <= 7:
		m.slot = Slot{Group: Group2FF, Offset: (id - 5) << 1}
		m.callbackKey = uint32(0x204 + id)
	default:
		m.invalidate(fmt.Errorf("%w: %s id %d not in 1..7", ErrInvalidMotorID, M6020, id))
	}
	return m
}

func newMotor(kind Kind, busName string, id int) *Motor {
	m := &Motor{
		kind:    kind,
		id:      id,
		busName: busName,
		name:    fmt.Sprintf("{%s#%s#%d}", kind, busName, id),
		now:     time.Now,
	}
	if busName == "" {
		m.invalidate(fmt.Errorf("%w: empty bus name", ErrInvalidMotorID))
	}
	return m
}

// invalidate downgrades the motor to the null identity; it can never be registered.
func (m *Motor) invalidate(err error) {
	if m.configErr == nil {
		m.configErr = err
	}
	m.id = 0
	m.slot = Slot{Group: GroupNull}
	m.callbackKey = 0
}

func (m *Motor) Kind() Kind          { return m.kind }
func (m *Motor) ID() int             { return m.id }
func (m *Motor) Name() string        { return m.name }
func (m *Motor) BusName() string     { return m.busName }
func (m *Motor) Slot() Slot          { return m.slot }
func (m *Motor) CallbackKey() uint32 { return m.callbackKey }
func (m *Motor) Enabled() bool       { return m.enabled.Load() }
func (m *Motor) ConfigError() error  { return m.configErr }
func (m *Motor) Valid() bool         { return m.id != 0 && m.slot.Group != GroupNull }
func (m *Motor) GiveCurrent() int16  { return int16(m.giveCurrent.Load()) }
func (m *Motor) String() string      { return m.name }

// SetGiveCurrent stores the next bus command, saturated to int16.
func (m *Motor) SetGiveCurrent(current float64) {
	m.giveCurrent.Store(int32(utils.SaturateInt16(current)))
}

// Feedback returns a copy of the latest decoded status.
func (m *Motor) Feedback() Feedback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feedback
}

// Unpack decodes a status frame: encoder (u16 BE, bytes 0-1), speed in rpm
// (i16 BE, 2-3), given current (i16 BE, 4-5), temperature (byte 6).
func (m *Motor) Unpack(frame can.Frame) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	fb := &m.feedback
	fb.LastEcd = fb.Ecd
	fb.Ecd = utils.Uint16BE(frame.Data, 0)
	fb.SpeedRPM = utils.Int16BE(frame.Data, 2)
	fb.GivenCurrent = utils.Int16BE(frame.Data, 4)
	fb.Temperature = frame.Data[6]
	fb.UpdatedAt = now
	fb.AngularVelocity = rpmToRadS * float64(fb.SpeedRPM)
	fb.Angle = ecdToRad * float64(fb.Ecd%ecdPerRound)
}

// PackFeedback builds the status frame a motor would send. Used by simulators
// and tests.
func PackFeedback(callbackKey uint32, ecd uint16, speedRPM, givenCurrent int16, temperature uint8) can.Frame {
	f := can.Frame{ID: callbackKey, Length: 8}
	f.Data[0] = byte(ecd >> 8)
	f.Data[1] = byte(ecd)
	utils.PutInt16BE(&f.Data, 2, speedRPM)
	utils.PutInt16BE(&f.Data, 4, givenCurrent)
	f.Data[6] = temperature
	return f
}
