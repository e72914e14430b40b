package motor

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestC6xxAddressing(t *testing.T) {
	cases := []struct {
		id     int
		group  Group
		offset int
		key    uint32
	}{
		{1, Group200, 0, 0x201},
		{2, Group200, 2, 0x202},
		{4, Group200, 6, 0x204},
		{5, Group1FF, 0, 0x205},
		{8, Group1FF, 6, 0x208},
	}
	for _, tc := range cases {
		for _, m := range []*Motor{NewM3508("can0", tc.id), NewM2006("can0", tc.id)} {
			require.True(t, m.Valid(), m.Name())
			assert.Equal(t, Slot{Group: tc.group, Offset: tc.offset}, m.Slot(), m.Name())
			assert.Equal(t, tc.key, m.CallbackKey(), m.Name())
		}
	}
}

func TestM6020Addressing(t *testing.T) {
	cases := []struct {
		id     int
		group  Group
		offset int
		key    uint32
	}{
		{1, Group1FF, 0, 0x205},
		{4, Group1FF, 6, 0x208},
		{5, Group2FF, 0, 0x209},
		{7, Group2FF, 4, 0x20B},
	}
	for _, tc := range cases {
		m := NewM6020("can1", tc.id)
		require.True(t, m.Valid(), m.Name())
		assert.Equal(t, Slot{Group: tc.group, Offset: tc.offset}, m.Slot(), m.Name())
		assert.Equal(t, tc.key, m.CallbackKey(), m.Name())
	}
}

func TestInvalidIDsGetNullIdentity(t *testing.T) {
	for _, m := range []*Motor{
		NewM3508("can0", 0),
		NewM3508("can0", 9),
		NewM2006("can0", -1),
		NewM6020("can0", 8),
		NewM3508("", 1),
	} {
		assert.False(t, m.Valid(), m.Name())
		assert.Equal(t, 0, m.ID())
		assert.Equal(t, GroupNull, m.Slot().Group)
		assert.Equal(t, uint32(0), m.CallbackKey())
		assert.True(t, errors.Is(m.ConfigError(), ErrInvalidMotorID))
	}
}

func TestGroupFrameIDs(t *testing.T) {
	assert.Equal(t, uint32(0x1FF), Group1FF.FrameID())
	assert.Equal(t, uint32(0x200), Group200.FrameID())
	assert.Equal(t, uint32(0x2FF), Group2FF.FrameID())
	assert.Equal(t, uint32(0), GroupNull.FrameID())
	assert.Equal(t, "0x1FF", Group1FF.String())
	assert.Equal(t, "null", GroupNull.String())
}

func TestMotorName(t *testing.T) {
	assert.Equal(t, "{M3508#can0#3}", NewM3508("can0", 3).Name())
	assert.Equal(t, "{M6020#can1#2}", NewM6020("can1", 2).String())
}

func TestUnpackFeedback(t *testing.T) {
	m := NewM3508("can0", 1)

	m.Unpack(PackFeedback(0x201, 4096, -1200, 3000, 41))
	fb := m.Feedback()
	assert.Equal(t, uint16(4096), fb.Ecd)
	assert.Equal(t, int16(-1200), fb.SpeedRPM)
	assert.Equal(t, int16(3000), fb.GivenCurrent)
	assert.Equal(t, uint8(41), fb.Temperature)
	assert.InDelta(t, -1200*math.Pi/30, fb.AngularVelocity, 1e-9)
	assert.InDelta(t, math.Pi, fb.Angle, 1e-9)
	assert.False(t, fb.UpdatedAt.IsZero())

	m.Unpack(PackFeedback(0x201, 100, 0, 0, 40))
	fb = m.Feedback()
	assert.Equal(t, uint16(4096), fb.LastEcd)
	assert.Equal(t, uint16(100), fb.Ecd)
}

func TestSetGiveCurrentSaturates(t *testing.T) {
	m := NewM3508("can0", 1)

	m.SetGiveCurrent(1234.9)
	assert.Equal(t, int16(1234), m.GiveCurrent())
	m.SetGiveCurrent(1e9)
	assert.Equal(t, int16(math.MaxInt16), m.GiveCurrent())
	m.SetGiveCurrent(-1e9)
	assert.Equal(t, int16(math.MinInt16), m.GiveCurrent())
	m.SetGiveCurrent(math.NaN())
	assert.Equal(t, int16(0), m.GiveCurrent())
}
