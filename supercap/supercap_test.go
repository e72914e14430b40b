package supercap

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"

	"actuation-core/telemetry"
	"actuation-core/utils"
)

type loopbackBus struct {
	utils.FrameRouter

	mu   sync.Mutex
	sent []can.Frame
}

func (b *loopbackBus) Name() string { return "can1" }

func (b *loopbackBus) WriteFrame(_ context.Context, f can.Frame) error {
	b.mu.Lock()
	b.sent = append(b.sent, f)
	b.mu.Unlock()
	return nil
}

type singleBus struct{ bus *loopbackBus }

func (p singleBus) Bus(string) (utils.Bus, error) { return p.bus, nil }

func statusFrame(errorCode uint8, power float32, limit uint16, energy uint8) can.Frame {
	f := can.Frame{ID: StatusFrameID, Length: 8}
	f.Data[0] = errorCode
	bits := math.Float32bits(power)
	f.Data[1] = byte(bits)
	f.Data[2] = byte(bits >> 8)
	f.Data[3] = byte(bits >> 16)
	f.Data[4] = byte(bits >> 24)
	f.Data[5] = byte(limit)
	f.Data[6] = byte(limit >> 8)
	f.Data[7] = energy
	return f
}

func TestDecodeStatus(t *testing.T) {
	r, err := DecodeStatus(statusFrame(2, 57.25, 80, 201))
	require.NoError(t, err)

	assert.Equal(t, uint8(2), r.ErrorCode)
	assert.Equal(t, 57.25, r.ChassisPower)
	assert.Equal(t, 80.0, r.ChassisPowerLimit)
	assert.Equal(t, uint8(201), r.CapEnergy)
}

func TestDecodeStatus_Rejects(t *testing.T) {
	_, err := DecodeStatus(can.Frame{ID: 0x52, Length: 8})
	assert.Error(t, err)

	_, err = DecodeStatus(can.Frame{ID: StatusFrameID, Length: 4})
	assert.Error(t, err)

	for _, power := range []float32{float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.NaN())} {
		_, err = DecodeStatus(statusFrame(0, power, 80, 200))
		assert.Error(t, err, "%v", power)
	}
}

func TestEncodeCommand(t *testing.T) {
	f := EncodeCommand(true, 0x1234)
	assert.Equal(t, CommandFrameID, f.ID)
	assert.Equal(t, uint8(8), f.Length)
	assert.Equal(t, can.Data{0x80, 0, 0, 0x12, 0x34, 0, 0, 0}, f.Data)

	assert.Equal(t, byte(0), EncodeCommand(false, 60).Data[0])
}

func TestDevice_StatusUpdatesStoreAndReplies(t *testing.T) {
	bus := &loopbackBus{}
	store := telemetry.NewStore()
	d := New(Config{Bus: "can1", Enable: true, PowerLimit: 80}, store, utils.Discard())
	require.NoError(t, d.Init(singleBus{bus}))
	defer d.Close()

	bus.Dispatch(statusFrame(0, 42, 80, 150))

	snap := store.Snapshot()
	assert.Equal(t, 42.0, snap.Cap.ChassisPower)
	assert.Equal(t, uint8(150), snap.Cap.CapEnergy)
	assert.False(t, snap.CapUpdatedAt.IsZero())

	d.Set(false, 60)
	bus.Dispatch(statusFrame(0, 40, 60, 149))

	require.Len(t, bus.sent, 2)
	assert.Equal(t, EncodeCommand(true, 80), bus.sent[0])
	assert.Equal(t, EncodeCommand(false, 60), bus.sent[1])
}

func TestDevice_CloseStopsListening(t *testing.T) {
	bus := &loopbackBus{}
	store := telemetry.NewStore()
	d := New(Config{Bus: "can1"}, store, utils.Discard())
	require.NoError(t, d.Init(singleBus{bus}))
	require.NoError(t, d.Init(singleBus{bus}))

	d.Close()

	assert.False(t, bus.Dispatch(statusFrame(0, 1, 1, 1)))
	assert.True(t, store.Snapshot().CapUpdatedAt.IsZero())
}
