package utils

import (
	"encoding/binary"
	"math"

	"go.einride.tech/can"
)

// PutInt16BE writes v big-endian at data[offset], data[offset|1].
// Offsets are always even, so offset|1 is the low byte slot.
func PutInt16BE(data *can.Data, offset int, v int16) {
	data[offset] = byte(uint16(v) >> 8)
	data[offset|1] = byte(uint16(v) & 0xff)
}

func Int16BE(data can.Data, offset int) int16 {
	return int16(binary.BigEndian.Uint16(data[offset : offset+2]))
}

func Uint16BE(data can.Data, offset int) uint16 {
	return binary.BigEndian.Uint16(data[offset : offset+2])
}

func Uint16LE(data can.Data, offset int) uint16 {
	return binary.LittleEndian.Uint16(data[offset : offset+2])
}

func Float32LE(data can.Data, offset int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data[offset : offset+4]))
}

// SaturateInt16 rounds toward zero and clamps to the int16 range.
func SaturateInt16(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
