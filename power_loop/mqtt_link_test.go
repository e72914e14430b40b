package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actuation-core/power"
)

func TestParseModeCommand(t *testing.T) {
	cmd, err := parseModeCommand([]byte("boost"))
	require.NoError(t, err)
	assert.Equal(t, power.ModeBoost, cmd.mode)

	cmd, err = parseModeCommand([]byte(" economy\n"))
	require.NoError(t, err)
	assert.Equal(t, power.ModeEconomy, cmd.mode)

	cmd, err = parseModeCommand([]byte("75.5"))
	require.NoError(t, err)
	assert.Equal(t, power.ModeManual, cmd.mode)
	assert.Equal(t, 75.5, cmd.maxPower)

	_, err = parseModeCommand([]byte("-3"))
	assert.Error(t, err)
	_, err = parseModeCommand([]byte("ludicrous"))
	assert.Error(t, err)
	for _, payload := range []string{"inf", "+Inf", "NaN"} {
		_, err = parseModeCommand([]byte(payload))
		assert.Error(t, err, payload)
	}
}

func TestParseRefereeLimit(t *testing.T) {
	w, err := parseRefereeLimit([]byte("60"))
	require.NoError(t, err)
	assert.Equal(t, 60.0, w)

	_, err = parseRefereeLimit([]byte("-1"))
	assert.Error(t, err)
	_, err = parseRefereeLimit([]byte(""))
	assert.Error(t, err)
	for _, payload := range []string{"inf", "-inf", "nan", "1e400"} {
		_, err = parseRefereeLimit([]byte(payload))
		assert.Error(t, err, payload)
	}
}

func TestEncodeStatus(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	st := power.Status{
		MaxPowerLimited: 80,
		Efficiency:      0.75,
		K1:              0.2,
		Error:           power.ErrorCapDisconnected,
	}
	payload, err := encodeStatus(st, power.Budget{RefereeMaxPower: 80}, now)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, 80.0, got["max_power_limited"])
	assert.Equal(t, 0.75, got["efficiency"])
	assert.Equal(t, 1.0, got["error"])
	assert.Equal(t, "cap-disconnected", got["error_flags"])
	assert.Equal(t, "2024-01-01T12:00:00Z", got["timestamp"])
	budget, ok := got["budget"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 80.0, budget["referee_max_power"])
}
