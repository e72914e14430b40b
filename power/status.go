package power

import "strings"

// ErrorFlags mark degraded inputs of the power daemon.
type ErrorFlags uint8

const (
	ErrorCapDisconnected ErrorFlags = 1 << iota
	ErrorRefereeDisconnected
	ErrorCapEnergyOut
	ErrorEstimatorDiverged
)

func (f ErrorFlags) Has(flag ErrorFlags) bool { return f&flag != 0 }

func (f ErrorFlags) String() string {
	if f == 0 {
		return "ok"
	}
	var parts []string
	for _, e := range []struct {
		flag ErrorFlags
		name string
	}{
		{ErrorCapDisconnected, "cap-disconnected"},
		{ErrorRefereeDisconnected, "referee-disconnected"},
		{ErrorCapEnergyOut, "cap-energy-out"},
		{ErrorEstimatorDiverged, "estimator-diverged"},
	} {
		if f.Has(e.flag) {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// Budget holds the power limits derived each cycle.
type Budget struct {
	RefereeMaxPower        float64 `json:"referee_max_power"`
	PowerUpperLimit        float64 `json:"power_upper_limit"`
	PowerLowerLimit        float64 `json:"power_lower_limit"`
	UserConfiguredMaxPower float64 `json:"user_configured_max_power"`
	MinMaxPowerConfigured  float64 `json:"min_max_power_configured"`
	BaseMaxPower           float64 `json:"base_max_power"`
	FullMaxPower           float64 `json:"full_max_power"`
	PowerBuff              float64 `json:"power_buff"`
	FullBuffSet            float64 `json:"full_buff_set"`
	BaseBuffSet            float64 `json:"base_buff_set"`
}

func (b Budget) bracket() Bracket {
	return Bracket{Full: b.FullMaxPower, Base: b.BaseMaxPower}
}

// Status is the published, read-only view of the power core.
type Status struct {
	UserConfiguredMaxPower float64    `json:"user_configured_max_power"`
	MaxPowerLimited        float64    `json:"max_power_limited"`
	SumPowerCmdBeforeClamp float64    `json:"sum_power_cmd_before_clamp"`
	ScaleFactor            float64    `json:"scale_factor"`
	EffectivePower         float64    `json:"effective_power"`
	EstimatedPower         float64    `json:"estimated_power"`
	MeasuredPower          float64    `json:"measured_power"`
	PowerLoss              float64    `json:"power_loss"`
	Efficiency             float64    `json:"efficiency"`
	EstimatedCapEnergy     float64    `json:"estimated_cap_energy"`
	K1                     float64    `json:"k1"`
	K2                     float64    `json:"k2"`
	K3                     float64    `json:"k3"`
	Error                  ErrorFlags `json:"error"`
	Cycles                 uint64     `json:"cycles"`
}

// solveStatus is published by ControlledOutput, which runs on the caller's
// goroutine rather than the daemon's.
type solveStatus struct {
	maxPowerLimited float64
	sumPowerCmd     float64
	k               float64
}

// published is what the daemon hands to ControlledOutput each cycle.
type published struct {
	budget Budget
	coeffs Coefficients
}
