package main

import (
	"encoding/json"
	"fmt"
	"os"
)

const wheelCount = 4

// Scenario drives the chassis with time-segmented wheel current requests.
type Scenario struct {
	Meta     ScenarioMeta      `json:"meta"`
	Timing   ScenarioTiming    `json:"timing"`
	Defaults DriveCmd          `json:"defaults"`
	Segments []ScenarioSegment `json:"segments"`
}

type ScenarioMeta struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description"`
}

type ScenarioTiming struct {
	DurationS       float64 `json:"duration_s"`
	ControlPeriodMS int     `json:"control_period_ms"`
}

// ScenarioSegment overrides the defaults on [T0, T1). T1 < 0 runs to the end.
type ScenarioSegment struct {
	T0        float64             `json:"t0"`
	T1        float64             `json:"t1"`
	Currents  [wheelCount]float64 `json:"currents"`
	MaxOutput float64             `json:"max_output,omitempty"`
	Mode      string              `json:"mode,omitempty"`
	MaxPowerW float64             `json:"max_power_w,omitempty"`
	NoForce   bool                `json:"no_force,omitempty"`
	Comment   string              `json:"comment,omitempty"`
}

// DriveCmd is the chassis request at one instant.
type DriveCmd struct {
	Currents  [wheelCount]float64 `json:"currents"`
	MaxOutput float64             `json:"max_output"`
	Mode      string              `json:"mode"`
	MaxPowerW float64             `json:"max_power_w"`
	NoForce   bool                `json:"no_force"`
}

func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read file: %w", err)
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (Scenario, error) {
	var scen Scenario
	if err := json.Unmarshal(data, &scen); err != nil {
		return Scenario{}, fmt.Errorf("unmarshal: %w", err)
	}

	if scen.Timing.DurationS <= 0 {
		return Scenario{}, fmt.Errorf("invalid duration_s: %f", scen.Timing.DurationS)
	}
	if scen.Timing.ControlPeriodMS <= 0 {
		scen.Timing.ControlPeriodMS = 2
	}
	if scen.Defaults.MaxOutput <= 0 {
		scen.Defaults.MaxOutput = 16384
	}
	if scen.Defaults.Mode != "" {
		if _, err := parseMode(scen.Defaults.Mode); err != nil {
			return Scenario{}, fmt.Errorf("defaults: %w", err)
		}
	}
	for i, seg := range scen.Segments {
		if seg.T1 >= 0 && seg.T1 <= seg.T0 {
			return Scenario{}, fmt.Errorf("segment %d: t1 %.3f not after t0 %.3f", i, seg.T1, seg.T0)
		}
		if seg.Mode != "" {
			if _, err := parseMode(seg.Mode); err != nil {
				return Scenario{}, fmt.Errorf("segment %d: %w", i, err)
			}
		}
	}
	return scen, nil
}

// EvalDriveCmd returns the request at t seconds into the scenario. The first
// matching segment wins.
func EvalDriveCmd(scen *Scenario, t float64) DriveCmd {
	cmd := scen.Defaults

	for _, seg := range scen.Segments {
		t1 := seg.T1
		if t1 < 0 {
			t1 = scen.Timing.DurationS
		}
		if t >= seg.T0 && t < t1 {
			cmd.Currents = seg.Currents
			cmd.NoForce = seg.NoForce
			if seg.MaxOutput > 0 {
				cmd.MaxOutput = seg.MaxOutput
			}
			if seg.Mode != "" {
				cmd.Mode = seg.Mode
			}
			if seg.MaxPowerW > 0 {
				cmd.MaxPowerW = seg.MaxPowerW
			}
			break
		}
	}
	return cmd
}
