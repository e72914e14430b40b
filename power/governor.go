package power

// GovernorConfig holds positional PID parameters for an energy-buffer governor.
type GovernorConfig struct {
	Kp      float64 `json:"kp"`
	Ki      float64 `json:"ki"`
	Kd      float64 `json:"kd"`
	MaxOut  float64 `json:"max_out"`
	MaxIOut float64 `json:"max_iout"`
}

// DefaultBaseGovernor and DefaultFullGovernor are PD loops on sqrt(energy):
// they return a positive margin when stored energy is below target and a
// negative one (extra budget) when it is above.
var (
	DefaultBaseGovernor = GovernorConfig{Kp: 50, Ki: 0, Kd: 0.2, MaxOut: 300, MaxIOut: 0}
	DefaultFullGovernor = GovernorConfig{Kp: 50, Ki: 0, Kd: 0.2, MaxOut: 300, MaxIOut: 0}
)

// Governor is a positional PID controller. One instance tracks the base
// energy target, another the full target.
type Governor struct {
	cfg GovernorConfig

	// State
	set    float64
	out    float64
	pOut   float64
	iOut   float64
	dOut   float64
	errors [3]float64 // 0 newest
	dBuf   [3]float64
	primed bool
}

func NewGovernor(cfg GovernorConfig) *Governor {
	return &Governor{cfg: cfg}
}

// Reset clears the controller state, keeping the setpoint.
func (g *Governor) Reset() {
	set := g.set
	*g = Governor{cfg: g.cfg, set: set}
}

// Set changes the setpoint used by the next Update.
func (g *Governor) Set(set float64) {
	g.set = set
}

// Update runs one step against feedback ref and returns the output margin.
func (g *Governor) Update(ref float64) float64 {
	err := g.set - ref
	if !g.primed {
		g.errors = [3]float64{err, err, err}
		g.primed = true
	}

	g.errors[2] = g.errors[1]
	g.errors[1] = g.errors[0]
	g.errors[0] = err

	g.dBuf[2] = g.dBuf[1]
	g.dBuf[1] = g.dBuf[0]
	g.dBuf[0] = g.errors[0] - g.errors[1]

	g.pOut = g.cfg.Kp * g.errors[0]
	g.iOut += g.cfg.Ki * g.errors[0]
	g.iOut = clampAbs(g.iOut, g.cfg.MaxIOut)
	g.dOut = g.cfg.Kd * g.dBuf[0]

	g.out = clampAbs(g.pOut+g.iOut+g.dOut, g.cfg.MaxOut)
	return g.out
}

// Out is the last output.
func (g *Governor) Out() float64 { return g.out }

// GovernorDiagnostics contains governor internal state for monitoring
type GovernorDiagnostics struct {
	Set   float64
	Error float64
	P     float64
	I     float64
	D     float64
	Out   float64
}

func (g *Governor) Diagnostics() GovernorDiagnostics {
	return GovernorDiagnostics{
		Set:   g.set,
		Error: g.errors[0],
		P:     g.pOut,
		I:     g.iOut,
		D:     g.dOut,
		Out:   g.out,
	}
}

// clampAbs limits v to [-limit, limit]. A negative limit disables clamping.
func clampAbs(v, limit float64) float64 {
	if limit < 0 {
		return v
	}
	return max(-limit, min(v, limit))
}
