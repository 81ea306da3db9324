package drive

import (
	"math"
	"time"

	"github.com/felixge/pidctrl"
)

// Gains are PID coefficients.
type Gains struct {
	P float64 `json:"p"`
	I float64 `json:"i"`
	D float64 `json:"d"`
}

// PID wraps a pidctrl controller with a tolerance band. One instance belongs to one task
// invocation and is discarded with it.
type PID struct {
	ctrl      *pidctrl.PIDController
	tolerance float64
	err       float64
	seeded    bool
	closed    bool
}

// NewPID returns a controller with no output limits.
func NewPID(g Gains, tolerance float64) *PID {
	return &PID{
		ctrl:      pidctrl.NewPIDController(g.P, g.I, g.D),
		tolerance: tolerance,
		err:       math.Inf(1),
	}
}

// WithLimits bounds the output, and the integral term with it.
func (p *PID) WithLimits(min, max float64) *PID {
	p.ctrl.SetOutputLimits(min, max)
	return p
}

// Calculate returns the correction driving measurement toward setpoint after dt.
// The first call only seeds the derivative term.
func (p *PID) Calculate(measurement, setpoint float64, dt time.Duration) float64 {
	if p.closed {
		return 0
	}
	p.err = setpoint - measurement
	p.ctrl.Set(setpoint)
	if !p.seeded {
		p.seeded = true
		dt = 0
	}
	return p.ctrl.UpdateDuration(measurement, dt)
}

// Error is the error seen by the last Calculate.
func (p *PID) Error() float64 { return p.err }

// AtSetpoint reports whether the last error was inside the tolerance band.
func (p *PID) AtSetpoint() bool { return math.Abs(p.err) < p.tolerance }

// Close detaches the controller. Later calls to Calculate return zero.
func (p *PID) Close() { p.closed = true }
