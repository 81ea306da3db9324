package drive

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"go.viam.com/rdk/logging"

	"swerve/geometry"
	"swerve/task"
)

// BalanceConfig tunes the balance controller. Tolerance is in degrees of tilt and
// MaxVelocity in m/s.
type BalanceConfig struct {
	Gains       Gains   `json:"pid"`
	Tolerance   float64 `json:"tolerance_deg"`
	MaxVelocity float64 `json:"max_velocity_mps"`
}

// DefaultBalanceConfig is used when none is configured.
var DefaultBalanceConfig = BalanceConfig{
	Gains:       Gains{P: 0.05},
	Tolerance:   0.2,
	MaxVelocity: 0.3,
}

// ClampVelocity limits v to ±max, keeping its sign.
func ClampVelocity(v, max float64) float64 {
	if math.Abs(v) > max {
		return math.Copysign(max, v)
	}
	return v
}

// BalanceController drives forward or backward to null the combined pitch and roll,
// for docking on a tilting platform. It finishes the first tick the tilt is inside tolerance.
type BalanceController struct {
	drive  *Subsystem
	cfg    BalanceConfig
	clk    clock.Clock
	logger logging.Logger

	pid    *PID
	last   time.Time
	output float64
}

// NewBalanceController returns the balance task.
func NewBalanceController(drive *Subsystem, cfg BalanceConfig, clk clock.Clock, logger logging.Logger) *BalanceController {
	return &BalanceController{drive: drive, cfg: cfg, clk: clk, logger: logger}
}

// Name implements task.Task.
func (b *BalanceController) Name() string { return "balance" }

// Requirements implements task.Task.
func (b *BalanceController) Requirements() []task.Resource { return []task.Resource{Resource} }

// Initialize implements task.Task.
func (b *BalanceController) Initialize(ctx context.Context) {
	b.pid = NewPID(b.cfg.Gains, b.cfg.Tolerance)
	b.last = b.clk.Now()
	b.output = 0
}

// Correction runs the PID on tilt and clamps the result.
func (b *BalanceController) Correction(tilt float64, dt time.Duration) float64 {
	return ClampVelocity(b.pid.Calculate(tilt, 0, dt), b.cfg.MaxVelocity)
}

// Execute implements task.Task.
func (b *BalanceController) Execute(ctx context.Context) {
	now := b.clk.Now()
	dt := now.Sub(b.last)
	b.last = now

	tilt := b.drive.Orientation().Tilt()
	b.output = b.Correction(tilt, dt)
	b.drive.Drive(ctx, geometry.ChassisVelocity{Vx: b.output}, true)
}

// IsFinished implements task.Task.
func (b *BalanceController) IsFinished() bool { return b.pid.AtSetpoint() }

// End implements task.Task.
func (b *BalanceController) End(ctx context.Context, interrupted bool) {
	b.pid.Close()
	b.drive.Stop(ctx)
	b.logger.Infow("balance ended", "tilt_error", b.pid.Error(), "interrupted", interrupted)
}

// Output is the last commanded velocity.
func (b *BalanceController) Output() float64 { return b.output }
