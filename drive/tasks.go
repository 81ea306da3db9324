package drive

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/s1"

	"swerve/geometry"
	"swerve/task"
)

// HeadingConfig tunes rotation to an absolute heading.
type HeadingConfig struct {
	Gains     Gains   `json:"pid"`
	Tolerance float64 `json:"tolerance_deg"`
	// MaxRate bounds the rotation rate in degrees per second. Zero means unbounded.
	MaxRate float64 `json:"max_rate_dps"`
}

// DefaultHeadingConfig turns at up to 90°/s and accepts ±5°.
var DefaultHeadingConfig = HeadingConfig{
	Gains:     Gains{P: 2},
	Tolerance: 5,
	MaxRate:   90,
}

// HeadingHold rotates in place until the estimated heading is within tolerance of a target.
// A relative hold instead turns through a fixed angle, counting whole revolutions.
type HeadingHold struct {
	drive    *Subsystem
	target   s1.Angle
	relative bool
	cfg      HeadingConfig
	clk      clock.Clock

	pid    *PID
	last   time.Time
	prev   s1.Angle
	turned s1.Angle
}

// NewHeadingHold returns a task turning to target along the shortest rotation.
func NewHeadingHold(drive *Subsystem, target s1.Angle, cfg HeadingConfig, clk clock.Clock) *HeadingHold {
	return &HeadingHold{drive: drive, target: target, cfg: cfg, clk: clk}
}

// NewSpin returns a task turning through angle from wherever the chassis points when it
// starts. Angles beyond a half turn are honored in full.
func NewSpin(drive *Subsystem, angle s1.Angle, cfg HeadingConfig, clk clock.Clock) *HeadingHold {
	return &HeadingHold{drive: drive, target: angle, relative: true, cfg: cfg, clk: clk}
}

// Name implements task.Task.
func (h *HeadingHold) Name() string {
	if h.relative {
		return fmt.Sprintf("spin(%.1f)", h.target.Degrees())
	}
	return fmt.Sprintf("heading(%.1f)", h.target.Degrees())
}

// Requirements implements task.Task.
func (h *HeadingHold) Requirements() []task.Resource { return []task.Resource{Resource} }

// Initialize implements task.Task.
func (h *HeadingHold) Initialize(ctx context.Context) {
	h.pid = NewPID(h.cfg.Gains, h.cfg.Tolerance)
	if h.cfg.MaxRate > 0 {
		h.pid.WithLimits(-h.cfg.MaxRate, h.cfg.MaxRate)
	}
	h.last = h.clk.Now()
	h.prev = h.drive.Pose().Heading
	h.turned = 0
}

// Execute implements task.Task.
func (h *HeadingHold) Execute(ctx context.Context) {
	now := h.clk.Now()
	dt := now.Sub(h.last)
	h.last = now

	current := h.drive.Pose().Heading
	var rate float64
	if h.relative {
		// one tick never turns more than half a revolution
		h.turned += geometry.AngleDiff(current, h.prev)
		h.prev = current
		rate = h.pid.Calculate(h.turned.Degrees(), h.target.Degrees(), dt)
	} else {
		goal := current + geometry.AngleDiff(h.target, current)
		rate = h.pid.Calculate(current.Degrees(), goal.Degrees(), dt)
	}
	h.drive.Drive(ctx, geometry.ChassisVelocity{Omega: (s1.Angle(rate) * s1.Degree).Radians()}, false)
}

// IsFinished implements task.Task.
func (h *HeadingHold) IsFinished() bool { return h.pid.AtSetpoint() }

// End implements task.Task.
func (h *HeadingHold) End(ctx context.Context, interrupted bool) {
	h.pid.Close()
	h.drive.Stop(ctx)
}

// ManualDrive holds a velocity command until replaced or cancelled. In field relative mode
// the command is taken in the field frame and rotated by the current heading every tick.
type ManualDrive struct {
	drive         *Subsystem
	fieldRelative bool
	openLoop      bool
	command       geometry.ChassisVelocity
}

// NewManualDrive returns the teleop task.
func NewManualDrive(drive *Subsystem, fieldRelative, openLoop bool) *ManualDrive {
	return &ManualDrive{drive: drive, fieldRelative: fieldRelative, openLoop: openLoop}
}

// Set replaces the held command.
func (m *ManualDrive) Set(v geometry.ChassisVelocity, openLoop bool) {
	m.command = v
	m.openLoop = openLoop
}

// Command is the held velocity.
func (m *ManualDrive) Command() geometry.ChassisVelocity { return m.command }

// Name implements task.Task.
func (m *ManualDrive) Name() string { return "manual" }

// Requirements implements task.Task.
func (m *ManualDrive) Requirements() []task.Resource { return []task.Resource{Resource} }

// Initialize implements task.Task.
func (m *ManualDrive) Initialize(ctx context.Context) {}

// Execute implements task.Task.
func (m *ManualDrive) Execute(ctx context.Context) {
	v := m.command
	if m.fieldRelative {
		v = geometry.FromFieldRelative(v.Vx, v.Vy, v.Omega, m.drive.Pose().Heading)
	}
	m.drive.Drive(ctx, v, m.openLoop)
}

// IsFinished implements task.Task.
func (m *ManualDrive) IsFinished() bool { return false }

// End implements task.Task.
func (m *ManualDrive) End(ctx context.Context, interrupted bool) {
	m.drive.Stop(ctx)
}

// DriveDistance drives straight along the current heading until odometry has covered distance.
// A negative distance or a negative speed drives backwards.
type DriveDistance struct {
	drive    *Subsystem
	distance float64
	speed    float64

	start geometry.Pose2D
}

// NewDriveDistance returns a task covering distance meters at speed m/s.
func NewDriveDistance(drive *Subsystem, distance, speed float64) *DriveDistance {
	return &DriveDistance{drive: drive, distance: distance, speed: speed}
}

// Name implements task.Task.
func (d *DriveDistance) Name() string { return fmt.Sprintf("straight(%.3fm)", d.distance) }

// Requirements implements task.Task.
func (d *DriveDistance) Requirements() []task.Resource { return []task.Resource{Resource} }

// Initialize implements task.Task.
func (d *DriveDistance) Initialize(ctx context.Context) { d.start = d.drive.Pose() }

// Execute implements task.Task.
func (d *DriveDistance) Execute(ctx context.Context) {
	v := math.Abs(d.speed)
	if d.distance < 0 || d.speed < 0 {
		v = -v
	}
	d.drive.Drive(ctx, geometry.ChassisVelocity{Vx: v}, false)
}

// Traveled is the distance covered so far.
func (d *DriveDistance) Traveled() float64 { return d.drive.Pose().DistanceTo(d.start) }

// IsFinished implements task.Task.
func (d *DriveDistance) IsFinished() bool {
	return d.speed == 0 || d.Traveled() >= math.Abs(d.distance)
}

// End implements task.Task.
func (d *DriveDistance) End(ctx context.Context, interrupted bool) {
	d.drive.Stop(ctx)
}
