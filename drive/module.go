package drive

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rdk/logging"

	"swerve/geometry"
)

// WheelState is a wheel speed in m/s and the direction it points in.
type WheelState struct {
	Speed float64
	Angle s1.Angle
}

// WheelPosition is the distance a wheel has rolled in meters and the direction it points in.
type WheelPosition struct {
	Distance float64
	Angle    s1.Angle
}

// Optimize picks the cheapest way for a module pointing at current to reach desired.
// The returned angle is within 90° of current, expressed as current plus a delta; when the
// direct rotation would exceed 90° the module turns to the opposite angle and reverses speed.
func Optimize(desired WheelState, current s1.Angle) WheelState {
	delta := geometry.AngleDiff(desired.Angle, current)
	speed := desired.Speed
	if math.Abs(delta.Degrees()) > 90 {
		delta = geometry.AngleDiff(desired.Angle+math.Pi, current)
		speed = -speed
	}
	return WheelState{Speed: speed, Angle: current + delta}
}

// ModuleConfig places a module on the chassis. X is forward and Y is left of the rotation
// center, in meters.
type ModuleConfig struct {
	Name           string
	X              float64
	Y              float64
	AbsoluteOffset s1.Angle
}

// Offset is the module's position relative to the rotation center.
func (c ModuleConfig) Offset() r2.Point { return r2.Point{X: c.X, Y: c.Y} }

// Mechanics are the drivetrain constants shared by every module.
type Mechanics struct {
	WheelCircumference float64 // meters
	DriveRatio         float64 // motor rotations per wheel rotation
	SteerRatio         float64 // motor rotations per module rotation
	MaxSpeed           float64 // m/s
}

// Validate checks that every constant is usable.
func (m Mechanics) Validate() error {
	switch {
	case m.WheelCircumference <= 0:
		return errors.New("wheel circumference must be positive")
	case m.DriveRatio <= 0:
		return errors.New("drive gear ratio must be positive")
	case m.SteerRatio <= 0:
		return errors.New("steer gear ratio must be positive")
	case m.MaxSpeed <= 0:
		return errors.New("max speed must be positive")
	}
	return nil
}

// speeds under this share of MaxSpeed leave the steering where it is
const steerDeadband = 0.01

// WheelModule is one steerable, driven wheel.
type WheelModule struct {
	cfg      ModuleConfig
	mech     Mechanics
	drive    Motor
	steer    Motor
	absolute AbsoluteEncoder
	logger   logging.Logger

	lastAngle    s1.Angle
	lastState    WheelState
	lastPosition WheelPosition
}

// NewWheelModule builds a module from its actuators.
func NewWheelModule(cfg ModuleConfig, mech Mechanics, drive, steer Motor, absolute AbsoluteEncoder, logger logging.Logger) *WheelModule {
	return &WheelModule{
		cfg:      cfg,
		mech:     mech,
		drive:    drive,
		steer:    steer,
		absolute: absolute,
		logger:   logger,
	}
}

// Config returns the module placement.
func (m *WheelModule) Config() ModuleConfig { return m.cfg }

func (m *WheelModule) steerRotations(a s1.Angle) float64 {
	return a.Radians() / (2 * math.Pi) * m.mech.SteerRatio
}

func (m *WheelModule) steerAngle(rotations float64) s1.Angle {
	return s1.Angle(rotations / m.mech.SteerRatio * 2 * math.Pi)
}

func (m *WheelModule) wheelRPM(speed float64) float64 {
	return speed / m.mech.WheelCircumference * 60 * m.mech.DriveRatio
}

func (m *WheelModule) measuredAngle(ctx context.Context) s1.Angle {
	rot, err := m.steer.Position(ctx)
	if err != nil {
		m.logger.Warnw("steer position read failed", "module", m.cfg.Name, "error", err)
		return m.lastAngle
	}
	return m.steerAngle(rot)
}

// SetDesiredState steers and drives the module toward target.
// Open loop drives at target.Speed/MaxSpeed power, otherwise at a closed-loop RPM.
func (m *WheelModule) SetDesiredState(ctx context.Context, target WheelState, openLoop bool) error {
	current := m.measuredAngle(ctx)
	state := Optimize(target, current)

	angle := state.Angle
	if math.Abs(state.Speed) <= steerDeadband*m.mech.MaxSpeed {
		angle = m.lastAngle
	}
	m.lastAngle = angle

	err := m.steer.SetPosition(ctx, m.steerRotations(angle))
	if openLoop {
		err = multierr.Combine(err, m.drive.SetPower(ctx, state.Speed/m.mech.MaxSpeed))
	} else {
		err = multierr.Combine(err, m.drive.SetRPM(ctx, m.wheelRPM(state.Speed)))
	}
	return errors.Wrapf(err, "module %s", m.cfg.Name)
}

// Stop cuts drive power and leaves the steering where it is.
func (m *WheelModule) Stop(ctx context.Context) error {
	return errors.Wrapf(m.drive.SetPower(ctx, 0), "module %s", m.cfg.Name)
}

// State reads the measured speed and angle.
func (m *WheelModule) State(ctx context.Context) WheelState {
	rpm, err := m.drive.RPM(ctx)
	if err != nil {
		m.logger.Warnw("drive velocity read failed", "module", m.cfg.Name, "error", err)
		return m.lastState
	}
	m.lastState = WheelState{
		Speed: rpm / m.mech.DriveRatio / 60 * m.mech.WheelCircumference,
		Angle: m.measuredAngle(ctx),
	}
	return m.lastState
}

// Position reads the accumulated wheel distance and angle.
func (m *WheelModule) Position(ctx context.Context) WheelPosition {
	rot, err := m.drive.Position(ctx)
	if err != nil {
		m.logger.Warnw("drive position read failed", "module", m.cfg.Name, "error", err)
		return m.lastPosition
	}
	m.lastPosition = WheelPosition{
		Distance: rot / m.mech.DriveRatio * m.mech.WheelCircumference,
		Angle:    m.measuredAngle(ctx),
	}
	return m.lastPosition
}

// AbsoluteAngle reads the absolute encoder with the mounting offset removed.
func (m *WheelModule) AbsoluteAngle(ctx context.Context) (s1.Angle, error) {
	rot, err := m.absolute.Rotations(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "module %s absolute encoder", m.cfg.Name)
	}
	return s1.Angle(rot*2*math.Pi) - m.cfg.AbsoluteOffset, nil
}

// ResetToAbsolute reseeds the steer encoder from the absolute encoder.
// Only call it while the wheels are idle.
func (m *WheelModule) ResetToAbsolute(ctx context.Context) error {
	angle, err := m.AbsoluteAngle(ctx)
	if err != nil {
		return err
	}
	if err := m.steer.ResetZeroPosition(ctx, m.steerRotations(angle)); err != nil {
		return errors.Wrapf(err, "module %s steer reset", m.cfg.Name)
	}
	m.lastAngle = angle
	return nil
}
