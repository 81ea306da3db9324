// Package sim provides ideal swerve hardware: motors that reach their setpoints instantly,
// exact absolute encoders and a gyro integrated from the wheels' motion.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"

	"go.viam.com/rdk/logging"

	"swerve/drive"
	"swerve/geometry"
)

// Motor is an ideal motor. Power maps linearly onto MaxRPM and position commands are reached
// immediately.
type Motor struct {
	mu     sync.Mutex
	maxRPM float64
	actual float64 // rotations since construction
	zero   float64
	rpm    float64
	fail   error
}

// NewMotor returns a motor whose full power is maxRPM.
func NewMotor(maxRPM float64) *Motor { return &Motor{maxRPM: maxRPM} }

// SetPower implements drive.Motor.
func (m *Motor) SetPower(ctx context.Context, power float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.rpm = math.Max(-1, math.Min(1, power)) * m.maxRPM
	return nil
}

// SetRPM implements drive.Motor.
func (m *Motor) SetRPM(ctx context.Context, rpm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.rpm = rpm
	return nil
}

// SetPosition implements drive.Motor.
func (m *Motor) SetPosition(ctx context.Context, rotations float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.actual = rotations + m.zero
	m.rpm = 0
	return nil
}

// Position implements drive.Motor.
func (m *Motor) Position(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	return m.actual - m.zero, nil
}

// RPM implements drive.Motor.
func (m *Motor) RPM(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	return m.rpm, nil
}

// ResetZeroPosition implements drive.Motor.
func (m *Motor) ResetZeroPosition(ctx context.Context, rotations float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.zero = m.actual - rotations
	return nil
}

// Fail makes every call return err until called again with nil.
func (m *Motor) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Actual is the true shaft position in rotations.
func (m *Motor) Actual() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actual
}

// Skew moves the shaft without the motor's encoder noticing.
func (m *Motor) Skew(rotations float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actual += rotations
	m.zero += rotations
}

func (m *Motor) step(dt time.Duration) (rpm float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actual += m.rpm / 60 * dt.Seconds()
	return m.rpm
}

// Encoder is an absolute encoder reading a steer motor's true shaft through a gear ratio.
type Encoder struct {
	steer  *Motor
	ratio  float64
	offset float64 // rotations
}

// Rotations implements drive.AbsoluteEncoder.
func (e *Encoder) Rotations(ctx context.Context) (float64, error) {
	r := math.Mod(e.steer.Actual()/e.ratio+e.offset, 1)
	if r < 0 {
		r++
	}
	return r, nil
}

// Gyro is an ideal inertial sensor. Pitch and roll are whatever the test sets.
type Gyro struct {
	mu     sync.Mutex
	yaw    float64
	offset float64
	pitch  float64
	roll   float64
	fail   error
}

// Orientation implements drive.Gyro.
func (g *Gyro) Orientation(ctx context.Context) (yaw, pitch, roll float64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return 0, 0, 0, g.fail
	}
	return g.yaw + g.offset, g.pitch, g.roll, nil
}

// SetYaw implements drive.Gyro.
func (g *Gyro) SetYaw(ctx context.Context, yaw float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offset = yaw - g.yaw
	return nil
}

// SetTilt sets pitch and roll in degrees.
func (g *Gyro) SetTilt(pitch, roll float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pitch, g.roll = pitch, roll
}

// Fail makes reads return err until called again with nil.
func (g *Gyro) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = err
}

func (g *Gyro) rotate(deg float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.yaw += deg
}

// Module is the hardware of one simulated wheel module.
type Module struct {
	Config  drive.ModuleConfig
	Drive   *Motor
	Steer   *Motor
	Encoder *Encoder
}

// World is a frictionless chassis on a flat field.
type World struct {
	mech    drive.Mechanics
	kin     *drive.Kinematics
	Modules []*Module
	Gyro    *Gyro

	mu   sync.Mutex
	pose geometry.Pose2D
}

// NewWorld builds simulated hardware for the given layout.
func NewWorld(configs []drive.ModuleConfig, mech drive.Mechanics) (*World, error) {
	if err := mech.Validate(); err != nil {
		return nil, err
	}
	offsets := make([]r2.Point, 0, len(configs))
	for _, c := range configs {
		offsets = append(offsets, c.Offset())
	}
	kin, err := drive.NewKinematics(offsets...)
	if err != nil {
		return nil, errors.Wrap(err, "simulated layout")
	}
	maxRPM := mech.MaxSpeed / mech.WheelCircumference * 60 * mech.DriveRatio
	w := &World{mech: mech, kin: kin, Gyro: &Gyro{}}
	for _, c := range configs {
		steer := NewMotor(0)
		w.Modules = append(w.Modules, &Module{
			Config:  c,
			Drive:   NewMotor(maxRPM),
			Steer:   steer,
			Encoder: &Encoder{steer: steer, ratio: mech.SteerRatio, offset: c.AbsoluteOffset.Radians() / (2 * math.Pi)},
		})
	}
	return w, nil
}

// WheelModules wraps the simulated hardware in drive modules.
func (w *World) WheelModules(logger logging.Logger) []*drive.WheelModule {
	out := make([]*drive.WheelModule, 0, len(w.Modules))
	for _, m := range w.Modules {
		out = append(out, drive.NewWheelModule(m.Config, w.mech, m.Drive, m.Steer, m.Encoder, logger))
	}
	return out
}

// Step advances the world by dt using the wheels' current commands.
func (w *World) Step(dt time.Duration) {
	states := make([]drive.WheelState, len(w.Modules))
	for i, m := range w.Modules {
		angle := m.Steer.Actual() / w.mech.SteerRatio * 2 * math.Pi
		rpm := m.Drive.step(dt)
		m.Steer.step(dt)
		states[i] = drive.WheelState{
			Speed: rpm / w.mech.DriveRatio / 60 * w.mech.WheelCircumference,
			Angle: s1.Angle(angle),
		}
	}
	v, err := w.kin.ToChassisVelocity(states)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	secs := dt.Seconds()
	mid := w.pose.Heading + s1.Angle(v.Omega*secs/2)
	field := geometry.Rotate(r2.Point{X: v.Vx, Y: v.Vy}, mid)
	w.pose.X += field.X * secs
	w.pose.Y += field.Y * secs
	w.pose.Heading += s1.Angle(v.Omega * secs)
	w.Gyro.rotate(v.Omega * secs * 180 / math.Pi)
}

// Pose is the true chassis pose.
func (w *World) Pose() geometry.Pose2D {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pose
}
