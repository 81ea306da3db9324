// Package drive implements the swerve drive subsystem: wheel modules, kinematics, odometry and
// the control tasks (trajectory following, balancing, heading hold, manual drive) that command it.
//
// Everything in this package is driven from a single control goroutine. Hardware is reached
// through the small Motor, AbsoluteEncoder and Gyro interfaces so the same code runs against
// CAN controllers, Viam components or the simulation.
package drive

import (
	"context"

	"github.com/golang/geo/s1"

	"go.viam.com/rdk/logging"
)

// Motor is one actuator of a wheel module. Positions are in motor rotations.
type Motor interface {
	// SetPower commands an open-loop duty cycle in [-1, 1].
	SetPower(ctx context.Context, power float64) error
	// SetRPM commands a closed-loop velocity.
	SetRPM(ctx context.Context, rpm float64) error
	// SetPosition commands a closed-loop position and returns without waiting for it.
	SetPosition(ctx context.Context, rotations float64) error
	Position(ctx context.Context) (float64, error)
	RPM(ctx context.Context) (float64, error)
	// ResetZeroPosition redefines the current position as rotations.
	ResetZeroPosition(ctx context.Context, rotations float64) error
}

// AbsoluteEncoder reports the steering angle of a module independently of motor encoders.
type AbsoluteEncoder interface {
	// Rotations returns the angle as a fraction of a turn in [0, 1).
	Rotations(ctx context.Context) (float64, error)
}

// Gyro is an inertial sensor. All angles are degrees; yaw grows counter-clockwise.
type Gyro interface {
	Orientation(ctx context.Context) (yaw, pitch, roll float64, err error)
	SetYaw(ctx context.Context, yaw float64) error
}

// Orientation is one gyro sample in degrees.
type Orientation struct {
	Yaw   float64
	Pitch float64
	Roll  float64
}

// Tilt is the combined pitch and roll the balance controller works on.
func (o Orientation) Tilt() float64 { return o.Pitch + o.Roll }

// HeadingSensor reads a Gyro, applying the configured yaw inversion.
// A failed read returns the last good sample.
type HeadingSensor struct {
	gyro   Gyro
	invert bool
	logger logging.Logger

	last Orientation
}

// NewHeadingSensor wraps gyro. With invert set, yaw is reported as 360 - raw.
func NewHeadingSensor(gyro Gyro, invert bool, logger logging.Logger) *HeadingSensor {
	return &HeadingSensor{gyro: gyro, invert: invert, logger: logger}
}

// Read samples the gyro.
func (h *HeadingSensor) Read(ctx context.Context) Orientation {
	yaw, pitch, roll, err := h.gyro.Orientation(ctx)
	if err != nil {
		h.logger.Warnw("gyro read failed, reusing last sample", "error", err)
		return h.last
	}
	if h.invert {
		yaw = 360 - yaw
	}
	h.last = Orientation{Yaw: yaw, Pitch: pitch, Roll: roll}
	return h.last
}

// Yaw samples the gyro and returns the heading.
func (h *HeadingSensor) Yaw(ctx context.Context) s1.Angle {
	return s1.Angle(h.Read(ctx).Yaw) * s1.Degree
}

// Zero sets the current heading to zero.
func (h *HeadingSensor) Zero(ctx context.Context) error {
	raw := 0.0
	if h.invert {
		raw = 360
	}
	if err := h.gyro.SetYaw(ctx, raw); err != nil {
		return err
	}
	h.last.Yaw = 0
	return nil
}
