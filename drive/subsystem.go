package drive

import (
	"context"
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rdk/logging"

	"swerve/geometry"
	"swerve/task"
)

// Resource is what every task commanding the drive requires.
const Resource task.Resource = "drive"

// Subsystem ties the modules, heading sensor, kinematics and odometry together.
// It must only be used from the control loop goroutine.
type Subsystem struct {
	logger    logging.Logger
	modules   []*WheelModule
	heading   *HeadingSensor
	mech      Mechanics
	kin       *Kinematics
	odom      *Odometry
	telemetry *Telemetry

	enabled     bool
	orientation Orientation
	command     geometry.ChassisVelocity
}

// NewSubsystem builds the drive from its modules. It starts disabled with the steering synced
// to the absolute encoders and the pose at the origin facing the current gyro heading.
func NewSubsystem(
	ctx context.Context,
	modules []*WheelModule,
	heading *HeadingSensor,
	mech Mechanics,
	telemetry *Telemetry,
	logger logging.Logger,
) (*Subsystem, error) {
	if err := mech.Validate(); err != nil {
		return nil, err
	}
	offsets := make([]r2.Point, 0, len(modules))
	for _, m := range modules {
		offsets = append(offsets, m.Config().Offset())
	}
	kin, err := NewKinematics(offsets...)
	if err != nil {
		return nil, err
	}
	if telemetry == nil {
		telemetry = NewTelemetry()
	}

	s := &Subsystem{
		logger:    logger,
		modules:   modules,
		heading:   heading,
		mech:      mech,
		kin:       kin,
		telemetry: telemetry,
	}
	s.orientation = heading.Read(ctx)
	s.ResetModulesToAbsolute(ctx)
	yaw := s.yaw()
	s.odom = NewOdometry(yaw, s.ModulePositions(ctx), geometry.Pose2D{Heading: yaw})
	s.telemetry.Set(TelemEnabled, false)
	return s, nil
}

func (s *Subsystem) yaw() s1.Angle { return s1.Angle(s.orientation.Yaw) * s1.Degree }

// Telemetry is where Periodic publishes.
func (s *Subsystem) Telemetry() *Telemetry { return s.telemetry }

// Modules returns the wheel modules in configuration order.
func (s *Subsystem) Modules() []*WheelModule { return s.modules }

// SetEnabled switches between driving and idle. Disabling stops the wheels.
func (s *Subsystem) SetEnabled(ctx context.Context, enabled bool) {
	if s.enabled == enabled {
		return
	}
	s.enabled = enabled
	s.logger.Infow("drive enabled changed", "enabled", enabled)
	if enabled {
		// no disabled tick may have run since the steering last moved
		s.ResetModulesToAbsolute(ctx)
	} else {
		s.Stop(ctx)
	}
	s.telemetry.Set(TelemEnabled, enabled)
}

// Periodic runs once per control tick before any task.
// While disabled it resynchronizes the steer encoders, otherwise it advances odometry.
func (s *Subsystem) Periodic(ctx context.Context) {
	s.orientation = s.heading.Read(ctx)
	if !s.enabled {
		s.ResetModulesToAbsolute(ctx)
	} else {
		s.odom.Update(s.yaw(), s.ModulePositions(ctx))
	}
	s.publish(ctx)
}

func (s *Subsystem) publish(ctx context.Context) {
	pose := s.odom.Pose()
	s.telemetry.Set(TelemPoseX, pose.X)
	s.telemetry.Set(TelemPoseY, pose.Y)
	s.telemetry.Set(TelemPoseHeading, pose.Heading.Degrees())
	s.telemetry.Set(TelemYaw, s.orientation.Yaw)
	s.telemetry.Set(TelemPitch, s.orientation.Pitch)
	s.telemetry.Set(TelemRoll, s.orientation.Roll)
	s.telemetry.Set(TelemCommand, map[string]interface{}{
		"vx": s.command.Vx, "vy": s.command.Vy, "omega": s.command.Omega,
	})
	for _, m := range s.modules {
		name := m.Config().Name
		state := m.State(ctx)
		pos := m.Position(ctx)
		s.telemetry.Set(fmt.Sprintf("module_%s_speed_mps", name), state.Speed)
		s.telemetry.Set(fmt.Sprintf("module_%s_angle_deg", name), state.Angle.Degrees())
		s.telemetry.Set(fmt.Sprintf("module_%s_distance_m", name), pos.Distance)
		if abs, err := m.AbsoluteAngle(ctx); err == nil {
			s.telemetry.Set(fmt.Sprintf("module_%s_absolute_deg", name), abs.Degrees())
		}
	}
}

// ResetModulesToAbsolute reseeds every steer encoder. Failures are logged.
func (s *Subsystem) ResetModulesToAbsolute(ctx context.Context) {
	for _, m := range s.modules {
		if err := m.ResetToAbsolute(ctx); err != nil {
			s.logger.Debugw("steer resync failed", "error", err)
		}
	}
}

// Drive commands the chassis to move at v in the body frame. Wheel speeds are desaturated
// against MaxSpeed before they reach the modules.
func (s *Subsystem) Drive(ctx context.Context, v geometry.ChassisVelocity, openLoop bool) error {
	s.command = v
	states := Desaturate(s.kin.ToWheelStates(v), s.mech.MaxSpeed)
	var err error
	for i, m := range s.modules {
		err = multierr.Combine(err, m.SetDesiredState(ctx, states[i], openLoop))
	}
	if err != nil {
		s.logger.Errorw("drive command failed", "error", err)
	}
	return err
}

// Stop cuts power to every drive motor.
func (s *Subsystem) Stop(ctx context.Context) error {
	s.command = geometry.ChassisVelocity{}
	var err error
	for _, m := range s.modules {
		err = multierr.Combine(err, m.Stop(ctx))
	}
	if err != nil {
		s.logger.Errorw("stop failed", "error", err)
	}
	return err
}

// Command is the last velocity handed to Drive.
func (s *Subsystem) Command() geometry.ChassisVelocity { return s.command }

// Pose is the odometry estimate.
func (s *Subsystem) Pose() geometry.Pose2D { return s.odom.Pose() }

// Orientation is the gyro sample taken by the last Periodic.
func (s *Subsystem) Orientation() Orientation { return s.orientation }

// ResetPose reseeds odometry at pose.
func (s *Subsystem) ResetPose(ctx context.Context, pose geometry.Pose2D) {
	s.orientation = s.heading.Read(ctx)
	s.odom.ResetPosition(s.yaw(), s.ModulePositions(ctx), pose)
	s.logger.Infow("pose reset", "x", pose.X, "y", pose.Y, "heading_deg", pose.Heading.Degrees())
}

// ZeroGyro makes the current direction heading zero, keeping the estimated position.
func (s *Subsystem) ZeroGyro(ctx context.Context) error {
	if err := s.heading.Zero(ctx); err != nil {
		return errors.Wrap(err, "zeroing gyro")
	}
	pose := s.odom.Pose()
	s.ResetPose(ctx, geometry.Pose2D{X: pose.X, Y: pose.Y})
	return nil
}

// ModuleStates reads every module's measured state.
func (s *Subsystem) ModuleStates(ctx context.Context) []WheelState {
	states := make([]WheelState, len(s.modules))
	for i, m := range s.modules {
		states[i] = m.State(ctx)
	}
	return states
}

// ModulePositions reads every module's accumulated position.
func (s *Subsystem) ModulePositions(ctx context.Context) []WheelPosition {
	positions := make([]WheelPosition, len(s.modules))
	for i, m := range s.modules {
		positions[i] = m.Position(ctx)
	}
	return positions
}
