package main

import (
	"fmt"
	"time"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"

	"go.viam.com/rdk/resource"

	"swerve/canmotor"
	"swerve/drive"
	"swerve/trajectory"
)

const (
	defaultPeriod    = 20 * time.Millisecond
	minPeriodMs      = 5
	numSwerveModules = 4
)

// ModuleConfig places one wheel module and names its actuators. Each actuator is either an
// rdk component (by name) or a controller on the CAN bus (by node id).
type ModuleConfig struct {
	Name              string  `json:"name"`
	X                 float64 `json:"x_m"`
	Y                 float64 `json:"y_m"`
	DriveMotor        string  `json:"drive_motor,omitempty"`
	SteerMotor        string  `json:"steer_motor,omitempty"`
	AbsoluteEncoder   string  `json:"absolute_encoder,omitempty"`
	DriveCANID        *int    `json:"drive_can_id,omitempty"`
	SteerCANID        *int    `json:"steer_can_id,omitempty"`
	EncoderCANID      *int    `json:"encoder_can_id,omitempty"`
	AbsoluteOffsetDeg float64 `json:"absolute_offset_deg"`
}

func (m ModuleConfig) driveConfig() drive.ModuleConfig {
	return drive.ModuleConfig{
		Name:           m.Name,
		X:              m.X,
		Y:              m.Y,
		AbsoluteOffset: s1.Angle(m.AbsoluteOffsetDeg) * s1.Degree,
	}
}

// EventConfig binds a marker name to a DoCommand on another resource.
type EventConfig struct {
	Resource string                 `json:"resource"`
	Command  map[string]interface{} `json:"command"`
}

// Config is the swerve base's attribute block.
type Config struct {
	Modules        []ModuleConfig `json:"modules"`
	MovementSensor string         `json:"movement_sensor,omitempty"`
	InvertGyro     bool           `json:"invert_gyro,omitempty"`

	WheelCircumferenceM float64 `json:"wheel_circumference_m"`
	DriveGearRatio      float64 `json:"drive_gear_ratio"`
	SteerGearRatio      float64 `json:"steer_gear_ratio"`
	MaxSpeedMps         float64 `json:"max_speed_mps"`
	PeriodMs            int     `json:"period_ms,omitempty"`
	FieldRelative       bool    `json:"field_relative,omitempty"`

	// CommandTimeoutMs stops a held SetPower or SetVelocity command that has not been
	// refreshed for this long. Zero disables the timeout.
	CommandTimeoutMs int `json:"command_timeout_ms,omitempty"`

	TrajectoryDir       string  `json:"trajectory_dir,omitempty"`
	WatchTrajectories   bool    `json:"watch_trajectories,omitempty"`
	MaxVelocityMps      float64 `json:"max_velocity_mps,omitempty"`
	MaxAccelerationMpss float64 `json:"max_acceleration_mpss,omitempty"`

	TranslationPID *drive.Gains         `json:"translation_pid,omitempty"`
	RotationPID    *drive.Gains         `json:"rotation_pid,omitempty"`
	Balance        *drive.BalanceConfig `json:"balance,omitempty"`
	HeadingPID     *drive.HeadingConfig `json:"heading_pid,omitempty"`
	SteerPID       *drive.Gains         `json:"steer_pid,omitempty"`

	CANChannel string                 `json:"can_channel,omitempty"`
	Simulated  bool                   `json:"simulated,omitempty"`
	Events     map[string]EventConfig `json:"events,omitempty"`
}

func validateCANID(path, field string, id *int) error {
	if id == nil {
		return nil
	}
	return errors.Wrapf(canmotor.ValidateNode(*id), "%s.%s", path, field)
}

func exactlyOne(path, field, name string, id *int) error {
	switch {
	case name == "" && id == nil:
		return resource.NewConfigValidationFieldRequiredError(path, field)
	case name != "" && id != nil:
		return errors.Errorf("%s: set either %s or its CAN id, not both", path, field)
	}
	return nil
}

// Validate ensures all parts of the config are valid and returns the implicit dependencies.
func (cfg *Config) Validate(path string) ([]string, error) {
	if len(cfg.Modules) != numSwerveModules {
		return nil, errors.Errorf("%s: expected %d modules, got %d", path, numSwerveModules, len(cfg.Modules))
	}
	if err := cfg.mechanics().Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	if cfg.PeriodMs != 0 && cfg.PeriodMs < minPeriodMs {
		return nil, errors.Errorf("%s: period_ms must be at least %d", path, minPeriodMs)
	}
	if cfg.CommandTimeoutMs < 0 {
		return nil, errors.Errorf("%s: command_timeout_ms must not be negative", path)
	}
	if b := cfg.Balance; b != nil && (b.Tolerance < 0 || b.MaxVelocity < 0) {
		return nil, errors.Errorf("%s: balance tolerance_deg and max_velocity_mps must not be negative", path)
	}
	if h := cfg.HeadingPID; h != nil && (h.Tolerance < 0 || h.MaxRate < 0) {
		return nil, errors.Errorf("%s: heading_pid tolerance_deg and max_rate_dps must not be negative", path)
	}

	var deps []string
	seen := map[string]bool{}
	for i, m := range cfg.Modules {
		mpath := fmt.Sprintf("%s.modules.%d", path, i)
		if m.Name == "" {
			return nil, resource.NewConfigValidationFieldRequiredError(mpath, "name")
		}
		if seen[m.Name] {
			return nil, errors.Errorf("%s: duplicate module name %q", mpath, m.Name)
		}
		seen[m.Name] = true
		if cfg.Simulated {
			continue
		}
		for _, actuator := range []struct {
			field string
			name  string
			id    *int
		}{
			{"drive_motor", m.DriveMotor, m.DriveCANID},
			{"steer_motor", m.SteerMotor, m.SteerCANID},
			{"absolute_encoder", m.AbsoluteEncoder, m.EncoderCANID},
		} {
			if err := exactlyOne(mpath, actuator.field, actuator.name, actuator.id); err != nil {
				return nil, err
			}
			if err := validateCANID(mpath, actuator.field, actuator.id); err != nil {
				return nil, err
			}
			if actuator.name != "" {
				deps = append(deps, actuator.name)
			}
		}
	}

	if !cfg.Simulated {
		if cfg.MovementSensor == "" {
			return nil, resource.NewConfigValidationFieldRequiredError(path, "movement_sensor")
		}
		deps = append(deps, cfg.MovementSensor)
	}
	for name, ev := range cfg.Events {
		if ev.Resource == "" {
			return nil, resource.NewConfigValidationFieldRequiredError(path+".events."+name, "resource")
		}
		deps = append(deps, ev.Resource)
	}
	return deps, nil
}

func (cfg *Config) mechanics() drive.Mechanics {
	return drive.Mechanics{
		WheelCircumference: cfg.WheelCircumferenceM,
		DriveRatio:         cfg.DriveGearRatio,
		SteerRatio:         cfg.SteerGearRatio,
		MaxSpeed:           cfg.MaxSpeedMps,
	}
}

// usesCAN reports whether any actuator lives on the CAN bus.
func (cfg *Config) usesCAN() bool {
	if cfg.Simulated {
		return false
	}
	for _, m := range cfg.Modules {
		if m.DriveCANID != nil || m.SteerCANID != nil || m.EncoderCANID != nil {
			return true
		}
	}
	return false
}

func (cfg *Config) canChannel() string {
	if cfg.CANChannel == "" {
		return canmotor.DefaultChannel
	}
	return cfg.CANChannel
}

func (cfg *Config) period() time.Duration {
	if cfg.PeriodMs == 0 {
		return defaultPeriod
	}
	return time.Duration(cfg.PeriodMs) * time.Millisecond
}

func (cfg *Config) commandTimeout() time.Duration {
	return time.Duration(cfg.CommandTimeoutMs) * time.Millisecond
}

func (cfg *Config) constraints() trajectory.Constraints {
	return trajectory.Constraints{
		MaxVelocity:     cfg.MaxVelocityMps,
		MaxAcceleration: cfg.MaxAccelerationMpss,
	}
}

func (cfg *Config) followerGains() drive.FollowerGains {
	gains := drive.DefaultFollowerGains
	if cfg.TranslationPID != nil {
		gains.Translation = *cfg.TranslationPID
	}
	if cfg.RotationPID != nil {
		gains.Rotation = *cfg.RotationPID
	}
	return gains
}

// balanceConfig fills every field left unset in the balance block from the defaults.
func (cfg *Config) balanceConfig() drive.BalanceConfig {
	out := drive.DefaultBalanceConfig
	if cfg.Balance == nil {
		return out
	}
	if cfg.Balance.Gains != (drive.Gains{}) {
		out.Gains = cfg.Balance.Gains
	}
	if cfg.Balance.Tolerance != 0 {
		out.Tolerance = cfg.Balance.Tolerance
	}
	if cfg.Balance.MaxVelocity != 0 {
		out.MaxVelocity = cfg.Balance.MaxVelocity
	}
	return out
}

// headingConfig fills the gains and tolerance from the defaults when unset. A zero
// max_rate_dps keeps its meaning of unbounded.
func (cfg *Config) headingConfig() drive.HeadingConfig {
	if cfg.HeadingPID == nil {
		return drive.DefaultHeadingConfig
	}
	out := *cfg.HeadingPID
	if out.Gains == (drive.Gains{}) {
		out.Gains = drive.DefaultHeadingConfig.Gains
	}
	if out.Tolerance == 0 {
		out.Tolerance = drive.DefaultHeadingConfig.Tolerance
	}
	return out
}

func (cfg *Config) steerGains() drive.Gains {
	if cfg.SteerPID != nil {
		return *cfg.SteerPID
	}
	return defaultSteerGains
}
