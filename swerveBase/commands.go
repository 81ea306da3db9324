package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/geo/s1"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"swerve/drive"
	"swerve/geometry"
	"swerve/task"
	"swerve/trajectory"
)

// DoCommand names.
const (
	cmdFollowTrajectory = "follow_trajectory"
	cmdListTrajectories = "list_trajectories"
	cmdBalance          = "balance"
	cmdTurnToHeading    = "turn_to_heading"
	cmdZeroGyro         = "zero_gyro"
	cmdResetPose        = "reset_pose"
	cmdGetPose          = "get_pose"
	cmdGetModules       = "get_module_states"
	cmdGetTelemetry     = "get_telemetry"
	cmdSetEnabled       = "set_enabled"
	cmdCancel           = "cancel"
)

type followRequest struct {
	Name      string   `mapstructure:"name"`
	Names     []string `mapstructure:"names"`
	FirstPath bool     `mapstructure:"first_path"`
	NoEvents  bool     `mapstructure:"no_events"`
	Wait      bool     `mapstructure:"wait"`
}

type balanceRequest struct {
	TimeoutSec float64 `mapstructure:"timeout_s"`
	Wait       bool    `mapstructure:"wait"`
}

type headingRequest struct {
	HeadingDeg *float64 `mapstructure:"heading_deg"`
	Wait       bool     `mapstructure:"wait"`
}

type poseRequest struct {
	X          float64 `mapstructure:"x_m"`
	Y          float64 `mapstructure:"y_m"`
	HeadingDeg float64 `mapstructure:"heading_deg"`
}

type enabledRequest struct {
	Enabled *bool `mapstructure:"enabled"`
}

// decodeCommand decodes cmd, minus its "command" key, into out. Unknown keys are errors.
func decodeCommand(cmd map[string]interface{}, out interface{}) error {
	args := make(map[string]interface{}, len(cmd))
	for k, v := range cmd {
		if k != "command" {
			args[k] = v
		}
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(args)
}

// DoCommand executes commands beyond the Base interface: trajectory following, balancing,
// heading control, pose management and telemetry.
func (b *swerveBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}
	switch name {
	case cmdFollowTrajectory:
		var req followRequest
		if err := decodeCommand(cmd, &req); err != nil {
			return nil, errors.Wrap(err, cmdFollowTrajectory)
		}
		return b.followTrajectory(ctx, req)

	case cmdListTrajectories:
		names, err := b.library.Names()
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, 0, len(names))
		for _, n := range names {
			out = append(out, n)
		}
		return map[string]interface{}{"trajectories": out}, nil

	case cmdBalance:
		var req balanceRequest
		if err := decodeCommand(cmd, &req); err != nil {
			return nil, errors.Wrap(err, cmdBalance)
		}
		return b.balance(ctx, req)

	case cmdTurnToHeading:
		var req headingRequest
		if err := decodeCommand(cmd, &req); err != nil {
			return nil, errors.Wrap(err, cmdTurnToHeading)
		}
		if req.HeadingDeg == nil {
			return nil, errors.New("heading_deg must be set")
		}
		target := s1.Angle(*req.HeadingDeg) * s1.Degree
		build := func() task.Task {
			return drive.NewHeadingHold(b.drive, target, b.cfg.headingConfig(), b.clk)
		}
		return b.run(ctx, build, req.Wait)

	case cmdZeroGyro:
		err := b.do(ctx, func(loopCtx context.Context) error {
			return b.drive.ZeroGyro(loopCtx)
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "zero_gyro command processed"}, nil

	case cmdResetPose:
		var req poseRequest
		if err := decodeCommand(cmd, &req); err != nil {
			return nil, errors.Wrap(err, cmdResetPose)
		}
		pose := geometry.Pose2D{X: req.X, Y: req.Y, Heading: s1.Angle(req.HeadingDeg) * s1.Degree}
		var out map[string]interface{}
		err := b.do(ctx, func(loopCtx context.Context) error {
			b.drive.ResetPose(loopCtx, pose)
			out = poseMap(b.drive.Pose())
			return nil
		})
		return out, err

	case cmdGetPose:
		var out map[string]interface{}
		err := b.do(ctx, func(loopCtx context.Context) error {
			out = poseMap(b.drive.Pose())
			return nil
		})
		return out, err

	case cmdGetModules:
		var out map[string]interface{}
		err := b.do(ctx, func(loopCtx context.Context) error {
			out = map[string]interface{}{}
			states := b.drive.ModuleStates(loopCtx)
			positions := b.drive.ModulePositions(loopCtx)
			for i, m := range b.drive.Modules() {
				out[m.Config().Name] = map[string]interface{}{
					"speed_mps":  states[i].Speed,
					"angle_deg":  states[i].Angle.Degrees(),
					"distance_m": positions[i].Distance,
				}
			}
			return nil
		})
		return out, err

	case cmdGetTelemetry:
		return b.drive.Telemetry().All(), nil

	case cmdSetEnabled:
		var req enabledRequest
		if err := decodeCommand(cmd, &req); err != nil {
			return nil, errors.Wrap(err, cmdSetEnabled)
		}
		if req.Enabled == nil {
			return nil, errors.New("enabled must be set and a boolean value")
		}
		err := b.do(ctx, func(loopCtx context.Context) error {
			if !*req.Enabled {
				b.scheduler.CancelAll(loopCtx)
			}
			b.drive.SetEnabled(loopCtx, *req.Enabled)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"enabled": *req.Enabled}, nil

	case cmdCancel:
		var cancelled []interface{}
		err := b.do(ctx, func(loopCtx context.Context) error {
			for _, n := range b.scheduler.Active() {
				cancelled = append(cancelled, n)
			}
			b.scheduler.CancelAll(loopCtx)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"cancelled": cancelled}, nil

	default:
		return nil, fmt.Errorf("no such command: %s", name)
	}
}

func poseMap(p geometry.Pose2D) map[string]interface{} {
	return map[string]interface{}{
		"x_m":         p.X,
		"y_m":         p.Y,
		"heading_deg": p.Heading.Degrees(),
	}
}

// run schedules the task built by build and optionally waits for it.
func (b *swerveBase) run(ctx context.Context, build func() task.Task, wait bool) (map[string]interface{}, error) {
	t, handle, err := b.start(ctx, build)
	if err != nil {
		return nil, err
	}
	if wait {
		if err := b.wait(ctx, t, handle); err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{
		"task":        handle.Name(),
		"id":          handle.ID(),
		"finished":    handle.Finished(),
		"interrupted": handle.Interrupted(),
	}, nil
}

func (b *swerveBase) followTrajectory(ctx context.Context, req followRequest) (map[string]interface{}, error) {
	names := req.Names
	if req.Name != "" {
		names = append([]string{req.Name}, names...)
	}
	if len(names) == 0 {
		return nil, errors.New("name or names must be set")
	}

	trajs := make([]*trajectory.Trajectory, 0, len(names))
	var total time.Duration
	for _, n := range names {
		traj, err := b.library.Load(n, b.constraints)
		if err != nil {
			return nil, err
		}
		trajs = append(trajs, traj)
		total += traj.TotalTime()
	}

	gains := b.cfg.followerGains()
	build := func() task.Task {
		followers := make([]task.Task, 0, len(trajs))
		for i, traj := range trajs {
			var events map[string]task.Task
			if !req.NoEvents {
				events = eventTasks(b.events, b.logger)
			}
			followers = append(followers, drive.NewTrajectoryFollower(
				b.drive, b.scheduler, b.clk, traj, req.FirstPath && i == 0, events, gains, b.logger))
		}
		if len(followers) == 1 {
			return followers[0]
		}
		return task.Sequence(followers...)
	}

	out, err := b.run(ctx, build, req.Wait)
	if err != nil {
		return nil, err
	}
	out["duration_s"] = total.Seconds()
	return out, nil
}

func (b *swerveBase) balance(ctx context.Context, req balanceRequest) (map[string]interface{}, error) {
	build := func() task.Task {
		var t task.Task = drive.NewBalanceController(b.drive, b.cfg.balanceConfig(), b.clk, b.logger)
		if req.TimeoutSec > 0 {
			t = task.WithTimeout(t, b.clk, time.Duration(req.TimeoutSec*float64(time.Second)))
		}
		return t
	}
	return b.run(ctx, build, req.Wait)
}
