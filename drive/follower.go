package drive

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"go.viam.com/rdk/logging"

	"swerve/geometry"
	"swerve/task"
	"swerve/trajectory"
)

// FollowerGains tune the trajectory follower. Translation is used for both x and y.
type FollowerGains struct {
	Translation Gains
	Rotation    Gains
}

// DefaultFollowerGains are the gains used when none are configured.
var DefaultFollowerGains = FollowerGains{
	Translation: Gains{P: 5},
	Rotation:    Gains{P: 1},
}

type followerState int

const (
	followerInit followerState = iota
	followerTracking
	followerDone
)

func (s followerState) String() string {
	switch s {
	case followerInit:
		return "init"
	case followerTracking:
		return "tracking"
	default:
		return "done"
	}
}

type dispatched struct {
	task   task.Task
	handle *task.Handle
}

// TrajectoryFollower drives the chassis along a trajectory with feedforward velocity plus
// independent x, y and heading PID corrections.
//
// Event markers schedule their tasks once the elapsed time reaches them. The follower does not
// finish until the trajectory has run out and every task it dispatched has ended.
type TrajectoryFollower struct {
	drive     *Subsystem
	scheduler *task.Scheduler
	clk       clock.Clock
	traj      *trajectory.Trajectory
	firstPath bool
	events    map[string]task.Task
	gains     FollowerGains
	logger    logging.Logger

	state      followerState
	start      time.Time
	last       time.Time
	elapsed    time.Duration
	xPID       *PID
	yPID       *PID
	thetaPID   *PID
	nextMarker int
	dispatched []dispatched
}

// NewTrajectoryFollower returns a follower for traj. With firstPath set, odometry is reseeded
// at the trajectory's starting pose when the task starts. events maps marker names to tasks.
func NewTrajectoryFollower(
	drive *Subsystem,
	scheduler *task.Scheduler,
	clk clock.Clock,
	traj *trajectory.Trajectory,
	firstPath bool,
	events map[string]task.Task,
	gains FollowerGains,
	logger logging.Logger,
) *TrajectoryFollower {
	return &TrajectoryFollower{
		drive:     drive,
		scheduler: scheduler,
		clk:       clk,
		traj:      traj,
		firstPath: firstPath,
		events:    events,
		gains:     gains,
		logger:    logger,
	}
}

// Name implements task.Task.
func (f *TrajectoryFollower) Name() string { return "follow(" + f.traj.Name() + ")" }

// Requirements implements task.Task.
func (f *TrajectoryFollower) Requirements() []task.Resource { return []task.Resource{Resource} }

// Initialize implements task.Task.
func (f *TrajectoryFollower) Initialize(ctx context.Context) {
	f.state = followerInit
	if f.firstPath {
		f.drive.ResetPose(ctx, f.traj.InitialHolonomicPose())
	}
	f.xPID = NewPID(f.gains.Translation, 0)
	f.yPID = NewPID(f.gains.Translation, 0)
	f.thetaPID = NewPID(f.gains.Rotation, 0)
	f.start = f.clk.Now()
	f.last = f.start
	f.elapsed = 0
	f.nextMarker = 0
	f.dispatched = nil
	f.state = followerTracking
	f.logger.Infow("following trajectory", "name", f.traj.Name(), "duration", f.traj.TotalTime(), "first_path", f.firstPath)
}

// Execute implements task.Task.
func (f *TrajectoryFollower) Execute(ctx context.Context) {
	now := f.clk.Now()
	dt := now.Sub(f.last)
	f.last = now
	f.elapsed = now.Sub(f.start)

	f.fireMarkers(ctx)
	if f.state == followerTracking && f.elapsed >= f.traj.TotalTime() {
		f.state = followerDone
		if len(f.pending()) > 0 {
			f.logger.Debugw("trajectory complete, waiting on events", "name", f.traj.Name(), "events", f.pending())
		}
	}

	target := f.traj.Sample(f.elapsed)
	pose := f.drive.Pose()

	sin, cos := math.Sincos(target.Pose.Heading.Radians())
	vx := target.Velocity*cos + f.xPID.Calculate(pose.X, target.Pose.X, dt)
	vy := target.Velocity*sin + f.yPID.Calculate(pose.Y, target.Pose.Y, dt)

	// the heading loop runs on the continuous heading so the setpoint is the nearest
	// equivalent of the target rotation
	headingGoal := pose.Heading + geometry.AngleDiff(target.HolonomicRotation, pose.Heading)
	omega := target.HolonomicAngularVelocity +
		f.thetaPID.Calculate(pose.Heading.Radians(), headingGoal.Radians(), dt)

	f.drive.Drive(ctx, geometry.FromFieldRelative(vx, vy, omega, pose.Heading), true)
}

func (f *TrajectoryFollower) fireMarkers(ctx context.Context) {
	markers := f.traj.Markers()
	for f.nextMarker < len(markers) && markers[f.nextMarker].Time <= f.elapsed {
		for _, name := range markers[f.nextMarker].Names {
			f.dispatch(ctx, name)
		}
		f.nextMarker++
	}
}

func (f *TrajectoryFollower) dispatch(ctx context.Context, name string) {
	t, ok := f.events[name]
	if !ok {
		f.logger.Warnw("no task for event marker", "trajectory", f.traj.Name(), "event", name)
		return
	}
	for _, req := range t.Requirements() {
		if req == Resource {
			f.logger.Warnw("event task requires the drive, skipping", "trajectory", f.traj.Name(), "event", name)
			return
		}
	}
	f.logger.Debugw("dispatching event", "trajectory", f.traj.Name(), "event", name, "elapsed", f.elapsed)
	f.dispatched = append(f.dispatched, dispatched{task: t, handle: f.scheduler.Schedule(ctx, t)})
}

func (f *TrajectoryFollower) pending() []string {
	var names []string
	for _, d := range f.dispatched {
		if !d.handle.Finished() {
			names = append(names, d.task.Name())
		}
	}
	return names
}

// IsFinished implements task.Task.
func (f *TrajectoryFollower) IsFinished() bool {
	return f.state == followerDone && len(f.pending()) == 0
}

// End implements task.Task. Event tasks still running are cancelled on interruption.
func (f *TrajectoryFollower) End(ctx context.Context, interrupted bool) {
	if interrupted {
		for _, d := range f.dispatched {
			if !d.handle.Finished() {
				f.scheduler.Cancel(ctx, d.task)
			}
		}
	}
	f.xPID.Close()
	f.yPID.Close()
	f.thetaPID.Close()
	f.drive.Stop(ctx)
	f.state = followerDone
	f.logger.Infow("trajectory ended", "name", f.traj.Name(), "elapsed", f.elapsed, "interrupted", interrupted)
}

// Elapsed is the time since the follower started.
func (f *TrajectoryFollower) Elapsed() time.Duration { return f.elapsed }

// State reports init, tracking or done.
func (f *TrajectoryFollower) State() string { return f.state.String() }
