package main

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	viamutils "go.viam.com/utils"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"swerve/drive"
	"swerve/geometry"
	"swerve/task"
	"swerve/trajectory"
)

var errClosed = errors.New("swerve base is closed")

// swerveBase owns one control loop goroutine. Every API call is turned into a closure run on
// that goroutine between ticks, so the drive, the scheduler and the tasks are never shared.
type swerveBase struct {
	resource.Named

	cfg        *Config
	logger     logging.Logger
	clk        clock.Clock
	period     time.Duration
	geometries []spatialmath.Geometry

	hw          *hardware
	drive       *drive.Subsystem
	scheduler   *task.Scheduler
	library     *trajectory.Library
	constraints trajectory.Constraints
	events      map[string]eventTarget

	// owned by the control loop
	manual     *drive.ManualDrive
	lastManual time.Time

	requests chan func(ctx context.Context)
	isMoving atomic.Bool
	ticks    atomic.Int64

	loopCtx                 context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// newBase builds the drive from conf and starts its control loop.
func newBase(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	clk clock.Clock,
	logger logging.Logger,
) (base.Base, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	var geometries = []spatialmath.Geometry{}
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		geometries = append(geometries, frame.Geometry())
	}

	events, err := resolveEvents(deps, cfg.Events)
	if err != nil {
		return nil, err
	}

	hw, err := newHardware(ctx, deps, cfg, clk, logger)
	if err != nil {
		return nil, err
	}
	sub, err := drive.NewSubsystem(ctx, hw.modules,
		drive.NewHeadingSensor(hw.gyro, cfg.InvertGyro, logger), cfg.mechanics(), nil, logger)
	if err != nil {
		return nil, multierr.Combine(err, hw.Close(ctx))
	}

	library := trajectory.NewLibrary(cfg.TrajectoryDir, logger)
	if cfg.TrajectoryDir != "" && cfg.WatchTrajectories {
		if err := library.Watch(); err != nil {
			return nil, multierr.Combine(err, hw.Close(ctx))
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	b := &swerveBase{
		Named:       conf.ResourceName().AsNamed(),
		cfg:         cfg,
		logger:      logger,
		clk:         clk,
		period:      cfg.period(),
		geometries:  geometries,
		hw:          hw,
		drive:       sub,
		scheduler:   task.NewScheduler(logger),
		library:     library,
		constraints: cfg.constraints(),
		events:      events,
		requests:    make(chan func(context.Context)),
		loopCtx:     cancelCtx,
		cancel:      cancel,
	}

	// a panic restarts controlThread on the same ticker, so it is stopped only on a clean exit
	ticker := clk.Ticker(b.period)
	b.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		b.controlThread(cancelCtx, ticker)
	}, func() {
		ticker.Stop()
		b.activeBackgroundWorkers.Done()
	})

	logger.Infow("swerve base ready", "period", b.period, "simulated", cfg.Simulated, "trajectories", cfg.TrajectoryDir)
	return b, nil
}

// controlThread runs requests as they arrive and the drive once per tick.
func (b *swerveBase) controlThread(ctx context.Context, ticker *clock.Ticker) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case req := <-b.requests:
			req(ctx)
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *swerveBase) tick(ctx context.Context) {
	b.drive.Periodic(ctx)
	b.checkCommandTimeout(ctx)
	b.scheduler.Run(ctx)
	b.hw.step(b.period)

	active := b.scheduler.Active()
	names := make([]interface{}, 0, len(active))
	for _, n := range active {
		names = append(names, n)
	}
	b.drive.Telemetry().Set(drive.TelemActiveTasks, names)
	b.isMoving.Store(!b.drive.Command().IsZero())
	b.ticks.Add(1)
}

// do runs fn on the control loop and waits for its result.
func (b *swerveBase) do(ctx context.Context, fn func(ctx context.Context) error) error {
	errCh := make(chan error, 1)
	req := func(loopCtx context.Context) { errCh <- fn(loopCtx) }
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.loopCtx.Done():
		return errClosed
	case b.requests <- req:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.loopCtx.Done():
		return errClosed
	case err := <-errCh:
		return err
	}
}

// start enables the drive and schedules the task built by build, both on the control loop.
func (b *swerveBase) start(ctx context.Context, build func() task.Task) (task.Task, *task.Handle, error) {
	var t task.Task
	var handle *task.Handle
	err := b.do(ctx, func(loopCtx context.Context) error {
		b.drive.SetEnabled(loopCtx, true)
		t = build()
		handle = b.scheduler.Schedule(loopCtx, t)
		return nil
	})
	return t, handle, err
}

// wait blocks until handle finishes. If ctx ends first the task is cancelled.
func (b *swerveBase) wait(ctx context.Context, t task.Task, handle *task.Handle) error {
	if err := handle.Wait(ctx); err != nil {
		cancelErr := b.do(context.Background(), func(loopCtx context.Context) error {
			b.scheduler.Cancel(loopCtx, t)
			return nil
		})
		if errors.Is(cancelErr, errClosed) {
			cancelErr = nil
		}
		return multierr.Combine(err, cancelErr)
	}
	return nil
}

func (b *swerveBase) startAndWait(ctx context.Context, build func() task.Task) error {
	t, handle, err := b.start(ctx, build)
	if err != nil {
		return err
	}
	return b.wait(ctx, t, handle)
}

// MoveStraight drives along the current heading for distanceMm, bounded by odometry.
func (b *swerveBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	return b.startAndWait(ctx, func() task.Task {
		return drive.NewDriveDistance(b.drive, float64(distanceMm)/1000, mmPerSec/1000)
	})
}

// Spin turns in place by angleDeg relative to the current heading.
func (b *swerveBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	cfg := b.cfg.headingConfig()
	if degsPerSec != 0 {
		cfg.MaxRate = math.Abs(degsPerSec)
	}
	return b.startAndWait(ctx, func() task.Task {
		return drive.NewSpin(b.drive, s1.Angle(angleDeg)*s1.Degree, cfg, b.clk)
	})
}

// checkCommandTimeout cancels a held manual command that has gone stale.
func (b *swerveBase) checkCommandTimeout(ctx context.Context) {
	timeout := b.cfg.commandTimeout()
	if timeout <= 0 || b.manual == nil || b.manual.Command().IsZero() || !b.scheduler.IsScheduled(b.manual) {
		return
	}
	if since := b.clk.Since(b.lastManual); since > timeout {
		b.logger.Warnw("no drive command received, stopping", "since", since, "timeout", timeout)
		b.scheduler.Cancel(ctx, b.manual)
	}
}

// hold makes the manual drive task hold v until replaced.
func (b *swerveBase) hold(ctx context.Context, v geometry.ChassisVelocity, openLoop bool) error {
	return b.do(ctx, func(loopCtx context.Context) error {
		b.drive.SetEnabled(loopCtx, true)
		if b.manual == nil || !b.scheduler.IsScheduled(b.manual) {
			b.manual = drive.NewManualDrive(b.drive, b.cfg.FieldRelative, openLoop)
			b.scheduler.Schedule(loopCtx, b.manual)
		}
		b.manual.Set(v, openLoop)
		b.lastManual = b.clk.Now()
		b.isMoving.Store(!v.IsZero())
		return nil
	})
}

func (b *swerveBase) warnUnused(linear, angular r3.Vector) {
	// Some vector components do not apply to a 2D base
	if linear.Z != 0 {
		b.logger.Warnw("Linear Z command non-zero and has no effect")
	}
	if angular.X != 0 {
		b.logger.Warnw("Angular X command non-zero and has no effect")
	}
	if angular.Y != 0 {
		b.logger.Warnw("Angular Y command non-zero and has no effect")
	}
}

// maxOmega is the fastest rotation that keeps every wheel under MaxSpeed.
func (b *swerveBase) maxOmega() float64 {
	var radius float64
	for _, m := range b.cfg.Modules {
		radius = math.Max(radius, math.Hypot(m.X, m.Y))
	}
	return b.cfg.MaxSpeedMps / radius
}

// SetPower sets the linear and angular [-1, 1] drive power. linear.Y is forward and
// linear.X is to the right.
func (b *swerveBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnUnused(linear, angular)
	maxSpeed := b.cfg.MaxSpeedMps
	return b.hold(ctx, geometry.ChassisVelocity{
		Vx:    linear.Y * maxSpeed,
		Vy:    -linear.X * maxSpeed,
		Omega: angular.Z * b.maxOmega(),
	}, true)
}

// SetVelocity sets the linear (mmPerSec) and angular (degsPerSec) velocity.
func (b *swerveBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnUnused(linear, angular)
	return b.hold(ctx, geometry.ChassisVelocity{
		Vx:    linear.Y / 1000,
		Vy:    -linear.X / 1000,
		Omega: (s1.Angle(angular.Z) * s1.Degree).Radians(),
	}, false)
}

// Stop cancels whatever is driving and cuts drive power. Event tasks keep running.
func (b *swerveBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	return b.do(ctx, func(loopCtx context.Context) error {
		if t := b.scheduler.Requiring(drive.Resource); t != nil {
			b.scheduler.Cancel(loopCtx, t)
		}
		b.isMoving.Store(false)
		return b.drive.Stop(loopCtx)
	})
}

func (b *swerveBase) IsMoving(ctx context.Context) (bool, error) {
	return b.isMoving.Load(), nil
}

func (b *swerveBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, m := range b.cfg.Modules {
		minY = math.Min(minY, m.Y)
		maxY = math.Max(maxY, m.Y)
	}
	return base.Properties{
		WidthMeters:              maxY - minY,
		WheelCircumferenceMeters: b.cfg.WheelCircumferenceM,
	}, nil
}

func (b *swerveBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return b.geometries, nil
}

func (b *swerveBase) Reconfigure(ctx context.Context, deps resource.Dependencies, conf resource.Config) error {
	return resource.NewMustRebuildError(conf.ResourceName())
}

// Close stops every task, disables the drive and releases the hardware.
func (b *swerveBase) Close(ctx context.Context) error {
	err := b.do(ctx, func(loopCtx context.Context) error {
		b.scheduler.CancelAll(loopCtx)
		b.drive.SetEnabled(loopCtx, false)
		return b.drive.Stop(loopCtx)
	})
	if errors.Is(err, errClosed) {
		err = nil
	}
	b.cancel()
	b.activeBackgroundWorkers.Wait()

	return multierr.Combine(err, b.library.Close(), b.hw.Close(ctx))
}
