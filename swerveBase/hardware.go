package main

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/felixge/pidctrl"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/encoder"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	rdkutils "go.viam.com/rdk/utils"

	"swerve/canmotor"
	"swerve/drive"
	"swerve/geometry"
	"swerve/sim"
)

// rdkMotorPeriod is how often rdk motors are sampled and position loops are closed.
const rdkMotorPeriod = 10 * time.Millisecond

// defaultSteerGains closes the steer position loop on rdk motors, in power per shaft rotation.
var defaultSteerGains = drive.Gains{P: 0.8, D: 0.01}

// rdkMotor adapts an rdk motor to drive.Motor. Closed-loop position runs here on top of
// SetPower; velocity is estimated from position samples.
type rdkMotor struct {
	name   string
	motor  motor.Motor
	clk    clock.Clock
	gains  drive.Gains
	logger logging.Logger

	mu       sync.Mutex
	zero     float64
	holding  bool
	ctrl     *pidctrl.PIDController
	lastRPM  float64
	sampled  bool
	lastPos  float64
	lastAt   time.Time
	estimate float64

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

func newRDKMotor(name string, m motor.Motor, gains drive.Gains, clk clock.Clock, logger logging.Logger) *rdkMotor {
	cancelCtx, cancel := context.WithCancel(context.Background())
	rm := &rdkMotor{
		name:    name,
		motor:   m,
		clk:     clk,
		gains:   gains,
		logger:  logger,
		lastRPM: math.NaN(),
		cancel:  cancel,
	}
	// the ticker outlives a panic restart of the loop and stops only on a clean exit
	ticker := clk.Ticker(rdkMotorPeriod)
	rm.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-ticker.C:
			}
			rm.step(cancelCtx)
		}
	}, func() {
		ticker.Stop()
		rm.activeBackgroundWorkers.Done()
	})
	return rm
}

func (m *rdkMotor) step(ctx context.Context) {
	raw, err := m.motor.Position(ctx, nil)
	if err != nil {
		m.logger.Debugw("motor position read failed", "motor", m.name, "error", err)
		return
	}
	now := m.clk.Now()

	m.mu.Lock()
	var dt time.Duration
	if m.sampled {
		dt = now.Sub(m.lastAt)
		if dt > 0 {
			m.estimate = (raw - m.lastPos) / dt.Minutes()
		}
	}
	m.lastPos, m.lastAt, m.sampled = raw, now, true
	hold := m.holding
	var power float64
	if hold {
		power = m.ctrl.UpdateDuration(raw, dt)
	}
	m.mu.Unlock()

	if hold {
		if err := m.motor.SetPower(ctx, power, nil); err != nil {
			m.logger.Debugw("steer power write failed", "motor", m.name, "error", err)
		}
	}
}

func (m *rdkMotor) release() {
	m.mu.Lock()
	m.holding = false
	m.lastRPM = math.NaN()
	m.mu.Unlock()
}

func (m *rdkMotor) SetPower(ctx context.Context, power float64) error {
	m.release()
	return errors.Wrapf(m.motor.SetPower(ctx, power, nil), "motor %s", m.name)
}

func (m *rdkMotor) SetRPM(ctx context.Context, rpm float64) error {
	if rpm == 0 {
		return m.SetPower(ctx, 0)
	}
	m.mu.Lock()
	m.holding = false
	unchanged := m.lastRPM == rpm
	m.lastRPM = rpm
	m.mu.Unlock()
	if unchanged {
		return nil
	}
	// zero revolutions runs until the next command
	return errors.Wrapf(m.motor.GoFor(ctx, rpm, 0, nil), "motor %s", m.name)
}

func (m *rdkMotor) SetPosition(ctx context.Context, rotations float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.holding {
		m.ctrl = pidctrl.NewPIDController(m.gains.P, m.gains.I, m.gains.D).SetOutputLimits(-1, 1)
		if m.sampled {
			// seeds the derivative so the first step sees only the motion since the last sample
			m.ctrl.UpdateDuration(m.lastPos, 0)
		}
		m.holding = true
		m.lastRPM = math.NaN()
	}
	m.ctrl.Set(rotations + m.zero)
	return nil
}

func (m *rdkMotor) Position(ctx context.Context) (float64, error) {
	raw, err := m.motor.Position(ctx, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "motor %s", m.name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return raw - m.zero, nil
}

func (m *rdkMotor) RPM(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sampled {
		return 0, errors.Errorf("motor %s has not been sampled", m.name)
	}
	return m.estimate, nil
}

func (m *rdkMotor) ResetZeroPosition(ctx context.Context, rotations float64) error {
	raw, err := m.motor.Position(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "motor %s", m.name)
	}
	m.mu.Lock()
	m.zero = raw - rotations
	m.mu.Unlock()
	return nil
}

func (m *rdkMotor) Close(ctx context.Context) error {
	m.cancel()
	m.activeBackgroundWorkers.Wait()
	return m.motor.Stop(ctx, nil)
}

// rdkEncoder reads an rdk encoder reporting degrees as an absolute encoder.
type rdkEncoder struct {
	name    string
	encoder encoder.Encoder
}

func (e *rdkEncoder) Rotations(ctx context.Context) (float64, error) {
	deg, _, err := e.encoder.Position(ctx, encoder.PositionTypeDegrees, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "encoder %s", e.name)
	}
	rot := math.Mod(deg/360, 1)
	if rot < 0 {
		rot++
	}
	return rot, nil
}

// rdkGyro adapts a movement sensor. Yaw is unwrapped across ±180° and SetYaw is applied
// as a software offset since movement sensors cannot be written.
type rdkGyro struct {
	sensor movementsensor.MovementSensor

	mu        sync.Mutex
	seeded    bool
	lastRaw   float64
	unwrapped float64
	offset    float64
}

func (g *rdkGyro) sample(ctx context.Context) (yaw, pitch, roll float64, err error) {
	o, err := g.sensor.Orientation(ctx, nil)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "movement sensor %s", g.sensor.Name().ShortName())
	}
	e := o.EulerAngles()
	raw := rdkutils.RadToDeg(e.Yaw)

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.seeded {
		g.unwrapped, g.seeded = raw, true
	} else {
		g.unwrapped += geometry.AngleDiff(s1.Angle(raw)*s1.Degree, s1.Angle(g.lastRaw)*s1.Degree).Degrees()
	}
	g.lastRaw = raw
	return g.unwrapped, rdkutils.RadToDeg(e.Pitch), rdkutils.RadToDeg(e.Roll), nil
}

func (g *rdkGyro) Orientation(ctx context.Context) (yaw, pitch, roll float64, err error) {
	yaw, pitch, roll, err = g.sample(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return yaw + g.offset, pitch, roll, nil
}

func (g *rdkGyro) SetYaw(ctx context.Context, yaw float64) error {
	raw, _, _, err := g.sample(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.offset = yaw - raw
	g.mu.Unlock()
	return nil
}

// hardware is everything the drive subsystem talks to.
type hardware struct {
	modules []*drive.WheelModule
	gyro    drive.Gyro
	world   *sim.World
	bus     *canmotor.Bus
	motors  []*rdkMotor
}

func newHardware(
	ctx context.Context,
	deps resource.Dependencies,
	cfg *Config,
	clk clock.Clock,
	logger logging.Logger,
) (*hardware, error) {
	configs := make([]drive.ModuleConfig, 0, len(cfg.Modules))
	for _, m := range cfg.Modules {
		configs = append(configs, m.driveConfig())
	}

	if cfg.Simulated {
		world, err := sim.NewWorld(configs, cfg.mechanics())
		if err != nil {
			return nil, err
		}
		logger.Infow("using simulated drivetrain")
		return &hardware{modules: world.WheelModules(logger), gyro: world.Gyro, world: world}, nil
	}

	hw := &hardware{}
	if cfg.usesCAN() {
		bus, err := canmotor.Dial(cfg.canChannel(), canFilterIDs(cfg), clk, logger)
		if err != nil {
			return nil, err
		}
		hw.bus = bus
	}

	steerGains := cfg.steerGains()
	for i, m := range cfg.Modules {
		driveMotor, err := hw.motor(ctx, deps, m.DriveMotor, m.DriveCANID, drive.Gains{}, clk, logger)
		if err != nil {
			return nil, multierr.Combine(err, hw.Close(ctx))
		}
		steerMotor, err := hw.motor(ctx, deps, m.SteerMotor, m.SteerCANID, steerGains, clk, logger)
		if err != nil {
			return nil, multierr.Combine(err, hw.Close(ctx))
		}
		absolute, err := hw.encoder(deps, m.AbsoluteEncoder, m.EncoderCANID)
		if err != nil {
			return nil, multierr.Combine(err, hw.Close(ctx))
		}
		hw.modules = append(hw.modules,
			drive.NewWheelModule(configs[i], cfg.mechanics(), driveMotor, steerMotor, absolute, logger))
	}

	sensor, err := movementsensor.FromDependencies(deps, cfg.MovementSensor)
	if err != nil {
		return nil, multierr.Combine(err, hw.Close(ctx))
	}
	hw.gyro = &rdkGyro{sensor: sensor}
	return hw, nil
}

func canFilterIDs(cfg *Config) []uint32 {
	var ids []uint32
	for _, m := range cfg.Modules {
		for _, id := range []*int{m.DriveCANID, m.SteerCANID} {
			if id != nil {
				ids = append(ids, canmotor.StatusID(uint8(*id)))
			}
		}
		if m.EncoderCANID != nil {
			ids = append(ids, canmotor.EncoderID(uint8(*m.EncoderCANID)))
		}
	}
	return ids
}

func (hw *hardware) motor(
	ctx context.Context,
	deps resource.Dependencies,
	name string,
	canID *int,
	gains drive.Gains,
	clk clock.Clock,
	logger logging.Logger,
) (drive.Motor, error) {
	if canID != nil {
		m := canmotor.NewMotor(hw.bus, uint8(*canID), logger)
		if err := m.ClearFaults(ctx); err != nil {
			return nil, err
		}
		return m, nil
	}
	m, err := motor.FromDependencies(deps, name)
	if err != nil {
		return nil, err
	}
	rm := newRDKMotor(name, m, gains, clk, logger)
	hw.motors = append(hw.motors, rm)
	return rm, nil
}

func (hw *hardware) encoder(deps resource.Dependencies, name string, canID *int) (drive.AbsoluteEncoder, error) {
	if canID != nil {
		return canmotor.NewEncoder(hw.bus, uint8(*canID)), nil
	}
	e, err := encoder.FromDependencies(deps, name)
	if err != nil {
		return nil, err
	}
	return &rdkEncoder{name: name, encoder: e}, nil
}

// step advances the simulated world, if any.
func (hw *hardware) step(dt time.Duration) {
	if hw.world != nil {
		hw.world.Step(dt)
	}
}

func (hw *hardware) Close(ctx context.Context) error {
	var err error
	for _, m := range hw.motors {
		err = multierr.Combine(err, m.Close(ctx))
	}
	if hw.bus != nil {
		err = multierr.Combine(err, hw.bus.Close())
	}
	return err
}
