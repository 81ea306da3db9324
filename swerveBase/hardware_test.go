package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rdk/components/encoder"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/rdk/testutils/inject"
	rdkutils "go.viam.com/rdk/utils"

	"swerve/drive"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

type motorCalls struct {
	mu      sync.Mutex
	pos     float64
	powers  []float64
	goFor   []float64
	stopped bool
}

func (c *motorCalls) setPos(pos float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = pos
}

func (c *motorCalls) lastPower() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.powers) == 0 {
		return 0, false
	}
	return c.powers[len(c.powers)-1], true
}

func injectMotor(calls *motorCalls) *inject.Motor {
	m := inject.NewMotor("steer")
	m.PositionFunc = func(ctx context.Context, extra map[string]interface{}) (float64, error) {
		calls.mu.Lock()
		defer calls.mu.Unlock()
		return calls.pos, nil
	}
	m.SetPowerFunc = func(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
		calls.mu.Lock()
		defer calls.mu.Unlock()
		calls.powers = append(calls.powers, powerPct)
		return nil
	}
	m.GoForFunc = func(ctx context.Context, rpm, rotations float64, extra map[string]interface{}) error {
		calls.mu.Lock()
		defer calls.mu.Unlock()
		calls.goFor = append(calls.goFor, rpm)
		return nil
	}
	m.StopFunc = func(ctx context.Context, extra map[string]interface{}) error {
		calls.mu.Lock()
		defer calls.mu.Unlock()
		calls.stopped = true
		return nil
	}
	return m
}

func TestRDKMotor(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	calls := &motorCalls{pos: 10}
	m := newRDKMotor("steer", injectMotor(calls), drive.Gains{P: 1}, clk, logging.NewTestLogger(t))

	test.That(t, m.ResetZeroPosition(ctx, 0.25), test.ShouldBeNil)
	pos, err := m.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldEqual, 0.25)

	_, err = m.RPM(ctx)
	test.That(t, err, test.ShouldNotBeNil)

	clk.Add(rdkMotorPeriod)
	waitFor(t, func() bool {
		_, err := m.RPM(ctx)
		return err == nil
	})

	// half a rotation in 10ms
	calls.setPos(10.5)
	clk.Add(rdkMotorPeriod)
	waitFor(t, func() bool {
		rpm, _ := m.RPM(ctx)
		return rpm > 0
	})
	rpm, err := m.RPM(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rpm, test.ShouldAlmostEqual, 3000, 1e-6)

	test.That(t, m.SetRPM(ctx, 60), test.ShouldBeNil)
	test.That(t, m.SetRPM(ctx, 60), test.ShouldBeNil)
	test.That(t, m.SetRPM(ctx, 0), test.ShouldBeNil)
	calls.mu.Lock()
	test.That(t, calls.goFor, test.ShouldResemble, []float64{60})
	test.That(t, calls.powers, test.ShouldResemble, []float64{0})
	calls.mu.Unlock()

	// target 1 rotation past the zero, a quarter rotation ahead of the shaft
	test.That(t, m.SetPosition(ctx, 1), test.ShouldBeNil)
	clk.Add(rdkMotorPeriod)
	waitFor(t, func() bool {
		p, ok := calls.lastPower()
		return ok && p > 0
	})
	power, _ := calls.lastPower()
	test.That(t, power, test.ShouldAlmostEqual, 0.25, 1e-9)

	test.That(t, m.SetPower(ctx, -0.5), test.ShouldBeNil)
	power, _ = calls.lastPower()
	test.That(t, power, test.ShouldEqual, -0.5)

	test.That(t, m.Close(ctx), test.ShouldBeNil)
	calls.mu.Lock()
	test.That(t, calls.stopped, test.ShouldBeTrue)
	calls.mu.Unlock()
}

func TestRDKMotorHoldStartsSmoothly(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	calls := &motorCalls{pos: 5}
	m := newRDKMotor("steer", injectMotor(calls), drive.Gains{D: 0.01}, clk, logging.NewTestLogger(t))
	defer func() { test.That(t, m.Close(ctx), test.ShouldBeNil) }()

	clk.Add(rdkMotorPeriod)
	waitFor(t, func() bool {
		_, err := m.RPM(ctx)
		return err == nil
	})

	// holding where the shaft already is must not kick the derivative term
	test.That(t, m.SetPosition(ctx, 5), test.ShouldBeNil)
	clk.Add(rdkMotorPeriod)
	waitFor(t, func() bool {
		_, ok := calls.lastPower()
		return ok
	})
	power, _ := calls.lastPower()
	test.That(t, power, test.ShouldAlmostEqual, 0, 1e-9)
}

func TestRDKEncoder(t *testing.T) {
	ctx := context.Background()
	var deg float64
	enc := inject.NewEncoder("abs")
	enc.PositionFunc = func(
		ctx context.Context,
		positionType encoder.PositionType,
		extra map[string]interface{},
	) (float64, encoder.PositionType, error) {
		if deg > 1000 {
			return 0, positionType, errors.New("disconnected")
		}
		return deg, encoder.PositionTypeDegrees, nil
	}
	e := &rdkEncoder{name: "abs", encoder: enc}

	for _, tc := range []struct{ deg, rot float64 }{
		{0, 0},
		{90, 0.25},
		{-90, 0.75},
		{450, 0.25},
	} {
		deg = tc.deg
		rot, err := e.Rotations(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, rot, test.ShouldAlmostEqual, tc.rot, 1e-9)
	}

	deg = 2000
	_, err := e.Rotations(ctx)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRDKGyro(t *testing.T) {
	ctx := context.Background()
	var yaw float64
	ms := inject.NewMovementSensor("imu")
	ms.OrientationFunc = func(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
		return &spatialmath.EulerAngles{
			Yaw:   rdkutils.DegToRad(yaw),
			Pitch: rdkutils.DegToRad(5),
		}, nil
	}
	g := &rdkGyro{sensor: ms}

	read := func(deg float64) float64 {
		yaw = deg
		y, pitch, _, err := g.Orientation(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pitch, test.ShouldAlmostEqual, 5, 1e-9)
		return y
	}

	test.That(t, read(170), test.ShouldAlmostEqual, 170, 1e-9)
	test.That(t, read(-170), test.ShouldAlmostEqual, 190, 1e-9)
	test.That(t, read(-10), test.ShouldAlmostEqual, 350, 1e-9)

	test.That(t, g.SetYaw(ctx, 0), test.ShouldBeNil)
	test.That(t, read(-10), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, read(20), test.ShouldAlmostEqual, 30, 1e-9)

	ms.OrientationFunc = func(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
		return nil, errors.New("no fix")
	}
	_, _, _, err := g.Orientation(ctx)
	test.That(t, err, test.ShouldNotBeNil)
}
