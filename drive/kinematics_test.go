package drive

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"swerve/geometry"
)

func squareLayout(t *testing.T) *Kinematics {
	t.Helper()
	k, err := NewKinematics(
		r2.Point{X: 0.3, Y: 0.3},
		r2.Point{X: 0.3, Y: -0.3},
		r2.Point{X: -0.3, Y: 0.3},
		r2.Point{X: -0.3, Y: -0.3},
	)
	test.That(t, err, test.ShouldBeNil)
	return k
}

func TestDesaturate(t *testing.T) {
	t.Run("scales uniformly", func(t *testing.T) {
		states := []WheelState{
			{Speed: 3, Angle: deg(10)},
			{Speed: 1, Angle: deg(20)},
			{Speed: 1, Angle: deg(30)},
			{Speed: 1, Angle: deg(40)},
		}
		Desaturate(states, 2)
		test.That(t, states[0].Speed, test.ShouldAlmostEqual, 2, 1e-9)
		for i, s := range states[1:] {
			test.That(t, s.Speed, test.ShouldAlmostEqual, 2.0/3, 1e-9)
			test.That(t, s.Angle.Degrees(), test.ShouldAlmostEqual, float64(20+10*i), 1e-9)
		}
	})
	t.Run("leaves slow wheels alone", func(t *testing.T) {
		states := []WheelState{{Speed: -1.5}, {Speed: 0.5}}
		Desaturate(states, 2)
		test.That(t, states[0].Speed, test.ShouldEqual, -1.5)
		test.That(t, states[1].Speed, test.ShouldEqual, 0.5)
	})
	t.Run("bounded and ratio preserving", func(t *testing.T) {
		r := rand.New(rand.NewSource(7))
		for i := 0; i < 500; i++ {
			maxSpeed := 0.5 + r.Float64()*4
			orig := make([]float64, 4)
			states := make([]WheelState, 4)
			for j := range states {
				orig[j] = r.Float64()*20 - 10
				states[j] = WheelState{Speed: orig[j], Angle: deg(r.Float64() * 360)}
			}
			angles := []float64{states[0].Angle.Degrees(), states[1].Angle.Degrees(), states[2].Angle.Degrees(), states[3].Angle.Degrees()}
			Desaturate(states, maxSpeed)
			for j, s := range states {
				test.That(t, math.Abs(s.Speed), test.ShouldBeLessThanOrEqualTo, maxSpeed+1e-9)
				test.That(t, s.Angle.Degrees(), test.ShouldEqual, angles[j])
				for k := range states {
					if orig[k] != 0 && states[k].Speed != 0 {
						test.That(t, s.Speed/states[k].Speed, test.ShouldAlmostEqual, orig[j]/orig[k], 1e-6)
					}
				}
			}
		}
	})
}

func TestKinematicsRoundTrip(t *testing.T) {
	k := squareLayout(t)
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		v := geometry.ChassisVelocity{
			Vx:    r.Float64()*6 - 3,
			Vy:    r.Float64()*6 - 3,
			Omega: r.Float64()*8 - 4,
		}
		got, err := k.ToChassisVelocity(k.ToWheelStates(v))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.Vx, test.ShouldAlmostEqual, v.Vx, 1e-9)
		test.That(t, got.Vy, test.ShouldAlmostEqual, v.Vy, 1e-9)
		test.That(t, got.Omega, test.ShouldAlmostEqual, v.Omega, 1e-9)
	}

	_, err := k.ToChassisVelocity(make([]WheelState, 3))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestKinematicsInverse(t *testing.T) {
	k := squareLayout(t)

	states := k.ToWheelStates(geometry.ChassisVelocity{Vx: 1})
	for _, s := range states {
		test.That(t, s.Speed, test.ShouldAlmostEqual, 1, 1e-9)
		test.That(t, s.Angle.Degrees(), test.ShouldAlmostEqual, 0, 1e-9)
	}

	// pure rotation puts every wheel tangent to the circle through the modules
	states = k.ToWheelStates(geometry.ChassisVelocity{Omega: 1})
	radius := math.Hypot(0.3, 0.3)
	test.That(t, states[0].Angle.Degrees(), test.ShouldAlmostEqual, 135, 1e-9)
	test.That(t, states[1].Angle.Degrees(), test.ShouldAlmostEqual, 45, 1e-9)
	test.That(t, states[2].Angle.Degrees(), test.ShouldAlmostEqual, -135, 1e-9)
	test.That(t, states[3].Angle.Degrees(), test.ShouldAlmostEqual, -45, 1e-9)
	for _, s := range states {
		test.That(t, s.Speed, test.ShouldAlmostEqual, radius, 1e-9)
	}

	_, err := NewKinematics(r2.Point{X: 0.5, Y: 0.25}, r2.Point{X: 0.5, Y: 0.25})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewKinematics(r2.Point{})
	test.That(t, err, test.ShouldNotBeNil)
}
