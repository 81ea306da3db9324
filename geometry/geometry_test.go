package geometry

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
	"go.viam.com/test"
)

func TestAngleDiff(t *testing.T) {
	for _, tc := range []struct {
		name     string
		to, from float64
		expected float64
	}{
		{"zero", 0, 0, 0},
		{"across wrap", -170, 170, 20},
		{"back across wrap", 170, -170, -20},
		{"plain", 90, 0, 90},
		{"multiple turns", 720 + 10, 0, 10},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := AngleDiff(s1.Angle(tc.to)*s1.Degree, s1.Angle(tc.from)*s1.Degree)
			test.That(t, got.Degrees(), test.ShouldAlmostEqual, tc.expected, 1e-9)
		})
	}
}

func TestFromFieldRelative(t *testing.T) {
	// facing +y on the field, driving +y on the field is driving forward
	v := FromFieldRelative(0, 1, 0.5, 90*s1.Degree)
	test.That(t, v.Vx, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, v.Vy, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, v.Omega, test.ShouldEqual, 0.5)

	v = FromFieldRelative(1, 0, 0, 0)
	test.That(t, v, test.ShouldResemble, ChassisVelocity{Vx: 1})
}

func TestRotateAndInterpolate(t *testing.T) {
	p := Rotate(r2.Point{X: 1}, s1.Angle(math.Pi/2))
	test.That(t, p.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, p.Y, test.ShouldAlmostEqual, 1, 1e-9)

	mid := Interpolate(170*s1.Degree, -170*s1.Degree, 0.5)
	test.That(t, math.Cos(mid.Radians()), test.ShouldAlmostEqual, -1, 1e-9)

	pose := Pose2D{X: 3, Y: 4}
	test.That(t, pose.DistanceTo(Pose2D{}), test.ShouldAlmostEqual, 5, 1e-9)
}
