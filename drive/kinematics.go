package drive

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"swerve/geometry"
)

// Kinematics converts between chassis velocities and wheel states for a fixed module layout.
// It holds no state beyond the layout and is safe for concurrent use.
type Kinematics struct {
	offsets []r2.Point
	// forward is the least squares pseudo-inverse of the inverse kinematics matrix.
	forward *mat.Dense
}

// NewKinematics builds the solver for modules at offsets from the rotation center.
func NewKinematics(offsets ...r2.Point) (*Kinematics, error) {
	if len(offsets) < 2 {
		return nil, errors.Errorf("need at least two modules, have %d", len(offsets))
	}
	n := len(offsets)
	inverse := mat.NewDense(2*n, 3, nil)
	for i, o := range offsets {
		inverse.SetRow(2*i, []float64{1, 0, -o.Y})
		inverse.SetRow(2*i+1, []float64{0, 1, o.X})
	}

	var normal mat.Dense
	normal.Mul(inverse.T(), inverse)
	var normalInv mat.Dense
	if err := normalInv.Inverse(&normal); err != nil {
		return nil, errors.Wrap(err, "module layout cannot resolve rotation")
	}
	forward := mat.NewDense(3, 2*n, nil)
	forward.Mul(&normalInv, inverse.T())

	return &Kinematics{
		offsets: append([]r2.Point(nil), offsets...),
		forward: forward,
	}, nil
}

// ToWheelStates returns the state each module needs for the chassis to move at v.
func (k *Kinematics) ToWheelStates(v geometry.ChassisVelocity) []WheelState {
	states := make([]WheelState, len(k.offsets))
	for i, o := range k.offsets {
		vx := v.Vx - v.Omega*o.Y
		vy := v.Vy + v.Omega*o.X
		states[i] = WheelState{
			Speed: math.Hypot(vx, vy),
			Angle: s1.Angle(math.Atan2(vy, vx)),
		}
	}
	return states
}

// ToChassisVelocity returns the chassis velocity that best explains the measured wheel states.
func (k *Kinematics) ToChassisVelocity(states []WheelState) (geometry.ChassisVelocity, error) {
	if len(states) != len(k.offsets) {
		return geometry.ChassisVelocity{}, errors.Errorf("expected %d wheel states, got %d", len(k.offsets), len(states))
	}
	b := mat.NewVecDense(2*len(states), nil)
	for i, s := range states {
		sin, cos := math.Sincos(s.Angle.Radians())
		b.SetVec(2*i, s.Speed*cos)
		b.SetVec(2*i+1, s.Speed*sin)
	}
	var out mat.VecDense
	out.MulVec(k.forward, b)
	return geometry.ChassisVelocity{Vx: out.AtVec(0), Vy: out.AtVec(1), Omega: out.AtVec(2)}, nil
}

// Desaturate scales every speed in states by the same factor so none exceeds maxSpeed.
// Angles are left alone. states is modified in place and returned.
func Desaturate(states []WheelState, maxSpeed float64) []WheelState {
	if len(states) == 0 {
		return states
	}
	speeds := make([]float64, len(states))
	for i, s := range states {
		speeds[i] = s.Speed
	}
	top := floats.Norm(speeds, math.Inf(1))
	if top <= maxSpeed {
		return states
	}
	floats.Scale(maxSpeed/top, speeds)
	for i := range states {
		states[i].Speed = speeds[i]
	}
	return states
}
