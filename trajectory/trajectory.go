// Package trajectory loads and samples precomputed holonomic trajectories.
//
// Trajectories are generated offline. An asset is a YAML (or JSON) document holding a time
// series of states and a list of event markers. Nothing here plans paths; it only validates
// what it is given against the constraints the caller supplies and interpolates between states.
package trajectory

import (
	"math"
	"sort"
	"time"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"

	"swerve/geometry"
)

// State is one time-stamped sample of a trajectory.
// Pose.Heading is the direction of travel; HolonomicRotation is where the robot faces.
type State struct {
	Time                     time.Duration
	Pose                     geometry.Pose2D
	Velocity                 float64 // m/s along the direction of travel
	Acceleration             float64 // m/s^2
	Curvature                float64 // rad/m
	HolonomicRotation        s1.Angle
	HolonomicAngularVelocity float64 // rad/s
}

// EventMarker names the tasks to launch once the follower reaches Time.
type EventMarker struct {
	Time  time.Duration
	Names []string
}

// Constraints are the limits the trajectory was generated for.
// Zero disables the corresponding check.
type Constraints struct {
	MaxVelocity     float64
	MaxAcceleration float64
}

// Trajectory is immutable once loaded and may be shared between readers.
type Trajectory struct {
	name    string
	states  []State
	markers []EventMarker
}

const constraintSlack = 1e-6

// New validates states and markers and builds a trajectory.
func New(name string, states []State, markers []EventMarker, c Constraints) (*Trajectory, error) {
	if len(states) < 2 {
		return nil, errors.Errorf("trajectory %q needs at least two states, has %d", name, len(states))
	}
	if states[0].Time != 0 {
		return nil, errors.Errorf("trajectory %q must start at time 0, starts at %v", name, states[0].Time)
	}
	for i, st := range states {
		if i > 0 && st.Time <= states[i-1].Time {
			return nil, errors.Errorf("trajectory %q state %d: time %v does not increase", name, i, st.Time)
		}
		for _, v := range []float64{
			st.Pose.X, st.Pose.Y, float64(st.Pose.Heading), st.Velocity, st.Acceleration,
			st.Curvature, float64(st.HolonomicRotation), st.HolonomicAngularVelocity,
		} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.Errorf("trajectory %q state %d has a non-finite value", name, i)
			}
		}
		if c.MaxVelocity > 0 && math.Abs(st.Velocity) > c.MaxVelocity+constraintSlack {
			return nil, errors.Errorf("trajectory %q state %d: velocity %.3f exceeds max %.3f",
				name, i, st.Velocity, c.MaxVelocity)
		}
		if c.MaxAcceleration > 0 && math.Abs(st.Acceleration) > c.MaxAcceleration+constraintSlack {
			return nil, errors.Errorf("trajectory %q state %d: acceleration %.3f exceeds max %.3f",
				name, i, st.Acceleration, c.MaxAcceleration)
		}
	}
	total := states[len(states)-1].Time
	sorted := append([]EventMarker(nil), markers...)
	for i, m := range sorted {
		if m.Time < 0 || m.Time > total {
			return nil, errors.Errorf("trajectory %q marker %d at %v is outside [0, %v]", name, i, m.Time, total)
		}
		if len(m.Names) == 0 {
			return nil, errors.Errorf("trajectory %q marker %d has no names", name, i)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	return &Trajectory{
		name:    name,
		states:  append([]State(nil), states...),
		markers: sorted,
	}, nil
}

// Name the trajectory was loaded under.
func (t *Trajectory) Name() string { return t.name }

// TotalTime is the time stamp of the final state.
func (t *Trajectory) TotalTime() time.Duration { return t.states[len(t.states)-1].Time }

// EndState returns the last state.
func (t *Trajectory) EndState() State { return t.states[len(t.states)-1] }

// InitialHolonomicPose is the starting position with the robot's starting rotation.
func (t *Trajectory) InitialHolonomicPose() geometry.Pose2D {
	first := t.states[0]
	return geometry.Pose2D{X: first.Pose.X, Y: first.Pose.Y, Heading: first.HolonomicRotation}
}

// States returns a copy of the samples.
func (t *Trajectory) States() []State { return append([]State(nil), t.states...) }

// Markers returns the event markers ordered by time.
func (t *Trajectory) Markers() []EventMarker { return append([]EventMarker(nil), t.markers...) }

// Sample interpolates the state at elapsed. Times outside the trajectory clamp to its ends.
func (t *Trajectory) Sample(elapsed time.Duration) State {
	if elapsed <= 0 {
		return t.states[0]
	}
	if elapsed >= t.TotalTime() {
		return t.EndState()
	}
	i := sort.Search(len(t.states), func(i int) bool { return t.states[i].Time >= elapsed })
	if t.states[i].Time == elapsed {
		return t.states[i]
	}
	prev, next := t.states[i-1], t.states[i]
	frac := float64(elapsed-prev.Time) / float64(next.Time-prev.Time)
	return interpolate(prev, next, frac)
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func interpolate(a, b State, t float64) State {
	return State{
		Time: a.Time + time.Duration(float64(b.Time-a.Time)*t),
		Pose: geometry.Pose2D{
			X:       lerp(a.Pose.X, b.Pose.X, t),
			Y:       lerp(a.Pose.Y, b.Pose.Y, t),
			Heading: geometry.Interpolate(a.Pose.Heading, b.Pose.Heading, t),
		},
		Velocity:                 lerp(a.Velocity, b.Velocity, t),
		Acceleration:             lerp(a.Acceleration, b.Acceleration, t),
		Curvature:                lerp(a.Curvature, b.Curvature, t),
		HolonomicRotation:        geometry.Interpolate(a.HolonomicRotation, b.HolonomicRotation, t),
		HolonomicAngularVelocity: lerp(a.HolonomicAngularVelocity, b.HolonomicAngularVelocity, t),
	}
}
