// Package geometry holds the planar pose and velocity types shared by the drive and trajectory code.
package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
)

// Pose2D is a position on the field in meters plus a heading.
// Heading is continuous and is never wrapped internally.
type Pose2D struct {
	X       float64
	Y       float64
	Heading s1.Angle
}

// Translation returns the x/y part of the pose.
func (p Pose2D) Translation() r2.Point {
	return r2.Point{X: p.X, Y: p.Y}
}

// DistanceTo returns the straight line distance between two poses.
func (p Pose2D) DistanceTo(o Pose2D) float64 {
	return p.Translation().Sub(o.Translation()).Norm()
}

// ChassisVelocity is a body frame velocity command.
// Vx is forward, Vy is left, Omega is counter-clockwise in radians per second.
type ChassisVelocity struct {
	Vx    float64
	Vy    float64
	Omega float64
}

// IsZero reports whether every component is zero.
func (v ChassisVelocity) IsZero() bool {
	return v.Vx == 0 && v.Vy == 0 && v.Omega == 0
}

// FromFieldRelative converts a field frame velocity into the body frame of a robot
// currently facing heading.
func FromFieldRelative(vx, vy, omega float64, heading s1.Angle) ChassisVelocity {
	body := Rotate(r2.Point{X: vx, Y: vy}, -heading)
	return ChassisVelocity{Vx: body.X, Vy: body.Y, Omega: omega}
}

// Rotate rotates p counter-clockwise by a.
func Rotate(p r2.Point, a s1.Angle) r2.Point {
	sin, cos := math.Sincos(a.Radians())
	return r2.Point{
		X: p.X*cos - p.Y*sin,
		Y: p.X*sin + p.Y*cos,
	}
}

// AngleDiff returns the shortest signed rotation taking from onto to, in (-π, π].
func AngleDiff(to, from s1.Angle) s1.Angle {
	return (to - from).Normalized()
}

// Interpolate blends two angles along the shortest arc.
func Interpolate(from, to s1.Angle, t float64) s1.Angle {
	return from + s1.Angle(t*float64(AngleDiff(to, from)))
}
