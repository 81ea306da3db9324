package drive

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"

	"swerve/geometry"
)

// Odometry estimates the field pose by dead reckoning from wheel positions and gyro heading.
type Odometry struct {
	pose       geometry.Pose2D
	gyroOffset s1.Angle
	prev       []WheelPosition
}

// NewOdometry starts estimating from pose.
func NewOdometry(gyro s1.Angle, positions []WheelPosition, pose geometry.Pose2D) *Odometry {
	o := &Odometry{}
	o.ResetPosition(gyro, positions, pose)
	return o
}

// Pose is the current estimate.
func (o *Odometry) Pose() geometry.Pose2D { return o.pose }

// ResetPosition moves the estimate to pose. The gyro reading and wheel positions become the new
// baselines, so the next Update only sees motion from here on.
func (o *Odometry) ResetPosition(gyro s1.Angle, positions []WheelPosition, pose geometry.Pose2D) {
	o.pose = pose
	o.gyroOffset = pose.Heading - gyro
	o.prev = append(o.prev[:0], positions...)
}

// Update accumulates the average wheel displacement since the last sample, rotated onto the
// field by the current heading.
func (o *Odometry) Update(gyro s1.Angle, positions []WheelPosition) geometry.Pose2D {
	heading := gyro + o.gyroOffset
	if len(positions) == 0 || len(positions) != len(o.prev) {
		o.prev = append(o.prev[:0], positions...)
		o.pose.Heading = heading
		return o.pose
	}

	var sum r2.Point
	for i, p := range positions {
		d := p.Distance - o.prev[i].Distance
		sin, cos := math.Sincos(p.Angle.Radians())
		sum = sum.Add(r2.Point{X: d * cos, Y: d * sin})
	}
	body := sum.Mul(1 / float64(len(positions)))
	field := geometry.Rotate(body, heading)

	o.pose = geometry.Pose2D{
		X:       o.pose.X + field.X,
		Y:       o.pose.Y + field.Y,
		Heading: heading,
	}
	copy(o.prev, positions)
	return o.pose
}
