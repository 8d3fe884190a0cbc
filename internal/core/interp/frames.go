package interp

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/zeusync/warpsync/internal/core/host"
)

// LerpVec linearly blends a and b.
func LerpVec(a, b mgl64.Vec3, t float64) mgl64.Vec3 {
	return a.Add(b.Sub(a).Mul(t))
}

// Slerp blends two rotations along the shorter arc.
func Slerp(a, b mgl64.Quat, t float64) mgl64.Quat {
	if a.Dot(b) < 0 {
		b = b.Scale(-1)
	}
	return mgl64.QuatSlerp(a, b, t)
}

// FixedToInertial converts a body-fixed state to the inertial frame at time t.
// The rotating frame adds ω × r to the velocity.
func FixedToInertial(body host.Body, t float64, pos, vel mgl64.Vec3) (mgl64.Vec3, mgl64.Vec3) {
	r := body.FixedToInertial(t)
	inertialPos := r.Rotate(pos)
	omega := mgl64.Vec3{0, 0, body.RotationRate()}
	inertialVel := r.Rotate(vel).Add(omega.Cross(inertialPos))
	return inertialPos, inertialVel
}

// TotalFrames is how many ticks a segment of the given duration spans.
func TotalFrames(duration, tick float64) int {
	if duration <= 0 {
		return 1
	}
	// 1e-9 absorbs float error so an exact multiple of tick does not round up.
	return int(math.Ceil(duration/tick-1e-9)) + 1
}

// FixFactor is the correction applied to a segment's duration for a lag error.
// Positive lag (receiver behind) shortens the segment, negative lengthens it.
func FixFactor(lag, tick, largeError float64) float64 {
	errSeconds := math.Abs(lag)
	errFrames := errSeconds / tick

	var magnitude float64
	switch {
	case errFrames < 1:
		return 0
	case errFrames <= 2:
		magnitude = tick
	case errFrames <= 5:
		magnitude = 2 * tick
	case errSeconds <= largeError:
		magnitude = tick * errFrames / 2
	default:
		magnitude = tick * errFrames
	}
	if lag > 0 {
		return -magnitude
	}
	return magnitude
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
