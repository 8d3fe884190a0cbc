// Package sandbox is an in-memory host used by the headless peer and by tests.
// Entities coast on straight lines, bodies spin at a constant rate.
package sandbox

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/zeusync/warpsync/internal/core/host"
)

var (
	_ host.TrajectoryModel = LinearModel{}
	_ host.Trajectory      = (*LinearTrajectory)(nil)
	_ host.Body            = (*Body)(nil)
)

// LinearTrajectory is uniform motion anchored at Epoch.
type LinearTrajectory struct {
	Anchor   float64
	Position mgl64.Vec3
	Velocity mgl64.Vec3
}

func (l *LinearTrajectory) StateAt(t float64) (mgl64.Vec3, mgl64.Vec3) {
	return l.Position.Add(l.Velocity.Mul(t - l.Anchor)), l.Velocity
}

func (l *LinearTrajectory) Epoch() float64 {
	return l.Anchor
}

// LinearModel builds LinearTrajectory values and ignores the parent body.
type LinearModel struct{}

func (LinearModel) Build(_ host.Body, epoch float64, pos, vel mgl64.Vec3) host.Trajectory {
	return &LinearTrajectory{Anchor: epoch, Position: pos, Velocity: vel}
}

// Body spins about +Z at Rate rad/s starting from zero phase at t=0.
type Body struct {
	Name    string
	Rate    float64
	Display mgl64.Quat
}

func NewBody(name string, rate float64) *Body {
	return &Body{Name: name, Rate: rate, Display: mgl64.QuatIdent()}
}

func (b *Body) ID() string            { return b.Name }
func (b *Body) RotationRate() float64 { return b.Rate }

func (b *Body) FixedToInertial(t float64) mgl64.Quat {
	return mgl64.QuatRotate(b.Rate*t, mgl64.Vec3{0, 0, 1})
}

func (b *Body) InertialToDisplay() mgl64.Quat {
	return b.Display
}
