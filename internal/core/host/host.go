// Package host declares the adapter surface warpsync needs from the simulation
// it is embedded in. The core never reaches into host objects directly.
package host

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/zeusync/warpsync/internal/core/models"
)

// Trajectory is a closed-form description of an entity's motion.
type Trajectory interface {
	// StateAt returns inertial position and velocity at sim time t.
	StateAt(t float64) (pos, vel mgl64.Vec3)
	// Epoch is the sim time the trajectory was anchored at.
	Epoch() float64
}

// TrajectoryModel builds trajectories around a parent body.
type TrajectoryModel interface {
	Build(parent Body, epoch float64, pos, vel mgl64.Vec3) Trajectory
}

// Body is a celestial parent. Its body-fixed frame rotates about +Z.
type Body interface {
	ID() string
	// RotationRate is the angular speed about +Z in rad/s.
	RotationRate() float64
	// FixedToInertial is the rotation taking body-fixed vectors to inertial at time t.
	FixedToInertial(t float64) mgl64.Quat
	// InertialToDisplay is the rotation from the inertial frame to the display frame.
	InertialToDisplay() mgl64.Quat
}

// SimClock is the local physics clock.
type SimClock interface {
	SimTime() float64
	SetSimTime(t float64)
	TimeMultiplier() float64
}

// LocalEntity is an entity simulated on this peer.
type LocalEntity interface {
	ID() string
	TemplateID() string
	ParentBodyID() string
	Situation() models.Situation
	Trajectory() Trajectory
	SetTrajectory(Trajectory)
	Controls() models.Controls
	// Attitude returns orientation and angular velocity in the entity's active frame.
	Attitude() (orientation mgl64.Quat, angularVel mgl64.Vec3)
	// SurfaceState returns body-fixed position and velocity. Only meaningful on the surface.
	SurfaceState() (pos, vel mgl64.Vec3)
	Aux() []float32
}

// RemoteHandle is the host-side object a remote entity is rendered through.
type RemoteHandle interface {
	ApplyPose(pose models.Pose, trajectory Trajectory)
	SetVisibility(v models.Visibility)
}

// World exposes the host object model.
type World interface {
	Body(id string) (Body, bool)
	ControlledEntity() (LocalEntity, bool)
	LocalEntity(id string) (LocalEntity, bool)
	RemoteEntity(key models.EntityKey) (RemoteHandle, bool)
	// MaterializeRemote asks the host to build a remote entity. Completion may be deferred.
	MaterializeRemote(key models.EntityKey, templateID, parentBodyID string) error
	DestroyRemote(key models.EntityKey)
}
