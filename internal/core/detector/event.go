package detector

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/zeusync/warpsync/internal/core/host"
	"github.com/zeusync/warpsync/internal/core/models"
)

// Event is the reason a snapshot is sent.
type Event uint8

const (
	EventNone Event = iota
	EventInitial
	EventWarpEnded
	EventInputChanged
	EventManeuvering
	eventCount
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventInitial:
		return "initial"
	case EventWarpEnded:
		return "warp_ended"
	case EventInputChanged:
		return "input_changed"
	case EventManeuvering:
		return "maneuvering"
	default:
		return "unknown"
	}
}

// Sample is one tick's observation of an entity.
type Sample struct {
	Entity         string
	Time           float64
	TimeMultiplier float64
	Controls       models.Controls
	Velocity       mgl64.Vec3
	// Expected is the velocity the trajectory of the last sent snapshot predicts
	// at Time. Deviation from it, not gravity along a coast, counts as maneuvering.
	Expected    mgl64.Vec3
	HasExpected bool
}

type entityState struct {
	initialSent bool
	hasPrev     bool

	prevControls   models.Controls
	prevMultiplier float64

	lastSentVel  mgl64.Vec3
	lastSentTime float64
	sentTraj     host.Trajectory

	maneuvering bool
}
