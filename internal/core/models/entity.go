package models

import "fmt"

// PeerID identifies a participant of the session.
type PeerID = string

// EntityKey uniquely identifies a simulated entity across the session.
type EntityKey struct {
	Owner  PeerID
	Entity string
}

func NewEntityKey(owner PeerID, entity string) EntityKey {
	return EntityKey{Owner: owner, Entity: entity}
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s", k.Owner, k.Entity)
}

func (k EntityKey) IsZero() bool {
	return k.Owner == "" && k.Entity == ""
}

// Situation is the coarse motion category of an entity.
type Situation uint8

const (
	SituationFreefall Situation = iota
	SituationManeuvering
	SituationRolling
	SituationLanded
	SituationSailing
	SituationFloating
)

// IsSurface reports whether the entity moves with its parent body's surface and
// must be interpolated in the body-fixed frame.
func (s Situation) IsSurface() bool {
	return s >= SituationRolling
}

func (s Situation) Valid() bool {
	return s <= SituationFloating
}

func (s Situation) String() string {
	switch s {
	case SituationFreefall:
		return "freefall"
	case SituationManeuvering:
		return "maneuvering"
	case SituationRolling:
		return "rolling"
	case SituationLanded:
		return "landed"
	case SituationSailing:
		return "sailing"
	case SituationFloating:
		return "floating"
	default:
		return fmt.Sprintf("situation(%d)", uint8(s))
	}
}

// PhysFrame names the reference frame a snapshot's primary state is expressed in.
type PhysFrame uint8

const (
	FrameInertial PhysFrame = iota
	FrameBodyFixed
)

// FrameFor returns the frame an entity in situation s is simulated in.
func FrameFor(s Situation) PhysFrame {
	if s.IsSurface() {
		return FrameBodyFixed
	}
	return FrameInertial
}

// Controls is the pilot input sampled on the sender.
type Controls struct {
	EngineOn      bool
	Throttle      float32
	ThrusterFlags uint32
}

// ThrottleEpsilon is the smallest throttle considered "engine producing thrust".
const ThrottleEpsilon = 0.01

// Maneuvering reports whether the inputs alone imply the entity is maneuvering.
func (c Controls) Maneuvering() bool {
	return (c.EngineOn && c.Throttle > ThrottleEpsilon) || c.ThrusterFlags != 0
}

// Visibility is how a remote entity is presented locally.
type Visibility uint8

const (
	VisibilityFull Visibility = iota
	// VisibilityGhost marks an entity whose owner is in a different subspace.
	VisibilityGhost
)

func (v Visibility) String() string {
	if v == VisibilityGhost {
		return "ghost"
	}
	return "full"
}
