package models

import "github.com/go-gl/mathgl/mgl64"

// Pose is the blended state applied to a remote entity on one tick. Position and
// velocity are inertial, orientation is in the display frame.
type Pose struct {
	Time        float64
	Position    mgl64.Vec3
	Velocity    mgl64.Vec3
	Orientation mgl64.Quat
	AngularVel  mgl64.Vec3
	Situation   Situation
	Controls    Controls
	Aux         []float32
}

// TemplateAnnouncement carries the static description an entity is built from.
type TemplateAnnouncement struct {
	Key          EntityKey
	TemplateID   string
	ParentBodyID string
	Sequence     uint32
}

// OwnershipManifest lists every entity a peer currently owns.
type OwnershipManifest struct {
	Owner    PeerID
	Entities []string
	Sequence uint32
}

// Contains reports whether entity is listed in the manifest.
func (m OwnershipManifest) Contains(entity string) bool {
	for _, e := range m.Entities {
		if e == entity {
			return true
		}
	}
	return false
}
