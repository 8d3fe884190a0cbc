package models

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

var (
	ErrMissingKey         = errors.New("snapshot has no entity key")
	ErrInvalidEmitTime    = errors.New("snapshot emit time is negative or not finite")
	ErrNonFiniteState     = errors.New("snapshot carries non-finite state")
	ErrDegenerateRotation = errors.New("snapshot orientation is not a rotation")
	ErrUnknownSituation   = errors.New("snapshot situation is unknown")
	ErrMissingParentBody  = errors.New("snapshot has no parent body")
)

// Snapshot is one timestamped observation of an entity's state, produced by the
// owning peer. Once published it is treated as immutable; receivers copy it into
// pooled instances.
type Snapshot struct {
	Key          EntityKey
	ParentBodyID string
	EmitTime     float64
	Situation    Situation
	Frame        PhysFrame

	InertialPos mgl64.Vec3
	InertialVel mgl64.Vec3
	FixedPos    mgl64.Vec3
	FixedVel    mgl64.Vec3

	Orientation mgl64.Quat
	AngularVel  mgl64.Vec3

	Controls    Controls
	Maneuvering bool
	Aux         []float32
	Sequence    uint32

	// PingSec is the receiver's one-way latency estimate. Never sent.
	PingSec float64
	// ReceivedAt is the receiver's local sim time at enqueue. Never sent.
	ReceivedAt float64
}

// Reset clears every field so the instance can be reused. The Aux backing
// array is kept.
func (s *Snapshot) Reset() {
	aux := s.Aux[:0]
	*s = Snapshot{}
	s.Aux = aux
	s.Orientation = mgl64.QuatIdent()
}

// CopyFrom overwrites s with other, deep-copying the auxiliary channel.
func (s *Snapshot) CopyFrom(other *Snapshot) {
	aux := append(s.Aux[:0], other.Aux...)
	*s = *other
	s.Aux = aux
}

// Clone returns an independent copy of s.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{}
	c.CopyFrom(s)
	return c
}

// Validate reports whether the snapshot is usable by the interpolation pipeline.
func (s *Snapshot) Validate() error {
	if s.Key.Entity == "" || s.Key.Owner == "" {
		return ErrMissingKey
	}
	if s.ParentBodyID == "" {
		return ErrMissingParentBody
	}
	if !(s.EmitTime >= 0) || math.IsInf(s.EmitTime, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidEmitTime, s.EmitTime)
	}
	if !s.Situation.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownSituation, s.Situation)
	}
	for _, v := range []mgl64.Vec3{s.InertialPos, s.InertialVel, s.FixedPos, s.FixedVel, s.AngularVel, s.Orientation.V} {
		if !finiteVec(v) {
			return ErrNonFiniteState
		}
	}
	if !finite(s.Orientation.W) {
		return ErrNonFiniteState
	}
	if s.Orientation.Len() < 1e-9 {
		return ErrDegenerateRotation
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finiteVec(v mgl64.Vec3) bool {
	return finite(v[0]) && finite(v[1]) && finite(v[2])
}
