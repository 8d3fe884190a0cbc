package protocol

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/zeusync/warpsync/internal/core/models"
)

func NewSnapshotMessage(s *models.Snapshot) SnapshotMessage {
	m := SnapshotMessage{
		EntityID:     s.Key.Entity,
		OwnerID:      s.Key.Owner,
		ParentBodyID: s.ParentBodyID,
		EmitTime:     s.EmitTime,
		InertialPos:  s.InertialPos,
		InertialVel:  s.InertialVel,
		FixedPos:     s.FixedPos,
		FixedVel:     s.FixedVel,
		PhysFrame:    uint8(s.Frame),
		Orientation:  [4]float64{s.Orientation.W, s.Orientation.V[0], s.Orientation.V[1], s.Orientation.V[2]},
		AngularVel:   s.AngularVel,
		EngineOn:     s.Controls.EngineOn,
		Throttle:     s.Controls.Throttle,
		Thrusters:    s.Controls.ThrusterFlags,
		Maneuvering:  s.Maneuvering,
		Situation:    uint8(s.Situation),
		Sequence:     s.Sequence,
	}
	if len(s.Aux) > 0 {
		m.Aux = append([]float32(nil), s.Aux...)
	}
	return m
}

// Fill writes the message into dst, a pooled snapshot, and validates the result.
// Receiver-only fields are left at their reset values.
func (m *SnapshotMessage) Fill(dst *models.Snapshot) error {
	dst.Reset()
	dst.Key = models.NewEntityKey(m.OwnerID, m.EntityID)
	dst.ParentBodyID = m.ParentBodyID
	dst.EmitTime = m.EmitTime
	dst.Situation = models.Situation(m.Situation)
	dst.Frame = models.PhysFrame(m.PhysFrame)
	dst.InertialPos = m.InertialPos
	dst.InertialVel = m.InertialVel
	dst.FixedPos = m.FixedPos
	dst.FixedVel = m.FixedVel
	dst.Orientation = mgl64.Quat{W: m.Orientation[0], V: mgl64.Vec3{m.Orientation[1], m.Orientation[2], m.Orientation[3]}}
	dst.AngularVel = m.AngularVel
	dst.Controls = models.Controls{EngineOn: m.EngineOn, Throttle: m.Throttle, ThrusterFlags: m.Thrusters}
	dst.Maneuvering = m.Maneuvering
	dst.Sequence = m.Sequence
	dst.Aux = append(dst.Aux, m.Aux...)

	if dst.Frame > models.FrameBodyFixed {
		return fmt.Errorf("%w: frame %d", ErrInvalidMessage, m.PhysFrame)
	}
	if err := dst.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return nil
}

func NewTemplateMessage(a models.TemplateAnnouncement) TemplateMessage {
	return TemplateMessage{
		EntityID:     a.Key.Entity,
		OwnerID:      a.Key.Owner,
		TemplateID:   a.TemplateID,
		ParentBodyID: a.ParentBodyID,
		Sequence:     a.Sequence,
	}
}

func (m *TemplateMessage) Announcement() (models.TemplateAnnouncement, error) {
	if m.EntityID == "" || m.OwnerID == "" || m.TemplateID == "" {
		return models.TemplateAnnouncement{}, fmt.Errorf("%w: incomplete template announcement", ErrInvalidMessage)
	}
	return models.TemplateAnnouncement{
		Key:          models.NewEntityKey(m.OwnerID, m.EntityID),
		TemplateID:   m.TemplateID,
		ParentBodyID: m.ParentBodyID,
		Sequence:     m.Sequence,
	}, nil
}

func NewOwnershipMessage(o models.OwnershipManifest) OwnershipMessage {
	return OwnershipMessage{
		OwnerID:   o.Owner,
		EntityIDs: append([]string(nil), o.Entities...),
		Sequence:  o.Sequence,
	}
}

func (m *OwnershipMessage) Manifest() (models.OwnershipManifest, error) {
	if m.OwnerID == "" {
		return models.OwnershipManifest{}, fmt.Errorf("%w: ownership manifest without owner", ErrInvalidMessage)
	}
	return models.OwnershipManifest{
		Owner:    m.OwnerID,
		Entities: m.EntityIDs,
		Sequence: m.Sequence,
	}, nil
}
