package interp

import (
	"errors"
	"slices"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/host"
	"github.com/zeusync/warpsync/internal/core/models"
	"github.com/zeusync/warpsync/internal/core/queue"
)

var ErrParentBodyMissing = errors.New("parent body not found")

type State uint8

const (
	StateNoTarget State = iota
	StateInterpolating
	StateHolding
)

func (s State) String() string {
	switch s {
	case StateNoTarget:
		return "no_target"
	case StateInterpolating:
		return "interpolating"
	case StateHolding:
		return "holding"
	default:
		return "unknown"
	}
}

// BodySource resolves parent bodies.
type BodySource interface {
	Body(id string) (host.Body, bool)
}

// Interpolator turns one entity's queue of snapshots into a pose per tick.
// It is driven from the tick goroutine only.
type Interpolator struct {
	cfg   config.Interpolation
	queue *queue.UpdateQueue

	state       State
	from, to    *models.Snapshot
	frame       int
	totalFrames int
	extra       float64

	fromTraj, toTraj host.Trajectory
	trajBody         string

	situationChanged bool
}

func NewInterpolator(cfg config.Interpolation, q *queue.UpdateQueue) *Interpolator {
	return &Interpolator{cfg: cfg, queue: q}
}

func (i *Interpolator) State() State { return i.state }

// Frame and TotalFrames describe progress through the current segment.
func (i *Interpolator) Frame() int       { return i.frame }
func (i *Interpolator) TotalFrames() int { return i.totalFrames }

// ExtraTime is the self-correction applied to the current segment.
func (i *Interpolator) ExtraTime() float64 { return i.extra }

// From and To expose the current segment ends. They must not be modified.
func (i *Interpolator) From() *models.Snapshot { return i.from }
func (i *Interpolator) To() *models.Snapshot   { return i.to }

// SituationChanged reports whether the last acquired target switched situation.
func (i *Interpolator) SituationChanged() bool { return i.situationChanged }

// LerpPercentage is the fraction of the current segment already played.
func (i *Interpolator) LerpPercentage() float64 {
	if i.totalFrames <= 0 {
		return 0
	}
	return clamp(float64(i.frame)/float64(i.totalFrames), 0, 1)
}

// Finished reports whether the current segment has been fully played.
func (i *Interpolator) Finished() bool {
	return i.state == StateNoTarget || i.frame >= i.totalFrames
}

// Duration is the playback length of the current segment.
func (i *Interpolator) Duration() float64 {
	if i.to == nil {
		return 0
	}
	return clamp(i.to.EmitTime-i.from.EmitTime+i.extra, 0, i.cfg.MaxDuration)
}

// Advance moves one tick forward at local sim time now. It returns the pose to
// apply and a trajectory anchored on it; ok is false when nothing should be
// applied this tick (no target, holding, or parent body unavailable).
func (i *Interpolator) Advance(now float64, bodies BodySource, model host.TrajectoryModel) (models.Pose, host.Trajectory, bool, error) {
	if i.Finished() {
		if next, ok := i.queue.Dequeue(); ok {
			i.acquire(next, now)
		} else if i.state == StateInterpolating {
			i.state = StateHolding
		}
	}
	if i.state != StateInterpolating {
		return models.Pose{}, nil, false, nil
	}

	body, ok := bodies.Body(i.to.ParentBodyID)
	if !ok {
		return models.Pose{}, nil, false, ErrParentBodyMissing
	}

	pose := i.sample(i.LerpPercentage(), now, body, model)
	if i.frame < i.totalFrames {
		i.frame++
	}
	return pose, model.Build(body, now, pose.Position, pose.Velocity), true, nil
}

// acquire retires the current segment and starts one towards next.
func (i *Interpolator) acquire(next *models.Snapshot, now float64) {
	if i.to == nil {
		i.from = i.queue.Acquire()
		i.from.CopyFrom(next)
		i.situationChanged = false
	} else {
		i.queue.Recycle(i.from)
		i.from = i.to
		i.situationChanged = i.from.Situation != next.Situation
	}
	i.to = next

	if i.from.ParentBodyID != i.to.ParentBodyID {
		i.from.CopyFrom(i.to)
	} else if !i.from.Situation.IsSurface() && i.to.Situation.IsSurface() {
		i.from.FixedPos = i.to.FixedPos
		i.from.FixedVel = i.to.FixedVel
		i.from.Orientation = i.to.Orientation
	}

	i.fromTraj, i.toTraj, i.trajBody = nil, nil, ""

	offset := clamp(2*i.to.PingSec, i.cfg.MinTransitOffset, i.cfg.MaxTransitOffset)
	lag := now - i.from.EmitTime - offset
	i.extra = FixFactor(lag, i.cfg.FixedTick, i.cfg.LargeErrorSeconds)

	i.frame = 0
	i.totalFrames = TotalFrames(i.Duration(), i.cfg.FixedTick)
	i.state = StateInterpolating
}

// PoseAt samples the current segment at an arbitrary blend factor.
func (i *Interpolator) PoseAt(lerp, now float64, body host.Body, model host.TrajectoryModel) (models.Pose, bool) {
	if i.to == nil {
		return models.Pose{}, false
	}
	return i.sample(clamp(lerp, 0, 1), now, body, model), true
}

func (i *Interpolator) sample(lerp, now float64, body host.Body, model host.TrajectoryModel) models.Pose {
	from, to := i.from, i.to

	pose := models.Pose{
		Time:       now,
		Situation:  to.Situation,
		Controls:   to.Controls,
		AngularVel: LerpVec(from.AngularVel, to.AngularVel, lerp),
		Aux:        slices.Clone(to.Aux),
	}

	if to.Situation.IsSurface() {
		fixedPos := LerpVec(from.FixedPos, to.FixedPos, lerp)
		fixedVel := LerpVec(from.FixedVel, to.FixedVel, lerp)
		pose.Position, pose.Velocity = FixedToInertial(body, now, fixedPos, fixedVel)

		q := Slerp(from.Orientation, to.Orientation, lerp)
		pose.Orientation = body.InertialToDisplay().Mul(body.FixedToInertial(now)).Mul(q).Normalize()
		return pose
	}

	i.ensureTrajectories(body, model)
	p0, v0 := i.fromTraj.StateAt(now)
	p1, v1 := i.toTraj.StateAt(now)
	pose.Position = LerpVec(p0, p1, lerp)
	pose.Velocity = LerpVec(v0, v1, lerp)

	fromQ := from.Orientation
	if from.Situation.IsSurface() {
		fromQ = body.FixedToInertial(now).Mul(fromQ)
	}
	q := Slerp(fromQ, to.Orientation, lerp)
	pose.Orientation = body.InertialToDisplay().Mul(q).Normalize()
	return pose
}

func (i *Interpolator) ensureTrajectories(body host.Body, model host.TrajectoryModel) {
	if i.fromTraj != nil && i.trajBody == body.ID() {
		return
	}
	i.fromTraj = model.Build(body, i.from.EmitTime, i.from.InertialPos, i.from.InertialVel)
	i.toTraj = model.Build(body, i.to.EmitTime, i.to.InertialPos, i.to.InertialVel)
	i.trajBody = body.ID()
}

// Release returns the segment snapshots to the pool and resets the interpolator.
func (i *Interpolator) Release() {
	i.queue.Recycle(i.from)
	i.queue.Recycle(i.to)
	i.from, i.to = nil, nil
	i.fromTraj, i.toTraj, i.trajBody = nil, nil, ""
	i.frame, i.totalFrames, i.extra = 0, 0, 0
	i.state = StateNoTarget
}
