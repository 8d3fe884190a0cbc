package sandbox

import (
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/zeusync/warpsync/internal/core/host"
	"github.com/zeusync/warpsync/internal/core/models"
)

var (
	_ host.SimClock     = (*Clock)(nil)
	_ host.LocalEntity  = (*Entity)(nil)
	_ host.RemoteHandle = (*Remote)(nil)
	_ host.World        = (*World)(nil)
)

// Clock is a manually driven sim clock.
type Clock struct {
	mu         sync.RWMutex
	now        float64
	multiplier float64
}

func NewClock(start float64) *Clock {
	return &Clock{now: start, multiplier: 1}
}

func (c *Clock) SimTime() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *Clock) SetSimTime(t float64) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *Clock) TimeMultiplier() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.multiplier
}

func (c *Clock) SetTimeMultiplier(m float64) {
	c.mu.Lock()
	c.multiplier = m
	c.mu.Unlock()
}

// Advance moves the clock by dt scaled by the current multiplier.
func (c *Clock) Advance(dt float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += dt * c.multiplier
	return c.now
}

// Entity is a mutable LocalEntity.
type Entity struct {
	mu         sync.RWMutex
	id         string
	template   string
	parent     string
	situation  models.Situation
	trajectory host.Trajectory
	controls   models.Controls
	attitude   mgl64.Quat
	angularVel mgl64.Vec3
	surfacePos mgl64.Vec3
	surfaceVel mgl64.Vec3
	aux        []float32
}

func NewEntity(id, template, parent string, trajectory host.Trajectory) *Entity {
	return &Entity{
		id:         id,
		template:   template,
		parent:     parent,
		trajectory: trajectory,
		attitude:   mgl64.QuatIdent(),
	}
}

func (e *Entity) ID() string           { return e.id }
func (e *Entity) TemplateID() string   { return e.template }
func (e *Entity) ParentBodyID() string { return e.parent }

func (e *Entity) Situation() models.Situation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.situation
}

func (e *Entity) SetSituation(s models.Situation) {
	e.mu.Lock()
	e.situation = s
	e.mu.Unlock()
}

func (e *Entity) Trajectory() host.Trajectory {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trajectory
}

func (e *Entity) SetTrajectory(t host.Trajectory) {
	e.mu.Lock()
	e.trajectory = t
	e.mu.Unlock()
}

func (e *Entity) Controls() models.Controls {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.controls
}

func (e *Entity) SetControls(c models.Controls) {
	e.mu.Lock()
	e.controls = c
	e.mu.Unlock()
}

func (e *Entity) Attitude() (mgl64.Quat, mgl64.Vec3) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attitude, e.angularVel
}

func (e *Entity) SetAttitude(q mgl64.Quat, angularVel mgl64.Vec3) {
	e.mu.Lock()
	e.attitude, e.angularVel = q, angularVel
	e.mu.Unlock()
}

func (e *Entity) SurfaceState() (mgl64.Vec3, mgl64.Vec3) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.surfacePos, e.surfaceVel
}

func (e *Entity) SetSurfaceState(pos, vel mgl64.Vec3) {
	e.mu.Lock()
	e.surfacePos, e.surfaceVel = pos, vel
	e.mu.Unlock()
}

func (e *Entity) Aux() []float32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]float32(nil), e.aux...)
}

func (e *Entity) SetAux(aux []float32) {
	e.mu.Lock()
	e.aux = append(e.aux[:0], aux...)
	e.mu.Unlock()
}

// Remote records what the core applied to a remote entity.
type Remote struct {
	mu         sync.RWMutex
	Key        models.EntityKey
	Template   string
	poses      []models.Pose
	trajectory host.Trajectory
	visibility models.Visibility
}

func (r *Remote) ApplyPose(pose models.Pose, trajectory host.Trajectory) {
	r.mu.Lock()
	r.poses = append(r.poses, pose)
	r.trajectory = trajectory
	r.mu.Unlock()
}

func (r *Remote) SetVisibility(v models.Visibility) {
	r.mu.Lock()
	r.visibility = v
	r.mu.Unlock()
}

// Poses returns every pose applied so far.
func (r *Remote) Poses() []models.Pose {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Pose(nil), r.poses...)
}

// LastPose returns the most recently applied pose.
func (r *Remote) LastPose() (models.Pose, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.poses) == 0 {
		return models.Pose{}, false
	}
	return r.poses[len(r.poses)-1], true
}

func (r *Remote) Visibility() models.Visibility {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visibility
}

// World is an in-memory host.World. Remote entities are materialized
// immediately unless DeferMaterialize is set.
type World struct {
	mu               sync.RWMutex
	bodies           map[string]*Body
	locals           map[string]*Entity
	remotes          map[models.EntityKey]*Remote
	controlled       string
	DeferMaterialize bool
	Requests         int
}

func NewWorld(bodies ...*Body) *World {
	w := &World{
		bodies:  make(map[string]*Body),
		locals:  make(map[string]*Entity),
		remotes: make(map[models.EntityKey]*Remote),
	}
	for _, b := range bodies {
		w.bodies[b.Name] = b
	}
	return w
}

func (w *World) AddBody(b *Body) {
	w.mu.Lock()
	w.bodies[b.Name] = b
	w.mu.Unlock()
}

func (w *World) Body(id string) (host.Body, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.bodies[id]
	if !ok {
		return nil, false
	}
	return b, true
}

// AddLocal registers a locally simulated entity.
func (w *World) AddLocal(e *Entity) {
	w.mu.Lock()
	w.locals[e.id] = e
	w.mu.Unlock()
}

// RemoveLocal destroys a local entity; clears control if it was controlled.
func (w *World) RemoveLocal(id string) {
	w.mu.Lock()
	delete(w.locals, id)
	if w.controlled == id {
		w.controlled = ""
	}
	w.mu.Unlock()
}

// Control switches the controlled entity.
func (w *World) Control(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.locals[id]; !ok {
		return fmt.Errorf("sandbox: no local entity %q", id)
	}
	w.controlled = id
	return nil
}

func (w *World) ControlledEntity() (host.LocalEntity, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.locals[w.controlled]
	if !ok {
		return nil, false
	}
	return e, true
}

func (w *World) LocalEntity(id string) (host.LocalEntity, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.locals[id]
	if !ok {
		return nil, false
	}
	return e, true
}

func (w *World) RemoteEntity(key models.EntityKey) (host.RemoteHandle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.remotes[key]
	if !ok {
		return nil, false
	}
	return r, true
}

// Remote returns the concrete remote record for assertions.
func (w *World) Remote(key models.EntityKey) (*Remote, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.remotes[key]
	return r, ok
}

// Materialize completes a deferred materialization.
func (w *World) Materialize(key models.EntityKey, templateID string) *Remote {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := &Remote{Key: key, Template: templateID}
	w.remotes[key] = r
	return r
}

func (w *World) MaterializeRemote(key models.EntityKey, templateID, parentBodyID string) error {
	w.mu.Lock()
	w.Requests++
	_, hasBody := w.bodies[parentBodyID]
	deferred := w.DeferMaterialize
	w.mu.Unlock()

	if !hasBody {
		return fmt.Errorf("sandbox: unknown parent body %q", parentBodyID)
	}
	if !deferred {
		w.Materialize(key, templateID)
	}
	return nil
}

func (w *World) DestroyRemote(key models.EntityKey) {
	w.mu.Lock()
	delete(w.remotes, key)
	w.mu.Unlock()
}

// RemoteCount returns how many remote entities are materialized.
func (w *World) RemoteCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.remotes)
}
