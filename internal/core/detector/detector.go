// Package detector decides when the local peer's entities are worth
// broadcasting. A snapshot is only sent for a reason: first appearance, the end
// of a time warp, a change of pilot input, or active maneuvering.
package detector

import (
	"errors"
	"math"
	"sort"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/host"
	"github.com/zeusync/warpsync/internal/core/models"
	"github.com/zeusync/warpsync/internal/core/observability/log"
)

// Publisher ships outgoing messages. Implementations must not retain the
// snapshot after PublishSnapshot returns.
type Publisher interface {
	PublishTemplate(models.TemplateAnnouncement) error
	PublishSnapshot(*models.Snapshot) error
	PublishOwnership(models.OwnershipManifest) error
}

type Stats struct {
	Events    [eventCount]uint64
	Templates uint64
	Snapshots uint64
	Manifests uint64
}

// Detector is driven from the tick goroutine only.
type Detector struct {
	cfg       config.Detector
	localPeer string
	logger    log.Log

	states     map[string]*entityState
	controlled string
	owned      map[string]struct{}
	announced  map[string]struct{}

	lastOwnedSync float64
	ownedPrimed   bool

	seq     uint32
	scratch models.Snapshot
	stats   Stats
}

func New(cfg config.Detector, localPeer string, logger log.Log) *Detector {
	return &Detector{
		cfg:       cfg,
		localPeer: localPeer,
		logger:    logger.With(log.String("component", "detector")),
		states:    make(map[string]*entityState),
		owned:     make(map[string]struct{}),
		announced: make(map[string]struct{}),
	}
}

func (d *Detector) state(entity string) *entityState {
	st, ok := d.states[entity]
	if !ok {
		st = &entityState{}
		d.states[entity] = st
	}
	return st
}

// Evaluate classifies one sample and records it as sent when an event fires.
// The first matching rule wins: initial, warp ended, input changed, maneuvering.
func (d *Detector) Evaluate(s Sample) Event {
	ev, maneuvering := d.classify(s)
	if ev == EventNone {
		d.observe(s)
	} else {
		d.commit(s, ev, maneuvering)
	}
	return ev
}

// classify decides the event for s without touching any state, so a failed
// send leaves the event pending for the next tick.
func (d *Detector) classify(s Sample) (Event, bool) {
	st := d.state(s.Entity)

	rate := 0.0
	if st.initialSent {
		if dt := s.Time - st.lastSentTime; dt > 0.001 {
			reference := st.lastSentVel
			if s.HasExpected {
				reference = s.Expected
			}
			rate = s.Velocity.Sub(reference).Len() / dt
		}
	}
	maneuvering := d.inputManeuvering(s.Controls) || rate > d.cfg.ManeuverAccelThreshold

	switch {
	case !st.initialSent:
		return EventInitial, maneuvering
	case st.prevMultiplier > d.cfg.WarpThreshold && s.TimeMultiplier <= d.cfg.WarpThreshold:
		return EventWarpEnded, maneuvering
	case st.hasPrev && d.inputChanged(st.prevControls, s.Controls):
		return EventInputChanged, maneuvering
	case maneuvering:
		return EventManeuvering, maneuvering
	}
	return EventNone, maneuvering
}

// observe remembers the inputs of a tick that sent nothing.
func (d *Detector) observe(s Sample) {
	st := d.state(s.Entity)
	st.prevControls = s.Controls
	st.prevMultiplier = s.TimeMultiplier
	st.hasPrev = true
}

// commit records s as the last sent state.
func (d *Detector) commit(s Sample, ev Event, maneuvering bool) {
	d.observe(s)
	st := d.state(s.Entity)
	st.initialSent = true
	st.lastSentVel = s.Velocity
	st.lastSentTime = s.Time
	st.maneuvering = maneuvering
	d.stats.Events[ev]++
}

func (d *Detector) inputManeuvering(c models.Controls) bool {
	return (c.EngineOn && float64(c.Throttle) > d.cfg.ThrottleEpsilon) || c.ThrusterFlags != 0
}

func (d *Detector) inputChanged(prev, cur models.Controls) bool {
	return prev.EngineOn != cur.EngineOn ||
		math.Abs(float64(cur.Throttle-prev.Throttle)) > d.cfg.ThrottleEpsilon ||
		prev.ThrusterFlags != cur.ThrusterFlags
}

// Tick inspects the controlled entity and, on the owned-resync cadence, every
// other owned entity, publishing whatever is due.
func (d *Detector) Tick(now float64, world host.World, clock host.SimClock, pub Publisher) error {
	entity, hasControlled := world.ControlledEntity()
	if hasControlled && entity.ID() != d.controlled {
		d.switchControl(entity.ID())
	}

	var errs []error
	if err := d.resyncOwned(now, world, pub); err != nil {
		errs = append(errs, err)
	}

	if hasControlled {
		if err := d.announce(entity, pub); err != nil {
			errs = append(errs, err)
		}

		st := d.state(entity.ID())
		sample := Sample{
			Entity:         entity.ID(),
			Time:           now,
			TimeMultiplier: clock.TimeMultiplier(),
			Controls:       entity.Controls(),
		}
		traj := entity.Trajectory()
		if traj != nil {
			_, sample.Velocity = traj.StateAt(now)
		}
		if st.initialSent && st.sentTraj != nil {
			_, sample.Expected = st.sentTraj.StateAt(now)
			sample.HasExpected = true
		}

		ev, maneuvering := d.classify(sample)
		if ev == EventNone {
			d.observe(sample)
		} else {
			if ev != EventManeuvering {
				d.logger.Debug("State dirty",
					log.String("entity", entity.ID()),
					log.String("event", ev.String()))
			}
			if err := d.send(entity, now, maneuvering, pub); err != nil {
				errs = append(errs, err)
			} else {
				d.commit(sample, ev, maneuvering)
				st.sentTraj = traj
			}
		}
	}

	return errors.Join(errs...)
}

func (d *Detector) switchControl(id string) {
	prev := d.controlled
	d.controlled = id
	d.owned[id] = struct{}{}
	d.state(id).initialSent = false
	delete(d.announced, id)

	d.logger.Info("Control switched",
		log.String("from", prev),
		log.String("to", id),
		log.Int("owned", len(d.owned)))
}

func (d *Detector) resyncOwned(now float64, world host.World, pub Publisher) error {
	if !d.ownedPrimed || now < d.lastOwnedSync {
		d.lastOwnedSync = now
		d.ownedPrimed = true
		return nil
	}
	if now-d.lastOwnedSync < d.cfg.OwnedResyncInterval {
		return nil
	}
	d.lastOwnedSync = now

	ids := make([]string, 0, len(d.owned))
	for id := range d.owned {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	manifest := models.OwnershipManifest{Owner: d.localPeer}
	for _, id := range ids {
		entity, ok := world.LocalEntity(id)
		if !ok {
			d.forget(id)
			continue
		}
		manifest.Entities = append(manifest.Entities, id)
		if id == d.controlled {
			continue
		}
		if err := d.announce(entity, pub); err != nil {
			errs = append(errs, err)
		}
		if err := d.send(entity, now, false, pub); err != nil {
			errs = append(errs, err)
		}
	}

	manifest.Sequence = d.nextSequence()
	if err := pub.PublishOwnership(manifest); err != nil {
		errs = append(errs, err)
	} else {
		d.stats.Manifests++
	}
	return errors.Join(errs...)
}

func (d *Detector) forget(id string) {
	delete(d.owned, id)
	delete(d.states, id)
	delete(d.announced, id)
	if id == d.controlled {
		d.controlled = ""
	}
	d.logger.Debug("Owned entity gone", log.String("entity", id))
}

func (d *Detector) announce(entity host.LocalEntity, pub Publisher) error {
	if _, ok := d.announced[entity.ID()]; ok {
		return nil
	}
	err := pub.PublishTemplate(models.TemplateAnnouncement{
		Key:          models.NewEntityKey(d.localPeer, entity.ID()),
		TemplateID:   entity.TemplateID(),
		ParentBodyID: entity.ParentBodyID(),
		Sequence:     d.nextSequence(),
	})
	if err != nil {
		return err
	}
	d.announced[entity.ID()] = struct{}{}
	d.stats.Templates++
	return nil
}

func (d *Detector) send(entity host.LocalEntity, now float64, maneuvering bool, pub Publisher) error {
	s := &d.scratch
	s.Reset()
	Capture(s, d.localPeer, entity, now)
	s.Maneuvering = maneuvering
	s.Sequence = d.nextSequence()

	if err := pub.PublishSnapshot(s); err != nil {
		return err
	}
	d.stats.Snapshots++
	return nil
}

// Capture fills dst with entity's state at now.
func Capture(dst *models.Snapshot, owner models.PeerID, entity host.LocalEntity, now float64) {
	dst.Key = models.NewEntityKey(owner, entity.ID())
	dst.ParentBodyID = entity.ParentBodyID()
	dst.EmitTime = now
	dst.Situation = entity.Situation()
	dst.Frame = models.FrameFor(dst.Situation)

	if traj := entity.Trajectory(); traj != nil {
		dst.InertialPos, dst.InertialVel = traj.StateAt(now)
	}
	if dst.Situation.IsSurface() {
		dst.FixedPos, dst.FixedVel = entity.SurfaceState()
	}
	dst.Orientation, dst.AngularVel = entity.Attitude()
	dst.Controls = entity.Controls()
	dst.Aux = append(dst.Aux[:0], entity.Aux()...)
}

// OnReconnect forgets what was announced and sent so every owned entity is
// announced and sent again.
func (d *Detector) OnReconnect() {
	clear(d.announced)
	for _, st := range d.states {
		st.initialSent = false
	}
	d.ownedPrimed = false
	d.logger.Info("Detector reset for reconnect")
}

// OnPeerJoined re-announces templates so the newcomer can materialize entities.
func (d *Detector) OnPeerJoined(peer models.PeerID) {
	clear(d.announced)
	if st, ok := d.states[d.controlled]; ok {
		st.initialSent = false
	}
	d.logger.Debug("Templates will be re-announced", log.String("peer", peer))
}

func (d *Detector) nextSequence() uint32 {
	d.seq++
	return d.seq
}

// Controlled returns the id of the entity currently under control.
func (d *Detector) Controlled() string {
	return d.controlled
}

// Owned returns the owned entity ids, sorted.
func (d *Detector) Owned() []string {
	out := make([]string, 0, len(d.owned))
	for id := range d.owned {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (d *Detector) Stats() Stats {
	return d.stats
}
