// Package interp reconstructs smooth motion for remote entities from the sparse
// snapshots their owners send, in either the inertial or the body-fixed frame.
package interp

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/host"
	"github.com/zeusync/warpsync/internal/core/models"
	"github.com/zeusync/warpsync/internal/core/observability/log"
	"github.com/zeusync/warpsync/internal/core/queue"
)

// SubspaceOracle decides how a peer's entities are shown.
type SubspaceOracle interface {
	Visibility(peer string) models.Visibility
}

// RemoteEntity is the local view of an entity owned by another peer.
type RemoteEntity struct {
	Key             models.EntityKey
	TemplateID      string
	ParentBodyID    string
	Situation       models.Situation
	LastPose        models.Pose
	HasPose         bool
	CreationPending bool
	Visibility      models.Visibility

	interp        *Interpolator
	visibilitySet bool
}

// Interpolator exposes the entity's interpolation state for inspection.
func (r *RemoteEntity) Interpolator() *Interpolator {
	return r.interp
}

type command func(e *Engine)

// Engine advances every remote entity once per tick. Advance and the accessors
// belong to the tick goroutine; Observe, Announce, Forget, ForgetOwner and
// Retain may be called from any goroutine and take effect at the next Advance.
type Engine struct {
	cfg      config.Interpolation
	maxAge   float64
	world    host.World
	model    host.TrajectoryModel
	queues   *queue.Registry
	subspace SubspaceOracle
	logger   log.Log

	inboxMu sync.Mutex
	inbox   []command

	entities map[models.EntityKey]*RemoteEntity
	ticks    uint64
}

func NewEngine(cfg config.Interpolation, queueCfg config.Queue, world host.World, model host.TrajectoryModel, queues *queue.Registry, subspace SubspaceOracle, logger log.Log) *Engine {
	return &Engine{
		cfg:      cfg,
		maxAge:   queueCfg.MaxAge,
		world:    world,
		model:    model,
		queues:   queues,
		subspace: subspace,
		logger:   logger.With(log.String("component", "interp")),
		entities: make(map[models.EntityKey]*RemoteEntity),
	}
}

func (e *Engine) post(cmd command) {
	e.inboxMu.Lock()
	e.inbox = append(e.inbox, cmd)
	e.inboxMu.Unlock()
}

// Observe notes that a snapshot for key was enqueued.
func (e *Engine) Observe(key models.EntityKey, parentBodyID string) {
	e.post(func(e *Engine) {
		r := e.track(key)
		if parentBodyID != "" {
			r.ParentBodyID = parentBodyID
		}
	})
}

// Announce records the template of an entity so it can be materialized.
func (e *Engine) Announce(t models.TemplateAnnouncement) {
	e.post(func(e *Engine) {
		r := e.track(t.Key)
		if r.TemplateID != "" && r.TemplateID != t.TemplateID {
			e.logger.Info("Template replaced",
				log.String("entity", t.Key.String()),
				log.String("from", r.TemplateID),
				log.String("to", t.TemplateID))
			e.world.DestroyRemote(t.Key)
			r.CreationPending = false
			r.visibilitySet = false
		}
		r.TemplateID = t.TemplateID
		if t.ParentBodyID != "" {
			r.ParentBodyID = t.ParentBodyID
		}
	})
}

// Forget tears down one remote entity.
func (e *Engine) Forget(key models.EntityKey) {
	e.post(func(e *Engine) { e.remove(key) })
}

// ForgetOwner tears down every entity of a departed peer.
func (e *Engine) ForgetOwner(owner models.PeerID) {
	e.post(func(e *Engine) {
		for key := range e.entities {
			if key.Owner == owner {
				e.remove(key)
			}
		}
		e.queues.RemoveOwner(owner)
	})
}

// Retain tears down the owner's entities that are missing from the manifest.
func (e *Engine) Retain(m models.OwnershipManifest) {
	e.post(func(e *Engine) {
		for key := range e.entities {
			if key.Owner == m.Owner && !m.Contains(key.Entity) {
				e.logger.Debug("Entity absent from ownership manifest", log.String("entity", key.String()))
				e.remove(key)
			}
		}
	})
}

func (e *Engine) track(key models.EntityKey) *RemoteEntity {
	r, ok := e.entities[key]
	if !ok {
		r = &RemoteEntity{
			Key:    key,
			interp: NewInterpolator(e.cfg, e.queues.GetOrCreate(key)),
		}
		e.entities[key] = r
		e.logger.Debug("Tracking remote entity", log.String("entity", key.String()))
	}
	return r
}

func (e *Engine) remove(key models.EntityKey) {
	r, ok := e.entities[key]
	if !ok {
		return
	}
	r.interp.Release()
	delete(e.entities, key)
	e.queues.Remove(key)
	e.world.DestroyRemote(key)
	e.logger.Debug("Remote entity removed", log.String("entity", key.String()))
}

func (e *Engine) drain() {
	e.inboxMu.Lock()
	cmds := e.inbox
	e.inbox = nil
	e.inboxMu.Unlock()

	for _, cmd := range cmds {
		cmd(e)
	}
}

// Advance runs one tick at local sim time now. A failure for one entity never
// prevents the others from advancing; failures are returned joined.
func (e *Engine) Advance(now float64) error {
	e.drain()

	keys := make([]models.EntityKey, 0, len(e.entities))
	for key := range e.entities {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].String() < keys[b].String() })

	var errs []error
	for _, key := range keys {
		if err := e.advanceSafe(now, e.entities[key]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	e.ticks++
	if e.cfg.DiagnosticsEvery > 0 && e.ticks%uint64(e.cfg.DiagnosticsEvery) == 0 {
		e.logDiagnostics()
	}
	return errors.Join(errs...)
}

func (e *Engine) advanceSafe(now float64, r *RemoteEntity) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while advancing: %v", p)
		}
	}()
	return e.advance(now, r)
}

func (e *Engine) advance(now float64, r *RemoteEntity) error {
	handle, ok := e.world.RemoteEntity(r.Key)
	if !ok {
		if r.TemplateID != "" && !r.CreationPending {
			if err := e.world.MaterializeRemote(r.Key, r.TemplateID, r.ParentBodyID); err != nil {
				e.logger.Debug("Materialization deferred", log.String("entity", r.Key.String()), log.Error(err))
				return nil
			}
			r.CreationPending = true
			handle, ok = e.world.RemoteEntity(r.Key)
		}
		if !ok {
			return nil
		}
	}
	r.CreationPending = false

	visibility := models.VisibilityFull
	if e.subspace != nil {
		visibility = e.subspace.Visibility(r.Key.Owner)
	}
	if !r.visibilitySet || visibility != r.Visibility {
		handle.SetVisibility(visibility)
		r.Visibility, r.visibilitySet = visibility, true
	}

	if visibility == models.VisibilityFull && r.interp.Finished() {
		if dropped := r.interp.queue.DropOld(now, e.maxAge); dropped > 0 {
			e.logger.Debug("Dropped stale snapshots", log.String("entity", r.Key.String()), log.Int("count", dropped))
		}
	}

	pose, traj, ok, err := r.interp.Advance(now, e.world, e.model)
	if errors.Is(err, ErrParentBodyMissing) {
		e.logger.Debug("Parent body unavailable", log.String("entity", r.Key.String()), log.String("body", r.interp.To().ParentBodyID))
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	handle.ApplyPose(pose, traj)
	r.LastPose, r.HasPose = pose, true
	if r.interp.SituationChanged() && r.Situation != pose.Situation {
		e.logger.Debug("Situation changed",
			log.String("entity", r.Key.String()),
			log.String("from", r.Situation.String()),
			log.String("to", pose.Situation.String()))
	}
	r.Situation = pose.Situation
	r.ParentBodyID = r.interp.To().ParentBodyID
	return nil
}

func (e *Engine) logDiagnostics() {
	for key, r := range e.entities {
		e.logger.Debug("Interpolation state",
			log.String("entity", key.String()),
			log.String("state", r.interp.State().String()),
			log.Int("frame", r.interp.Frame()),
			log.Int("total_frames", r.interp.TotalFrames()),
			log.Float64("extra", r.interp.ExtraTime()),
			log.Int("queued", r.interp.queue.Count()),
			log.Float64("speed", r.LastPose.Velocity.Len()),
			log.String("visibility", r.Visibility.String()))
	}
}

// Entity returns the remote entity for key.
func (e *Engine) Entity(key models.EntityKey) (*RemoteEntity, bool) {
	r, ok := e.entities[key]
	return r, ok
}

// Keys lists tracked entities.
func (e *Engine) Keys() []models.EntityKey {
	keys := make([]models.EntityKey, 0, len(e.entities))
	for key := range e.entities {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].String() < keys[b].String() })
	return keys
}

func (e *Engine) Len() int {
	return len(e.entities)
}

// Reset tears down every remote entity.
func (e *Engine) Reset() {
	e.drain()
	for key := range e.entities {
		e.remove(key)
	}
}
