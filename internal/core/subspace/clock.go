// Package subspace tracks how far each peer's simulation clock has advanced and
// decides which peers share the local peer's point in simulated time.
package subspace

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/host"
	"github.com/zeusync/warpsync/internal/core/models"
	"github.com/zeusync/warpsync/internal/core/observability/log"
)

// WallClock is the monotonic real-time source used for predictions.
type WallClock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Anchor gives the clock access to the entity whose trajectory follows clock jumps.
type Anchor interface {
	ControlledEntity() (host.LocalEntity, bool)
	Body(id string) (host.Body, bool)
}

type Option func(*Clock)

// WithWallClock replaces the real-time source.
func WithWallClock(w WallClock) Option {
	return func(c *Clock) { c.wall = w }
}

// Clock is the subspace clock of one peer.
type Clock struct {
	localPeer atomic.Pointer[string]
	threshold atomic.Uint64 // math.Float64bits
	guard     float64

	peers *peerTable

	sim    host.SimClock
	anchor Anchor
	model  host.TrajectoryModel
	wall   WallClock
	logger log.Log

	// jumpMu serialises clock jumps with their trajectory reprojection.
	jumpMu sync.Mutex
}

func NewClock(cfg config.Subspace, localPeer string, sim host.SimClock, anchor Anchor, model host.TrajectoryModel, logger log.Log, opts ...Option) *Clock {
	c := &Clock{
		guard:  cfg.HeartbeatGuard,
		peers:  newPeerTable(cfg.Shards),
		sim:    sim,
		anchor: anchor,
		model:  model,
		wall:   systemClock{},
		logger: logger.With(log.String("component", "subspace")),
	}
	c.localPeer.Store(&localPeer)
	c.threshold.Store(math.Float64bits(cfg.SyncThreshold))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Clock) LocalPeer() string {
	return *c.localPeer.Load()
}

// SetLocalPeer renames the local peer, for hosts that learn their id after construction.
func (c *Clock) SetLocalPeer(peer string) {
	c.localPeer.Store(&peer)
	c.peers.delete(peer)
}

func (c *Clock) LocalTime() float64 {
	return c.sim.SimTime()
}

func (c *Clock) Threshold() float64 {
	return math.Float64frombits(c.threshold.Load())
}

// SetThreshold changes the same-subspace tolerance at runtime. Non-positive values are ignored.
func (c *Clock) SetThreshold(seconds float64) {
	if seconds > 0 && !math.IsInf(seconds, 0) {
		c.threshold.Store(math.Float64bits(seconds))
	}
}

// UpdatePeerTime records the simulation time carried by a message from peer.
// Later calls overwrite earlier ones regardless of order. Non-positive or
// non-finite times and reports about the local peer are ignored.
func (c *Clock) UpdatePeerTime(peer string, simTime float64) bool {
	if peer == "" || peer == c.LocalPeer() {
		return false
	}
	if !(simTime > 0) || math.IsInf(simTime, 0) {
		return false
	}
	c.peers.store(peer, &PeerTimeRecord{SimTime: simTime, ReceivedAt: c.wall.Now()})
	return true
}

// Record returns the raw record for peer.
func (c *Clock) Record(peer string) (PeerTimeRecord, bool) {
	rec := c.peers.load(peer)
	if rec == nil {
		return PeerTimeRecord{}, false
	}
	return *rec, true
}

// PredictedTime is where peer's clock should be now. It returns 0 when the peer
// never reported. The local peer's prediction is the local clock.
func (c *Clock) PredictedTime(peer string) float64 {
	if peer == c.LocalPeer() {
		return c.sim.SimTime()
	}
	rec := c.peers.load(peer)
	if rec == nil {
		return 0
	}
	return rec.Predict(c.wall.Now())
}

// IsSameSubspace reports whether peer is within the threshold of the local
// clock. The local peer always is; a peer that never reported is not.
func (c *Clock) IsSameSubspace(peer string) bool {
	if peer == c.LocalPeer() {
		return true
	}
	predicted := c.PredictedTime(peer)
	if predicted == 0 {
		return false
	}
	return math.Abs(c.sim.SimTime()-predicted) <= c.Threshold()
}

// Visibility maps subspace membership onto how the peer's entities are shown.
func (c *Clock) Visibility(peer string) models.Visibility {
	if c.IsSameSubspace(peer) {
		return models.VisibilityFull
	}
	return models.VisibilityGhost
}

// TimeDifference is predicted(peer) − local; positive means the peer is ahead.
func (c *Clock) TimeDifference(peer string) (float64, bool) {
	if peer == c.LocalPeer() {
		return 0, true
	}
	predicted := c.PredictedTime(peer)
	if predicted == 0 {
		return 0, false
	}
	return predicted - c.sim.SimTime(), true
}

// TimeDifferences returns TimeDifference for every known peer.
func (c *Clock) TimeDifferences() map[string]float64 {
	now := c.wall.Now()
	local := c.sim.SimTime()
	out := make(map[string]float64, c.peers.len())
	c.peers.each(func(peer string, rec *PeerTimeRecord) {
		out[peer] = rec.Predict(now) - local
	})
	return out
}

// MostAdvancedPeer returns the peer furthest ahead of the local clock. ok is
// false when no peer is ahead.
func (c *Clock) MostAdvancedPeer() (peer string, ahead float64, ok bool) {
	for p, diff := range c.TimeDifferences() {
		if diff > ahead || (diff == ahead && ok && p < peer) {
			peer, ahead, ok = p, diff, true
		}
	}
	return peer, ahead, ok
}

// SyncAvailable reports whether some peer is far enough ahead to be worth syncing to.
func (c *Clock) SyncAvailable() bool {
	_, ahead, ok := c.MostAdvancedPeer()
	return ok && ahead > c.Threshold()
}

// SyncToPlayer jumps the local clock forward to target's predicted time and
// carries the controlled entity along its trajectory. It refuses to move the
// clock backward or to an unknown peer's time.
func (c *Clock) SyncToPlayer(target string) error {
	if target == c.LocalPeer() {
		return ErrSelfSync
	}

	c.jumpMu.Lock()
	defer c.jumpMu.Unlock()

	predicted := c.PredictedTime(target)
	if predicted == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, target)
	}
	local := c.sim.SimTime()
	if predicted <= local {
		return fmt.Errorf("%w: %s predicted %.3f, local %.3f", ErrNotAhead, target, predicted, local)
	}

	err := c.reproject(predicted, predicted)
	c.sim.SetSimTime(predicted)

	c.logger.Info("Synced to peer",
		log.String("peer", target),
		log.Float64("from", local),
		log.Float64("to", predicted))

	if err != nil {
		c.logger.Warn("Clock moved without reprojecting controlled entity", log.Error(err))
	}
	return nil
}

// ForceTimeSync sets the local clock unconditionally and re-anchors the
// controlled entity's trajectory at its current position.
func (c *Clock) ForceTimeSync(simTime float64) {
	if math.IsNaN(simTime) || math.IsInf(simTime, 0) {
		c.logger.Warn("Ignoring forced sync to non-finite time")
		return
	}

	c.jumpMu.Lock()
	defer c.jumpMu.Unlock()

	local := c.sim.SimTime()
	err := c.reproject(local, simTime)
	c.sim.SetSimTime(simTime)

	c.logger.Info("Forced time sync",
		log.Float64("from", local),
		log.Float64("to", simTime))

	if err != nil {
		c.logger.Debug("Forced sync without re-anchoring", log.Error(err))
	}
}

// ApplyAuthorityTime applies an authoritative clock value. It only moves the
// clock forward and only when the authority is ahead by more than the guard.
func (c *Clock) ApplyAuthorityTime(simTime float64) bool {
	if !(simTime > 0) || math.IsInf(simTime, 0) {
		return false
	}
	if simTime-c.sim.SimTime() <= c.guard {
		return false
	}
	c.ForceTimeSync(simTime)
	return true
}

// reproject samples the controlled trajectory at sampleAt and anchors a new one
// at epoch.
func (c *Clock) reproject(sampleAt, epoch float64) error {
	if c.anchor == nil || c.model == nil {
		return ErrNoControlled
	}
	entity, ok := c.anchor.ControlledEntity()
	if !ok {
		return ErrNoControlled
	}
	traj := entity.Trajectory()
	if traj == nil {
		return ErrNoControlled
	}
	body, ok := c.anchor.Body(entity.ParentBodyID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBody, entity.ParentBodyID())
	}
	pos, vel := traj.StateAt(sampleAt)
	entity.SetTrajectory(c.model.Build(body, epoch, pos, vel))
	return nil
}

// RemovePeer forgets a disconnected peer.
func (c *Clock) RemovePeer(peer string) {
	if c.peers.delete(peer) {
		c.logger.Debug("Removed peer time", log.String("peer", peer))
	}
}

// Reset forgets every peer.
func (c *Clock) Reset() {
	c.peers.clear()
}

// Peers lists peers with a time record, sorted.
func (c *Clock) Peers() []string {
	var out []string
	c.peers.each(func(peer string, _ *PeerTimeRecord) {
		out = append(out, peer)
	})
	sort.Strings(out)
	return out
}

// Status renders a one-line summary for diagnostics.
func (c *Clock) Status() string {
	diffs := c.TimeDifferences()
	if len(diffs) == 0 {
		return fmt.Sprintf("local=%.1f no peers", c.sim.SimTime())
	}

	peers := make([]string, 0, len(diffs))
	for p := range diffs {
		peers = append(peers, p)
	}
	sort.Strings(peers)

	threshold := c.Threshold()
	same := 0
	var b strings.Builder
	for _, p := range peers {
		d := diffs[p]
		if math.Abs(d) <= threshold {
			same++
		}
		fmt.Fprintf(&b, " %s:%+.1f", p, d)
	}
	return fmt.Sprintf("local=%.1f same=%d/%d%s", c.sim.SimTime(), same, len(peers), b.String())
}
