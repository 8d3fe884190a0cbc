package interp

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/host"
	"github.com/zeusync/warpsync/internal/core/models"
	"github.com/zeusync/warpsync/internal/core/observability/log"
	"github.com/zeusync/warpsync/internal/core/queue"
	"github.com/zeusync/warpsync/internal/sandbox"
)

type oracle map[string]models.Visibility

func (o oracle) Visibility(peer string) models.Visibility {
	return o[peer]
}

type panicHandle struct{}

func (panicHandle) ApplyPose(models.Pose, host.Trajectory) { panic("renderer exploded") }
func (panicHandle) SetVisibility(models.Visibility)        {}

type faultyWorld struct {
	*sandbox.World
}

func (w faultyWorld) RemoteEntity(k models.EntityKey) (host.RemoteHandle, bool) {
	if k.Entity == "bad" {
		return panicHandle{}, true
	}
	return w.World.RemoteEntity(k)
}

type engineFixture struct {
	engine   *Engine
	world    *sandbox.World
	registry *queue.Registry
	oracle   oracle
}

func newEngineFixture(world host.World, sb *sandbox.World) *engineFixture {
	cfg := config.Default()
	registry := queue.NewRegistry(cfg.Queue)
	o := oracle{}
	return &engineFixture{
		engine:   NewEngine(cfg.Interpolation, cfg.Queue, world, sandbox.LinearModel{}, registry, o, log.NewNop()),
		world:    sb,
		registry: registry,
		oracle:   o,
	}
}

func (f *engineFixture) receive(k models.EntityKey, emit, x float64) {
	q := f.registry.GetOrCreate(k)
	s := q.Acquire()
	s.Key = k
	s.ParentBodyID = "kerbin"
	s.EmitTime = emit
	s.InertialPos = mgl64.Vec3{x, 0, 0}
	q.Enqueue(s)
	f.engine.Observe(k, "kerbin")
}

func (f *engineFixture) announce(k models.EntityKey) {
	f.engine.Announce(models.TemplateAnnouncement{Key: k, TemplateID: "hopper", ParentBodyID: "kerbin"})
}

func TestEngineWaitsForTemplateBeforeMaterializing(t *testing.T) {
	sb := sandbox.NewWorld(sandbox.NewBody("kerbin", 0))
	f := newEngineFixture(sb, sb)
	k := models.NewEntityKey("bob", "ship")

	f.receive(k, 1, 5)
	require.NoError(t, f.engine.Advance(1.1))
	assert.Zero(t, sb.Requests)
	q, _ := f.registry.Get(k)
	assert.Equal(t, 1, q.Count(), "snapshot waits in the queue")

	f.announce(k)
	require.NoError(t, f.engine.Advance(1.12))
	assert.Equal(t, 1, sb.Requests)

	remote, ok := sb.Remote(k)
	require.True(t, ok)
	assert.Equal(t, "hopper", remote.Template)
	pose, ok := remote.LastPose()
	require.True(t, ok)
	assert.Equal(t, mgl64.Vec3{5, 0, 0}, pose.Position)

	r, ok := f.engine.Entity(k)
	require.True(t, ok)
	assert.True(t, r.HasPose)
	assert.False(t, r.CreationPending)
}

func TestEngineDeferredMaterialization(t *testing.T) {
	sb := sandbox.NewWorld(sandbox.NewBody("kerbin", 0))
	sb.DeferMaterialize = true
	f := newEngineFixture(sb, sb)
	k := models.NewEntityKey("bob", "ship")

	f.announce(k)
	f.receive(k, 1, 5)
	require.NoError(t, f.engine.Advance(1.1))
	require.NoError(t, f.engine.Advance(1.12))

	assert.Equal(t, 1, sb.Requests, "one request while creation is pending")
	r, _ := f.engine.Entity(k)
	assert.True(t, r.CreationPending)

	sb.Materialize(k, "hopper")
	require.NoError(t, f.engine.Advance(1.14))
	r, _ = f.engine.Entity(k)
	assert.False(t, r.CreationPending)
	assert.True(t, r.HasPose)
}

func TestEngineAppliesGhostVisibility(t *testing.T) {
	sb := sandbox.NewWorld(sandbox.NewBody("kerbin", 0))
	f := newEngineFixture(sb, sb)
	k := models.NewEntityKey("carol", "probe")
	f.oracle["carol"] = models.VisibilityGhost

	f.announce(k)
	f.receive(k, 500, 1)
	require.NoError(t, f.engine.Advance(1))

	remote, _ := sb.Remote(k)
	assert.Equal(t, models.VisibilityGhost, remote.Visibility())
	_, ok := remote.LastPose()
	assert.True(t, ok, "ghosts still move")

	f.oracle["carol"] = models.VisibilityFull
	require.NoError(t, f.engine.Advance(1.02))
	assert.Equal(t, models.VisibilityFull, remote.Visibility())
}

func TestEngineIsolatesFaults(t *testing.T) {
	sb := sandbox.NewWorld(sandbox.NewBody("kerbin", 0))
	f := newEngineFixture(faultyWorld{sb}, sb)
	bad := models.NewEntityKey("bob", "bad")
	good := models.NewEntityKey("bob", "good")

	f.announce(bad)
	f.announce(good)
	f.receive(bad, 1, 1)
	f.receive(good, 1, 2)

	err := f.engine.Advance(1.1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bob/bad")

	remote, ok := sb.Remote(good)
	require.True(t, ok)
	_, ok = remote.LastPose()
	assert.True(t, ok)
}

func TestEngineSkipsMissingParentBody(t *testing.T) {
	sb := sandbox.NewWorld(sandbox.NewBody("kerbin", 0))
	f := newEngineFixture(sb, sb)
	k := models.NewEntityKey("bob", "ship")
	f.announce(k)

	q := f.registry.GetOrCreate(k)
	s := q.Acquire()
	s.Key, s.ParentBodyID, s.EmitTime = k, "mun", 1
	q.Enqueue(s)
	f.engine.Observe(k, "mun")

	require.NoError(t, f.engine.Advance(1.1))
	remote, _ := sb.Remote(k)
	_, ok := remote.LastPose()
	assert.False(t, ok)

	sb.AddBody(sandbox.NewBody("mun", 0))
	require.NoError(t, f.engine.Advance(1.12))
	_, ok = remote.LastPose()
	assert.True(t, ok)
}

func TestEngineForgetOwner(t *testing.T) {
	sb := sandbox.NewWorld(sandbox.NewBody("kerbin", 0))
	f := newEngineFixture(sb, sb)
	a := models.NewEntityKey("bob", "a")
	b := models.NewEntityKey("bob", "b")
	c := models.NewEntityKey("dave", "c")
	for _, k := range []models.EntityKey{a, b, c} {
		f.announce(k)
		f.receive(k, 1, 0)
	}
	require.NoError(t, f.engine.Advance(1.1))
	require.Equal(t, 3, sb.RemoteCount())

	f.engine.ForgetOwner("bob")
	require.NoError(t, f.engine.Advance(1.12))

	assert.Equal(t, []models.EntityKey{c}, f.engine.Keys())
	assert.Equal(t, 1, sb.RemoteCount())
	assert.Equal(t, []models.EntityKey{c}, f.registry.Keys())
}

func TestEngineRetainManifest(t *testing.T) {
	sb := sandbox.NewWorld(sandbox.NewBody("kerbin", 0))
	f := newEngineFixture(sb, sb)
	a := models.NewEntityKey("bob", "a")
	b := models.NewEntityKey("bob", "b")
	for _, k := range []models.EntityKey{a, b} {
		f.announce(k)
		f.receive(k, 1, 0)
	}
	require.NoError(t, f.engine.Advance(1.1))

	f.engine.Retain(models.OwnershipManifest{Owner: "bob", Entities: []string{"b"}})
	require.NoError(t, f.engine.Advance(1.12))

	assert.Equal(t, []models.EntityKey{b}, f.engine.Keys())
	_, ok := sb.Remote(a)
	assert.False(t, ok)
}

func TestEngineDropsStaleSnapshotsForSameSubspace(t *testing.T) {
	sb := sandbox.NewWorld(sandbox.NewBody("kerbin", 0))
	f := newEngineFixture(sb, sb)
	k := models.NewEntityKey("bob", "ship")
	f.announce(k)
	f.receive(k, 1, 0)
	f.receive(k, 95, 1)

	require.NoError(t, f.engine.Advance(100))

	r, _ := f.engine.Entity(k)
	assert.Equal(t, 95.0, r.Interpolator().To().EmitTime)
	assert.Equal(t, uint64(1), f.registry.Stats().DroppedStale)
}

func TestEngineReset(t *testing.T) {
	sb := sandbox.NewWorld(sandbox.NewBody("kerbin", 0))
	f := newEngineFixture(sb, sb)
	k := models.NewEntityKey("bob", "ship")
	f.announce(k)
	f.receive(k, 1, 0)
	require.NoError(t, f.engine.Advance(1.1))

	f.engine.Reset()
	assert.Zero(t, f.engine.Len())
	assert.Zero(t, sb.RemoteCount())
}
