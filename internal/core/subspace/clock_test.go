package subspace

import (
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/models"
	"github.com/zeusync/warpsync/internal/core/observability/log"
	"github.com/zeusync/warpsync/internal/sandbox"
)

type fakeWall struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeWall() *fakeWall {
	return &fakeWall{now: time.Unix(1_700_000_000, 0)}
}

func (f *fakeWall) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeWall) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fixture struct {
	clock  *Clock
	wall   *fakeWall
	sim    *sandbox.Clock
	world  *sandbox.World
	entity *sandbox.Entity
}

func newFixture(t *testing.T, localTime float64) *fixture {
	t.Helper()
	wall := newFakeWall()
	sim := sandbox.NewClock(localTime)
	world := sandbox.NewWorld(sandbox.NewBody("kerbin", 0))
	entity := sandbox.NewEntity("ship", "hopper", "kerbin", &sandbox.LinearTrajectory{
		Anchor:   localTime,
		Position: mgl64.Vec3{100, 0, 0},
		Velocity: mgl64.Vec3{2, 0, 0},
	})
	world.AddLocal(entity)
	require.NoError(t, world.Control("ship"))

	clock := NewClock(config.Default().Subspace, "local", sim, world, sandbox.LinearModel{}, log.NewNop(), WithWallClock(wall))
	return &fixture{clock: clock, wall: wall, sim: sim, world: world, entity: entity}
}

func TestLocalPeerIsAlwaysSameSubspace(t *testing.T) {
	f := newFixture(t, 50)
	assert.True(t, f.clock.IsSameSubspace("local"))

	f.sim.SetSimTime(1e9)
	assert.True(t, f.clock.IsSameSubspace("local"))
	assert.Equal(t, models.VisibilityFull, f.clock.Visibility("local"))
}

func TestPredictedTimeProjectsWallClock(t *testing.T) {
	f := newFixture(t, 100)
	require.True(t, f.clock.UpdatePeerTime("bob", 100))

	f.wall.Advance(3 * time.Second)
	assert.InDelta(t, 103.0, f.clock.PredictedTime("bob"), 1e-9)
}

func TestPredictedTimeNonDecreasing(t *testing.T) {
	f := newFixture(t, 10)
	f.clock.UpdatePeerTime("bob", 42)

	prev := f.clock.PredictedTime("bob")
	for i := 0; i < 100; i++ {
		f.wall.Advance(time.Duration(i%7) * 13 * time.Millisecond)
		next := f.clock.PredictedTime("bob")
		require.GreaterOrEqual(t, next, prev)
		prev = next
	}
}

func TestUnknownPeer(t *testing.T) {
	f := newFixture(t, 10)
	assert.Zero(t, f.clock.PredictedTime("ghost"))
	assert.False(t, f.clock.IsSameSubspace("ghost"))
	_, ok := f.clock.TimeDifference("ghost")
	assert.False(t, ok)
}

func TestNonPositiveTimesIgnored(t *testing.T) {
	f := newFixture(t, 10)
	assert.False(t, f.clock.UpdatePeerTime("bob", 0))
	assert.False(t, f.clock.UpdatePeerTime("bob", -5))
	assert.Zero(t, f.clock.PredictedTime("bob"))

	f.clock.UpdatePeerTime("bob", 12)
	f.clock.UpdatePeerTime("bob", -1)
	assert.InDelta(t, 12.0, f.clock.PredictedTime("bob"), 1e-9)
}

func TestLastWriteWins(t *testing.T) {
	f := newFixture(t, 10)
	f.clock.UpdatePeerTime("bob", 30)
	f.clock.UpdatePeerTime("bob", 20)
	assert.InDelta(t, 20.0, f.clock.PredictedTime("bob"), 1e-9)
}

func TestSameSubspaceThreshold(t *testing.T) {
	f := newFixture(t, 100)
	f.clock.UpdatePeerTime("near", 104.9)
	f.clock.UpdatePeerTime("far", 105.1)
	f.clock.UpdatePeerTime("behind", 94)

	assert.True(t, f.clock.IsSameSubspace("near"))
	assert.False(t, f.clock.IsSameSubspace("far"))
	assert.False(t, f.clock.IsSameSubspace("behind"))
	assert.Equal(t, models.VisibilityGhost, f.clock.Visibility("far"))

	f.clock.SetThreshold(10)
	assert.True(t, f.clock.IsSameSubspace("far"))
	assert.True(t, f.clock.IsSameSubspace("behind"))

	f.clock.SetThreshold(-1)
	assert.Equal(t, 10.0, f.clock.Threshold())
}

func TestSyncToPlayerRefusesBackward(t *testing.T) {
	f := newFixture(t, 100)
	f.clock.UpdatePeerTime("bob", 80)

	err := f.clock.SyncToPlayer("bob")
	require.ErrorIs(t, err, ErrNotAhead)
	assert.Equal(t, 100.0, f.sim.SimTime())

	require.ErrorIs(t, f.clock.SyncToPlayer("nobody"), ErrUnknownPeer)
	require.ErrorIs(t, f.clock.SyncToPlayer("local"), ErrSelfSync)
}

func TestSyncToPlayerJumpsAndReprojects(t *testing.T) {
	f := newFixture(t, 100)
	f.clock.UpdatePeerTime("bob", 200)
	f.wall.Advance(2 * time.Second)

	require.NoError(t, f.clock.SyncToPlayer("bob"))

	assert.InDelta(t, 202.0, f.sim.SimTime(), 1e-9)
	assert.True(t, f.clock.IsSameSubspace("bob"))

	traj := f.entity.Trajectory()
	assert.InDelta(t, 202.0, traj.Epoch(), 1e-9)
	pos, vel := traj.StateAt(202)
	// 100 + 2 m/s * 102 s
	assert.InDelta(t, 304.0, pos.X(), 1e-9)
	assert.Equal(t, mgl64.Vec3{2, 0, 0}, vel)
}

func TestForceTimeSyncKeepsPosition(t *testing.T) {
	f := newFixture(t, 100)
	f.sim.SetSimTime(110)

	f.clock.ForceTimeSync(500)

	assert.Equal(t, 500.0, f.sim.SimTime())
	pos, _ := f.entity.Trajectory().StateAt(500)
	assert.InDelta(t, 120.0, pos.X(), 1e-9, "re-anchored at the position held before the jump")

	f.clock.ForceTimeSync(50)
	assert.Equal(t, 50.0, f.sim.SimTime(), "force sync may move backward")
}

func TestApplyAuthorityTime(t *testing.T) {
	f := newFixture(t, 100)

	assert.False(t, f.clock.ApplyAuthorityTime(0))
	assert.False(t, f.clock.ApplyAuthorityTime(-3))
	assert.False(t, f.clock.ApplyAuthorityTime(100.9))
	assert.False(t, f.clock.ApplyAuthorityTime(90))
	assert.Equal(t, 100.0, f.sim.SimTime())

	assert.True(t, f.clock.ApplyAuthorityTime(101.5))
	assert.Equal(t, 101.5, f.sim.SimTime())
}

func TestMostAdvancedPeer(t *testing.T) {
	f := newFixture(t, 100)
	_, _, ok := f.clock.MostAdvancedPeer()
	assert.False(t, ok)

	f.clock.UpdatePeerTime("a", 103)
	f.clock.UpdatePeerTime("b", 140)
	f.clock.UpdatePeerTime("c", 90)

	peer, ahead, ok := f.clock.MostAdvancedPeer()
	require.True(t, ok)
	assert.Equal(t, "b", peer)
	assert.InDelta(t, 40.0, ahead, 1e-9)
	assert.True(t, f.clock.SyncAvailable())

	diffs := f.clock.TimeDifferences()
	assert.Len(t, diffs, 3)
	assert.InDelta(t, -10.0, diffs["c"], 1e-9)
}

func TestRemoveAndReset(t *testing.T) {
	f := newFixture(t, 100)
	f.clock.UpdatePeerTime("a", 101)
	f.clock.UpdatePeerTime("b", 102)
	assert.Equal(t, []string{"a", "b"}, f.clock.Peers())

	f.clock.RemovePeer("a")
	assert.Equal(t, []string{"b"}, f.clock.Peers())
	assert.Zero(t, f.clock.PredictedTime("a"))

	f.clock.Reset()
	assert.Empty(t, f.clock.Peers())
}

func TestSetLocalPeer(t *testing.T) {
	f := newFixture(t, 100)
	f.clock.UpdatePeerTime("renamed", 400)
	require.Equal(t, []string{"renamed"}, f.clock.Peers())

	f.clock.SetLocalPeer("renamed")
	assert.Equal(t, "renamed", f.clock.LocalPeer())
	assert.Empty(t, f.clock.Peers())
	assert.True(t, f.clock.IsSameSubspace("renamed"))
	assert.False(t, f.clock.UpdatePeerTime("renamed", 500))
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 100)
	assert.Contains(t, f.clock.Status(), "no peers")

	f.clock.UpdatePeerTime("a", 101)
	f.clock.UpdatePeerTime("b", 300)
	assert.Contains(t, f.clock.Status(), "same=1/2")
}

func TestConcurrentUpdatesAndReads(t *testing.T) {
	f := newFixture(t, 100)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 1; i <= 500; i++ {
				f.clock.UpdatePeerTime("peer", float64(i))
				_ = f.clock.IsSameSubspace("peer")
			}
		}(w)
	}
	wg.Wait()
	assert.Greater(t, f.clock.PredictedTime("peer"), 0.0)
}
