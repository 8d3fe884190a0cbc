package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/models"
)

func snapshot(q *UpdateQueue, seq uint32, emit float64) *models.Snapshot {
	s := q.Acquire()
	s.Key = models.NewEntityKey("bob", "ship")
	s.Sequence = seq
	s.EmitTime = emit
	return s
}

func TestEnqueueDequeueCount(t *testing.T) {
	q := New(50, nil)
	for i := uint32(1); i <= 3; i++ {
		q.Enqueue(snapshot(q, i, float64(i)))
	}
	assert.Equal(t, 3, q.Count())

	s, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, uint32(1), s.Sequence)
	assert.Equal(t, 2, q.Count())
}

func TestFIFOOrder(t *testing.T) {
	q := New(5, nil)
	for i := uint32(1); i <= 4; i++ {
		q.Enqueue(snapshot(q, i, float64(i)))
	}
	peeked, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, uint32(1), peeked.Sequence)

	for want := uint32(1); want <= 4; want++ {
		s, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, s.Sequence)
		q.Recycle(s)
	}
	_, ok = q.Dequeue()
	assert.False(t, ok)
	_, ok = q.Peek()
	assert.False(t, ok)
}

func TestBoundedEvictsOldest(t *testing.T) {
	q := New(50, nil)
	for i := uint32(1); i <= 50; i++ {
		q.Enqueue(snapshot(q, i, float64(i)))
		require.LessOrEqual(t, q.Count(), 50)
	}
	q.Enqueue(snapshot(q, 51, 51))

	assert.Equal(t, 50, q.Count())
	assert.Equal(t, uint64(1), q.Stats().Evicted)

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, uint32(2), head.Sequence, "item 1 evicted, item 2 is now the head")

	for i := uint32(52); i <= 200; i++ {
		q.Enqueue(snapshot(q, i, float64(i)))
		require.LessOrEqual(t, q.Count(), 50)
	}
}

func TestSequenceAnomaliesAreCountedNotRejected(t *testing.T) {
	q := New(10, nil)
	q.Enqueue(snapshot(q, 1, 1))
	q.Enqueue(snapshot(q, 3, 3))
	q.Enqueue(snapshot(q, 2, 2))

	st := q.Stats()
	assert.Equal(t, uint64(1), st.SequenceGaps)
	assert.Equal(t, uint64(1), st.SequenceRegressions)
	assert.Equal(t, 3, q.Count())
}

func TestDropOld(t *testing.T) {
	q := New(10, nil)
	for i, emit := range []float64{1, 50, 2, 60, 3} {
		q.Enqueue(snapshot(q, uint32(i+1), emit))
	}

	dropped := q.DropOld(55, 10)
	assert.Equal(t, 3, dropped)
	assert.Equal(t, 2, q.Count())

	first, _ := q.Dequeue()
	second, _ := q.Dequeue()
	assert.Equal(t, 50.0, first.EmitTime)
	assert.Equal(t, 60.0, second.EmitTime)
	assert.Equal(t, uint64(3), q.Stats().DroppedStale)
}

func TestDropOldAfterWrap(t *testing.T) {
	q := New(3, nil)
	for i := uint32(1); i <= 5; i++ {
		q.Enqueue(snapshot(q, i, float64(i*10)))
	}
	assert.Equal(t, 1, q.DropOld(45, 10))
	s, _ := q.Dequeue()
	assert.Equal(t, 40.0, s.EmitTime)
}

func TestClearRecyclesThroughResetPool(t *testing.T) {
	q := New(4, nil)
	s := snapshot(q, 1, 1)
	s.PingSec = 0.3
	s.Aux = append(s.Aux, 1, 2, 3)
	q.Enqueue(s)

	q.Clear()
	assert.Zero(t, q.Count())
	assert.Zero(t, s.PingSec, "recycled snapshots are reset")
	assert.Empty(t, s.Aux)
	assert.Equal(t, models.EntityKey{}, s.Key)
}

func TestConcurrentProducerConsumer(t *testing.T) {
	q := New(50, nil)
	const n = 2000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(1); i <= n; i++ {
			q.Enqueue(snapshot(q, i, float64(i)))
		}
	}()

	var last uint32
	consumed := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		if s, ok := q.Dequeue(); ok {
			require.Greater(t, s.Sequence, last, "order preserved across goroutines")
			last = s.Sequence
			consumed++
			q.Recycle(s)
			continue
		}
		select {
		case <-done:
			for {
				s, ok := q.Dequeue()
				if !ok {
					st := q.Stats()
					assert.Equal(t, uint64(n), uint64(consumed)+st.Evicted)
					return
				}
				require.Greater(t, s.Sequence, last)
				last = s.Sequence
				consumed++
			}
		default:
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(config.Default().Queue)
	a := models.NewEntityKey("alice", "1")
	b := models.NewEntityKey("alice", "2")
	c := models.NewEntityKey("bob", "1")

	qa := r.GetOrCreate(a)
	assert.Same(t, qa, r.GetOrCreate(a))
	r.GetOrCreate(b)
	r.GetOrCreate(c)
	assert.Equal(t, []models.EntityKey{a, b, c}, r.Keys())
	assert.Equal(t, 50, qa.Capacity())

	qa.Enqueue(snapshot(qa, 1, 1))
	assert.Equal(t, uint64(1), r.Stats().Enqueued)

	removed := r.RemoveOwner("alice")
	assert.ElementsMatch(t, []models.EntityKey{a, b}, removed)
	_, ok := r.Get(a)
	assert.False(t, ok)
	assert.Zero(t, qa.Count())

	assert.True(t, r.Remove(c))
	assert.False(t, r.Remove(c))

	r.Enqueue(a, snapshot(qa, 2, 2))
	fresh, ok := r.Get(a)
	require.True(t, ok)
	assert.NotSame(t, qa, fresh)
	assert.Equal(t, 1, fresh.Count())

	r.ClearAll()
	assert.Zero(t, r.Len())
}

func TestRegistryEnqueueRacingRemove(t *testing.T) {
	r := NewRegistry(config.Default().Queue)
	key := models.NewEntityKey("alice", "ship")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint32(1); ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				s := r.Pool().Get()
				s.Key = key
				s.Sequence = i
				r.Enqueue(key, s)
			}
		}()
	}

	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, time.Millisecond)
	var dropped []*UpdateQueue
	for i := 0; i < 500; i++ {
		if q, ok := r.Get(key); ok {
			r.Remove(key)
			dropped = append(dropped, q)
		}
	}
	close(stop)
	wg.Wait()

	for _, q := range dropped {
		assert.Zero(t, q.Count(), "no snapshot lands in a removed queue")
	}
	if live, ok := r.Get(key); ok {
		for _, q := range dropped {
			assert.NotSame(t, q, live)
		}
	}
}
