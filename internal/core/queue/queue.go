// Package queue buffers received snapshots per remote entity until the
// interpolation engine consumes them.
package queue

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/zeusync/warpsync/internal/core/models"
	"github.com/zeusync/warpsync/pkg/generic"
)

// SnapshotPool recycles snapshots between the receive path and the engine.
type SnapshotPool = generic.Pool[*models.Snapshot]

func NewSnapshotPool(warm int) *SnapshotPool {
	return generic.NewHotPool(
		func() *models.Snapshot {
			return &models.Snapshot{Orientation: mgl64.QuatIdent()}
		},
		func(s *models.Snapshot) { s.Reset() },
		warm,
	)
}

type Stats struct {
	Enqueued            uint64
	Dequeued            uint64
	Evicted             uint64
	DroppedStale        uint64
	SequenceGaps        uint64
	SequenceRegressions uint64
}

// UpdateQueue is a bounded FIFO of snapshots for one entity. One goroutine
// enqueues and another dequeues; all methods are safe for that use.
type UpdateQueue struct {
	mu    sync.Mutex
	ring  []*models.Snapshot
	head  int
	size  int
	pool  *SnapshotPool
	stats Stats

	lastSeq uint32
	hasSeq  bool
}

func New(maxSize int, pool *SnapshotPool) *UpdateQueue {
	if maxSize <= 0 {
		maxSize = 1
	}
	if pool == nil {
		pool = NewSnapshotPool(0)
	}
	return &UpdateQueue{
		ring: make([]*models.Snapshot, maxSize),
		pool: pool,
	}
}

// Acquire returns a clean snapshot from the pool for the caller to fill and Enqueue.
func (q *UpdateQueue) Acquire() *models.Snapshot {
	return q.pool.Get()
}

// Recycle hands a consumed snapshot back to the pool.
func (q *UpdateQueue) Recycle(s *models.Snapshot) {
	if s != nil {
		q.pool.Put(s)
	}
}

// Enqueue appends s, taking ownership. When the queue is full the oldest entry
// is evicted and recycled first. Sequence anomalies are counted, never rejected.
func (q *UpdateQueue) Enqueue(s *models.Snapshot) {
	if s == nil {
		return
	}

	q.mu.Lock()
	var evicted *models.Snapshot
	if q.size == len(q.ring) {
		evicted = q.popLocked()
		q.stats.Evicted++
	}

	if q.hasSeq {
		switch {
		case s.Sequence <= q.lastSeq:
			q.stats.SequenceRegressions++
		case s.Sequence > q.lastSeq+1:
			q.stats.SequenceGaps++
		}
	}
	q.lastSeq, q.hasSeq = s.Sequence, true

	q.ring[(q.head+q.size)%len(q.ring)] = s
	q.size++
	q.stats.Enqueued++
	q.mu.Unlock()

	q.Recycle(evicted)
}

// Dequeue removes and returns the oldest snapshot. The caller owns it and
// should Recycle it when done.
func (q *UpdateQueue) Dequeue() (*models.Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil, false
	}
	q.stats.Dequeued++
	return q.popLocked(), true
}

// Peek returns the oldest snapshot without removing it. The snapshot stays
// owned by the queue and must not be modified.
func (q *UpdateQueue) Peek() (*models.Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil, false
	}
	return q.ring[q.head], true
}

func (q *UpdateQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *UpdateQueue) Capacity() int {
	return len(q.ring)
}

// Clear recycles every queued snapshot and forgets the sequence history.
func (q *UpdateQueue) Clear() {
	q.mu.Lock()
	drained := make([]*models.Snapshot, 0, q.size)
	for q.size > 0 {
		drained = append(drained, q.popLocked())
	}
	q.hasSeq = false
	q.mu.Unlock()

	for _, s := range drained {
		q.Recycle(s)
	}
}

// DropOld discards snapshots emitted more than maxAge before now, keeping the
// order of the rest. It returns how many were dropped.
func (q *UpdateQueue) DropOld(now, maxAge float64) int {
	cutoff := now - maxAge

	q.mu.Lock()
	var dropped []*models.Snapshot
	kept := 0
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % len(q.ring)
		s := q.ring[idx]
		q.ring[idx] = nil
		if s.EmitTime < cutoff {
			dropped = append(dropped, s)
			continue
		}
		q.ring[(q.head+kept)%len(q.ring)] = s
		kept++
	}
	q.size = kept
	q.stats.DroppedStale += uint64(len(dropped))
	q.mu.Unlock()

	for _, s := range dropped {
		q.Recycle(s)
	}
	return len(dropped)
}

func (q *UpdateQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *UpdateQueue) popLocked() *models.Snapshot {
	s := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	return s
}
