package queue

import (
	"sort"
	"sync"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/models"
)

// Registry owns one UpdateQueue per remote entity.
type Registry struct {
	mu      sync.RWMutex
	queues  map[models.EntityKey]*UpdateQueue
	maxSize int
	pool    *SnapshotPool
}

func NewRegistry(cfg config.Queue) *Registry {
	return &Registry{
		queues:  make(map[models.EntityKey]*UpdateQueue),
		maxSize: cfg.MaxSize,
		pool:    NewSnapshotPool(cfg.PoolWarm),
	}
}

// Pool is shared by every queue of the registry.
func (r *Registry) Pool() *SnapshotPool {
	return r.pool
}

func (r *Registry) GetOrCreate(key models.EntityKey) *UpdateQueue {
	r.mu.RLock()
	q, ok := r.queues[key]
	r.mu.RUnlock()
	if ok {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok = r.queues[key]; !ok {
		q = New(r.maxSize, r.pool)
		r.queues[key] = q
	}
	return q
}

// Enqueue queues s for key, creating the queue on first use. The registry lock
// is held across the enqueue so a concurrent Remove never strands s in a
// queue that has already been dropped.
func (r *Registry) Enqueue(key models.EntityKey, s *models.Snapshot) {
	r.mu.RLock()
	if q, ok := r.queues[key]; ok {
		q.Enqueue(s)
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[key]
	if !ok {
		q = New(r.maxSize, r.pool)
		r.queues[key] = q
	}
	q.Enqueue(s)
}

func (r *Registry) Get(key models.EntityKey) (*UpdateQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[key]
	return q, ok
}

// Remove drops the queue for key, recycling its contents.
func (r *Registry) Remove(key models.EntityKey) bool {
	r.mu.Lock()
	q, ok := r.queues[key]
	delete(r.queues, key)
	r.mu.Unlock()

	if ok {
		q.Clear()
	}
	return ok
}

// RemoveOwner drops every queue belonging to owner and returns their keys.
func (r *Registry) RemoveOwner(owner models.PeerID) []models.EntityKey {
	r.mu.Lock()
	var removed []*UpdateQueue
	var keys []models.EntityKey
	for key, q := range r.queues {
		if key.Owner == owner {
			keys = append(keys, key)
			removed = append(removed, q)
			delete(r.queues, key)
		}
	}
	r.mu.Unlock()

	for _, q := range removed {
		q.Clear()
	}
	return keys
}

func (r *Registry) ClearAll() {
	r.mu.Lock()
	queues := r.queues
	r.queues = make(map[models.EntityKey]*UpdateQueue)
	r.mu.Unlock()

	for _, q := range queues {
		q.Clear()
	}
}

// Keys returns registered keys in a stable order.
func (r *Registry) Keys() []models.EntityKey {
	r.mu.RLock()
	keys := make([]models.EntityKey, 0, len(r.queues))
	for key := range r.queues {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Owner != keys[j].Owner {
			return keys[i].Owner < keys[j].Owner
		}
		return keys[i].Entity < keys[j].Entity
	})
	return keys
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}

// Stats sums the statistics of every queue.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total Stats
	for _, q := range r.queues {
		s := q.Stats()
		total.Enqueued += s.Enqueued
		total.Dequeued += s.Dequeued
		total.Evicted += s.Evicted
		total.DroppedStale += s.DroppedStale
		total.SequenceGaps += s.SequenceGaps
		total.SequenceRegressions += s.SequenceRegressions
	}
	return total
}
