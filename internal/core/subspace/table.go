package subspace

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// PeerTimeRecord is the last simulation time a peer reported together with the
// wall-clock instant it arrived. Records are immutable and replaced as a whole.
type PeerTimeRecord struct {
	SimTime    float64
	ReceivedAt time.Time
}

// Predict projects the record forward to now.
func (r *PeerTimeRecord) Predict(now time.Time) float64 {
	elapsed := now.Sub(r.ReceivedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return r.SimTime + elapsed
}

// peerTable is a hash-sharded map of peer id to atomically swapped records.
// Writers on the receive path and readers on the tick path only contend on a
// shard lock when a peer is first seen or removed.
type peerTable struct {
	shards []peerShard
	mask   uint64
}

type peerShard struct {
	mu      sync.RWMutex
	records map[string]*atomic.Pointer[PeerTimeRecord]
}

func newPeerTable(shards int) *peerTable {
	if shards <= 0 || shards&(shards-1) != 0 {
		shards = 16
	}
	t := &peerTable{
		shards: make([]peerShard, shards),
		mask:   uint64(shards - 1),
	}
	for i := range t.shards {
		t.shards[i].records = make(map[string]*atomic.Pointer[PeerTimeRecord])
	}
	return t
}

func (t *peerTable) shard(peer string) *peerShard {
	return &t.shards[xxhash.Sum64String(peer)&t.mask]
}

func (t *peerTable) store(peer string, rec *PeerTimeRecord) {
	s := t.shard(peer)

	s.mu.RLock()
	slot, ok := s.records[peer]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		if slot, ok = s.records[peer]; !ok {
			slot = &atomic.Pointer[PeerTimeRecord]{}
			s.records[peer] = slot
		}
		s.mu.Unlock()
	}
	slot.Store(rec)
}

func (t *peerTable) load(peer string) *PeerTimeRecord {
	s := t.shard(peer)
	s.mu.RLock()
	slot, ok := s.records[peer]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return slot.Load()
}

func (t *peerTable) delete(peer string) bool {
	s := t.shard(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[peer]
	delete(s.records, peer)
	return ok
}

// each calls fn for every peer with a record. Iteration order is unspecified.
func (t *peerTable) each(fn func(peer string, rec *PeerTimeRecord)) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for peer, slot := range s.records {
			if rec := slot.Load(); rec != nil {
				fn(peer, rec)
			}
		}
		s.mu.RUnlock()
	}
}

func (t *peerTable) clear() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		clear(s.records)
		s.mu.Unlock()
	}
}

func (t *peerTable) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}
