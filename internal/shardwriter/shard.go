// Package shardwriter builds a new generation of a shard from intermediate
// index forms in local scratch space and promotes it into the shard's
// permanent location.
package shardwriter

import (
	"context"
	"strconv"
	"sync"

	"Distributed-index/internal/errors"
)

// NoGeneration marks a shard that has never been promoted.
const NoGeneration int64 = -1

// Shard describes one shard's permanent location and current generation.
type Shard struct {
	ID         int    `json:"id"`
	Dir        string `json:"dir"`
	Generation int64  `json:"generation"`
}

// Next returns the descriptor after one more successful promotion.
func (s Shard) Next() Shard {
	n := s
	if s.Generation < 0 {
		n.Generation = 0
	} else {
		n.Generation = s.Generation + 1
	}
	return n
}

func (s Shard) label() string { return strconv.Itoa(s.ID) }

// Registry records the generation of every shard.
type Registry interface {
	Get(ctx context.Context, id int) (Shard, bool, error)
	// Record stores s. Generations must strictly increase per shard.
	Record(ctx context.Context, s Shard) error
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	shards map[int]Shard
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{shards: make(map[int]Shard)}
}

func (r *MemoryRegistry) Get(_ context.Context, id int) (Shard, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[id]
	return s, ok, nil
}

func (r *MemoryRegistry) Record(_ context.Context, s Shard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := CheckAdvance(r.shards, s); err != nil {
		return err
	}
	r.shards[s.ID] = s
	return nil
}

// All returns a copy of every recorded shard.
func (r *MemoryRegistry) All() map[int]Shard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]Shard, len(r.shards))
	for id, s := range r.shards {
		out[id] = s
	}
	return out
}

// CheckAdvance rejects a descriptor that does not move its shard's
// generation forward.
func CheckAdvance(known map[int]Shard, s Shard) error {
	if s.Generation < NoGeneration {
		return errors.Newf(errors.ErrShard, "shard %d has invalid generation %d", s.ID, s.Generation)
	}
	if prev, ok := known[s.ID]; ok && s.Generation <= prev.Generation {
		return errors.Newf(errors.ErrShard, "shard %d generation %d does not advance past %d", s.ID, s.Generation, prev.Generation)
	}
	return nil
}
