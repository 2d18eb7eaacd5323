package routing

import (
	"sync/atomic"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/metrics"
)

// Holder publishes the current Router. Readers never observe a partially
// built ring.
type Holder struct {
	current atomic.Pointer[Router]
}

func NewHolder(r *Router) *Holder {
	h := &Holder{}
	if r != nil {
		h.Swap(r)
	}
	return h
}

// Load returns the current router, or nil before the first Swap.
func (h *Holder) Load() *Router { return h.current.Load() }

// Swap installs r and returns the previous router.
func (h *Holder) Swap(r *Router) *Router {
	old := h.current.Swap(r)
	if r != nil {
		metrics.RouterPartitions.Set(float64(r.PartitionCount()))
		metrics.RouterEndpoints.Set(float64(len(r.endpoints)))
	}
	return old
}

// Route routes through the current router.
func (h *Holder) Route(key string) (Endpoint, error) {
	r := h.Load()
	if r == nil {
		return Endpoint{}, errors.New(errors.ErrTopology, "no routing table installed")
	}
	return r.Route(key)
}
