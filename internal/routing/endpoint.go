// Package routing maps keys to the endpoints serving their partition using
// consistent-hash rings. A Router is immutable; membership changes build a
// new one which is published through a Holder.
package routing

import "sort"

// Endpoint is a node address plus the partitions it serves.
type Endpoint struct {
	ID         string `json:"id"`
	Addr       string `json:"addr"`
	Partitions []int  `json:"partitions"`
}

// Serves reports whether the endpoint serves partition p.
func (e Endpoint) Serves(p int) bool {
	for _, x := range e.Partitions {
		if x == p {
			return true
		}
	}
	return false
}

// Liveness is consulted at route time for every candidate endpoint.
type Liveness func(Endpoint) bool

// AllLive treats every endpoint as reachable.
func AllLive(Endpoint) bool { return true }

// PartitionCount is the largest partition id served by any endpoint plus one.
func PartitionCount(endpoints []Endpoint) int {
	n := 0
	for _, e := range endpoints {
		for _, p := range e.Partitions {
			if p+1 > n {
				n = p + 1
			}
		}
	}
	return n
}

// normalize copies endpoints, drops duplicate partition ids, and sorts both
// endpoints (by ID) and their partitions so ring construction is independent
// of input order.
func normalize(endpoints []Endpoint) []Endpoint {
	out := make([]Endpoint, len(endpoints))
	for i, e := range endpoints {
		seen := make(map[int]struct{}, len(e.Partitions))
		parts := make([]int, 0, len(e.Partitions))
		for _, p := range e.Partitions {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			parts = append(parts, p)
		}
		sort.Ints(parts)
		out[i] = Endpoint{ID: e.ID, Addr: e.Addr, Partitions: parts}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
