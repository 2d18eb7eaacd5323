package routing

import (
	"sort"
	"strconv"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/metrics"
)

const (
	DefaultBucketCount   = 1000
	DefaultFallbackRings = 3
)

type position struct {
	hash     uint64
	endpoint int // index into Router.endpoints
}

// ring is sorted by hash, ties broken by endpoint index.
type ring []position

func (r ring) search(h uint64) int {
	i := sort.Search(len(r), func(i int) bool { return r[i].hash >= h })
	if i == len(r) {
		return 0
	}
	return i
}

type options struct {
	hash          HashFunction
	bucketCount   int
	live          Liveness
	fallbackRings int
}

// Option configures Build.
type Option func(*options)

func WithHashFunction(h HashFunction) Option {
	return func(o *options) { o.hash = h }
}

// WithBucketCount sets the number of virtual positions per endpoint on each
// ring.
func WithBucketCount(n int) Option {
	return func(o *options) { o.bucketCount = n }
}

func WithLiveness(l Liveness) Option {
	return func(o *options) { o.live = l }
}

// WithFallbackRings sets how many salted alternate rings are probed when the
// primary choice is down.
func WithFallbackRings(n int) Option {
	return func(o *options) { o.fallbackRings = n }
}

// Router routes keys over one immutable endpoint snapshot.
type Router struct {
	endpoints  []Endpoint
	partitions int
	hash       HashFunction
	live       Liveness
	buckets    int

	primary  []ring   // by partition
	fallback [][]ring // by partition, then fallback round
}

// Build validates the endpoint set and precomputes every ring.
func Build(endpoints []Endpoint, opts ...Option) (*Router, error) {
	o := options{
		hash:          MD5{},
		bucketCount:   DefaultBucketCount,
		live:          AllLive,
		fallbackRings: DefaultFallbackRings,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bucketCount <= 0 {
		return nil, errors.Newf(errors.ErrTopology, "bucket count must be positive, got %d", o.bucketCount)
	}
	if o.fallbackRings < 0 {
		o.fallbackRings = 0
	}

	if len(endpoints) == 0 {
		return nil, errors.New(errors.ErrTopology, "no endpoints")
	}
	eps := normalize(endpoints)
	for i, e := range eps {
		if e.ID == "" {
			return nil, errors.New(errors.ErrTopology, "endpoint with empty id")
		}
		if i > 0 && eps[i-1].ID == e.ID {
			return nil, errors.Newf(errors.ErrTopology, "duplicate endpoint %q", e.ID)
		}
		if len(e.Partitions) == 0 {
			return nil, errors.Newf(errors.ErrTopology, "endpoint %q serves no partitions", e.ID)
		}
		if e.Partitions[0] < 0 {
			return nil, errors.Newf(errors.ErrTopology, "endpoint %q serves negative partition %d", e.ID, e.Partitions[0])
		}
	}

	n := PartitionCount(eps)
	members := make([][]int, n)
	for i, e := range eps {
		for _, p := range e.Partitions {
			members[p] = append(members[p], i)
		}
	}
	for p, m := range members {
		if len(m) == 0 {
			return nil, errors.Newf(errors.ErrTopology, "partition %d has no endpoint", p)
		}
	}

	r := &Router{
		endpoints:  eps,
		partitions: n,
		hash:       o.hash,
		live:       o.live,
		buckets:    o.bucketCount,
		primary:    make([]ring, n),
		fallback:   make([][]ring, n),
	}
	for p, m := range members {
		r.primary[p] = r.buildRing(m, 0)
		r.fallback[p] = make([]ring, o.fallbackRings)
		for salt := 1; salt <= o.fallbackRings; salt++ {
			r.fallback[p][salt-1] = r.buildRing(m, salt)
		}
	}
	return r, nil
}

func (r *Router) buildRing(members []int, salt int) ring {
	out := make(ring, 0, len(members)*r.buckets)
	buf := make([]byte, 0, 64)
	for _, idx := range members {
		id := r.endpoints[idx].ID
		for b := 0; b < r.buckets; b++ {
			buf = append(buf[:0], id...)
			buf = append(buf, '#')
			buf = strconv.AppendInt(buf, int64(b), 10)
			if salt > 0 {
				buf = append(buf, '#')
				buf = strconv.AppendInt(buf, int64(salt), 10)
			}
			out = append(out, position{hash: r.hash.Hash(buf), endpoint: idx})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].hash != out[j].hash {
			return out[i].hash < out[j].hash
		}
		return out[i].endpoint < out[j].endpoint
	})
	return out
}

// PartitionCount returns the number of partitions covered by the router.
func (r *Router) PartitionCount() int { return r.partitions }

// Endpoints returns a copy of the endpoint snapshot, sorted by ID.
func (r *Router) Endpoints() []Endpoint {
	out := make([]Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// PartitionEndpoints lists the endpoints serving partition p.
func (r *Router) PartitionEndpoints(p int) []Endpoint {
	var out []Endpoint
	for _, e := range r.endpoints {
		if e.Serves(p) {
			out = append(out, e)
		}
	}
	return out
}

// Partition returns the partition a key hashes to.
func (r *Router) Partition(key string) int {
	return int(r.hash.Hash([]byte(key)) % uint64(r.partitions))
}

// Route picks a live endpoint for key.
func (r *Router) Route(key string) (Endpoint, error) {
	h := r.hash.Hash([]byte(key))
	return r.route(int(h%uint64(r.partitions)), h)
}

// RoutePartition picks a live endpoint for key inside a known partition.
func (r *Router) RoutePartition(partition int, key string) (Endpoint, error) {
	if partition < 0 || partition >= r.partitions {
		metrics.RoutesTotal.WithLabelValues("unavailable").Inc()
		return Endpoint{}, errors.Newf(errors.ErrNoAvailableEndpoint, "partition %d out of range [0, %d)", partition, r.partitions)
	}
	return r.route(partition, r.hash.Hash([]byte(key)))
}

func (r *Router) route(p int, h uint64) (Endpoint, error) {
	primary := r.primary[p]
	start := primary.search(h)
	if e := r.endpoints[primary[start].endpoint]; r.live(e) {
		metrics.RoutesTotal.WithLabelValues("primary").Inc()
		return e, nil
	}

	tried := map[int]bool{primary[start].endpoint: true}
	for _, alt := range r.fallback[p] {
		idx := alt[alt.search(h)].endpoint
		if tried[idx] {
			continue
		}
		tried[idx] = true
		if e := r.endpoints[idx]; r.live(e) {
			metrics.RoutesTotal.WithLabelValues("fallback").Inc()
			return e, nil
		}
	}

	// Clockwise walk over the remaining distinct endpoints.
	for i := 1; i < len(primary); i++ {
		idx := primary[(start+i)%len(primary)].endpoint
		if tried[idx] {
			continue
		}
		tried[idx] = true
		if e := r.endpoints[idx]; r.live(e) {
			metrics.RoutesTotal.WithLabelValues("fallback").Inc()
			return e, nil
		}
	}

	metrics.RoutesTotal.WithLabelValues("unavailable").Inc()
	return Endpoint{}, errors.Newf(errors.ErrNoAvailableEndpoint, "no live endpoint for partition %d", p)
}
