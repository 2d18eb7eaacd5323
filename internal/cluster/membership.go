// Package cluster tracks which nodes serve which partitions and keeps the
// shard generation registry replicated. Gossip (memberlist) feeds the
// partition router; raft replicates shard generations.
package cluster

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/memberlist"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/logger"
	"Distributed-index/internal/metrics"
	"Distributed-index/internal/routing"
)

// NodeMeta is what every node gossips about itself.
type NodeMeta struct {
	ID         string `json:"id"`
	Addr       string `json:"addr"`
	Partitions []int  `json:"partitions"`
	RaftAddr   string `json:"raft_addr,omitempty"`
}

func (m NodeMeta) endpoint() routing.Endpoint {
	return routing.Endpoint{ID: m.ID, Addr: m.Addr, Partitions: append([]int(nil), m.Partitions...)}
}

// MembershipConfig configures gossip and router rebuilds.
type MembershipConfig struct {
	Self     NodeMeta
	BindAddr string
	BindPort int
	Seeds    []string
	Logger   hclog.Logger
	// RouterOptions are passed to every rebuild. Liveness is managed by the
	// membership and must not be set here.
	RouterOptions []routing.Option
}

// Membership rebuilds the router held in its Holder whenever the set of
// known nodes or their liveness changes.
type Membership struct {
	cfg    MembershipConfig
	holder *routing.Holder
	logger hclog.Logger
	ml     *memberlist.Memberlist

	// rebuildMu orders snapshot, build and swap so a rebuild from an older
	// snapshot never replaces a newer router.
	rebuildMu sync.Mutex

	mu     sync.RWMutex
	peers  map[string]NodeMeta
	down   map[string]bool
	onJoin func(NodeMeta)
	onLeft func(NodeMeta)
}

// NewMembership knows only the local node until Start joins the cluster.
func NewMembership(cfg MembershipConfig, holder *routing.Holder) *Membership {
	if holder == nil {
		holder = routing.NewHolder(nil)
	}
	m := &Membership{
		cfg:    cfg,
		holder: holder,
		logger: logger.OrNop(cfg.Logger).Named("membership"),
		peers:  make(map[string]NodeMeta),
		down:   make(map[string]bool),
	}
	if cfg.Self.ID != "" {
		m.peers[cfg.Self.ID] = cfg.Self
	}
	return m
}

// Holder returns the router holder this membership updates.
func (m *Membership) Holder() *routing.Holder { return m.holder }

// OnJoin and OnLeave register callbacks for peers (not the local node)
// entering or leaving. They are called without locks held.
func (m *Membership) OnJoin(f func(NodeMeta)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onJoin = f
}

func (m *Membership) OnLeave(f func(NodeMeta)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLeft = f
}

// Start creates the memberlist, joins the seeds and builds the first router.
func (m *Membership) Start() error {
	conf := memberlist.DefaultLANConfig()
	conf.Name = m.cfg.Self.ID
	if m.cfg.BindAddr != "" {
		conf.BindAddr = m.cfg.BindAddr
	}
	if m.cfg.BindPort != 0 {
		conf.BindPort = m.cfg.BindPort
		conf.AdvertisePort = m.cfg.BindPort
	}
	conf.Delegate = &metaDelegate{m: m}
	conf.Events = &eventDelegate{m: m}
	conf.Logger = logger.Standard(m.logger.Named("memberlist"))

	ml, err := memberlist.Create(conf)
	if err != nil {
		return errors.Wrap(err, "creating memberlist")
	}
	m.ml = ml

	if err := m.Rebuild(); err != nil {
		m.logger.Warn("initial router build failed", "error", err)
	}

	seeds := make([]string, 0, len(m.cfg.Seeds))
	for _, s := range m.cfg.Seeds {
		if s != "" {
			seeds = append(seeds, s)
		}
	}
	if len(seeds) > 0 {
		n, err := ml.Join(seeds)
		if err != nil {
			ml.Shutdown()
			return errors.Wrap(err, "joining cluster")
		}
		m.logger.Info("joined cluster", "contacted", n)
	}
	m.logger.Info("membership started", "bind", conf.BindAddr, "port", conf.BindPort)
	return nil
}

// Stop leaves the cluster.
func (m *Membership) Stop() {
	if m.ml == nil {
		return
	}
	if err := m.ml.Leave(5 * time.Second); err != nil {
		m.logger.Warn("leave failed", "error", err)
	}
	if err := m.ml.Shutdown(); err != nil {
		m.logger.Warn("memberlist shutdown failed", "error", err)
	}
}

// Observe records a node's metadata, as gossip does on join or update, and
// rebuilds the router.
func (m *Membership) Observe(meta NodeMeta) {
	m.mu.Lock()
	_, known := m.peers[meta.ID]
	m.peers[meta.ID] = meta
	hook := m.onJoin
	m.mu.Unlock()

	if !known {
		m.logger.Info("peer joined", "id", meta.ID, "addr", meta.Addr, "partitions", len(meta.Partitions))
		if hook != nil && meta.ID != m.cfg.Self.ID {
			hook(meta)
		}
	}
	m.rebuildLogged()
}

// Forget drops a node and rebuilds the router.
func (m *Membership) Forget(id string) {
	m.mu.Lock()
	meta, known := m.peers[id]
	delete(m.peers, id)
	delete(m.down, id)
	hook := m.onLeft
	m.mu.Unlock()
	if !known {
		return
	}
	m.logger.Info("peer left", "id", id)
	if hook != nil && id != m.cfg.Self.ID {
		hook(meta)
	}
	m.rebuildLogged()
}

// MarkDown excludes a known node from routing without forgetting it.
func (m *Membership) MarkDown(id string) {
	m.setDown(id, true)
}

// MarkUp reverses MarkDown.
func (m *Membership) MarkUp(id string) {
	m.setDown(id, false)
}

func (m *Membership) setDown(id string, down bool) {
	m.mu.Lock()
	if _, ok := m.peers[id]; !ok || m.down[id] == down {
		m.mu.Unlock()
		return
	}
	if down {
		m.down[id] = true
	} else {
		delete(m.down, id)
	}
	m.mu.Unlock()
	m.logger.Info("peer liveness changed", "id", id, "down", down)
	m.rebuildLogged()
}

// Endpoints returns every known node, sorted by id.
func (m *Membership) Endpoints() []routing.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]routing.Endpoint, 0, len(m.peers))
	for _, meta := range m.peers {
		out = append(out, meta.endpoint())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Down reports whether id is marked down.
func (m *Membership) Down(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.down[id]
}

// Peer returns the metadata gossiped by id.
func (m *Membership) Peer(id string) (NodeMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.peers[id]
	return meta, ok
}

// Rebuild builds a router from the current snapshot and installs it. On
// failure the previous router stays in place.
func (m *Membership) Rebuild() error {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	m.mu.RLock()
	endpoints := make([]routing.Endpoint, 0, len(m.peers))
	for _, meta := range m.peers {
		endpoints = append(endpoints, meta.endpoint())
	}
	down := make(map[string]bool, len(m.down))
	for id := range m.down {
		down[id] = true
	}
	m.mu.RUnlock()

	opts := append(append([]routing.Option(nil), m.cfg.RouterOptions...),
		routing.WithLiveness(func(e routing.Endpoint) bool { return !down[e.ID] }))
	r, err := routing.Build(endpoints, opts...)
	if err != nil {
		metrics.RouterRebuilds.WithLabelValues("error").Inc()
		return err
	}
	m.holder.Swap(r)
	metrics.RouterRebuilds.WithLabelValues("ok").Inc()
	m.logger.Debug("router rebuilt", "endpoints", len(endpoints), "down", len(down), "partitions", r.PartitionCount())
	return nil
}

func (m *Membership) rebuildLogged() {
	if err := m.Rebuild(); err != nil {
		m.logger.Warn("router rebuild failed, keeping previous router", "error", err)
	}
}

// metaDelegate gossips the local NodeMeta.
type metaDelegate struct {
	m *Membership
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	data, err := json.Marshal(d.m.cfg.Self)
	if err != nil || len(data) > limit {
		d.m.logger.Error("node metadata does not fit", "size", len(data), "limit", limit, "error", err)
		return nil
	}
	return data
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

type eventDelegate struct {
	m *Membership
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node)   { d.handle(node) }
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) { d.handle(node) }

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.m.Forget(node.Name)
}

func (d *eventDelegate) handle(node *memberlist.Node) {
	meta, err := decodeMeta(node.Name, node.Meta)
	if err != nil {
		d.m.logger.Error("bad peer metadata", "node", node.Name, "addr", node.Address(), "error", err)
		return
	}
	d.m.Observe(meta)
}

func decodeMeta(name string, data []byte) (NodeMeta, error) {
	var meta NodeMeta
	if len(data) == 0 {
		return meta, errors.Errorf("node %s sent no metadata", name)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, errors.Wrap(err, "decoding node metadata")
	}
	if meta.ID == "" {
		meta.ID = name
	}
	if meta.ID != name {
		return meta, errors.Errorf("node %s advertises id %s", name, meta.ID)
	}
	return meta, nil
}

// ParsePartitions parses a comma separated list of partition ids and
// inclusive ranges such as "0-3,7".
func ParsePartitions(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi := part, part
		if i := strings.IndexByte(part, '-'); i > 0 {
			lo, hi = part[:i], part[i+1:]
		}
		a, err := strconv.Atoi(lo)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing partition %q", part)
		}
		b, err := strconv.Atoi(hi)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing partition %q", part)
		}
		if a < 0 || b < a {
			return nil, errors.Errorf("bad partition range %q", part)
		}
		for p := a; p <= b; p++ {
			out = append(out, p)
		}
	}
	return out, nil
}
