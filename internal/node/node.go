// Package node wires one indexd process: cluster membership and the router,
// an ingestion pipeline and live index per served partition, the shard
// registry, and the admin HTTP API.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"Distributed-index/internal/cluster"
	"Distributed-index/internal/config"
	"Distributed-index/internal/errors"
	"Distributed-index/internal/event"
	"Distributed-index/internal/fs"
	"Distributed-index/internal/index"
	"Distributed-index/internal/ingest"
	"Distributed-index/internal/logger"
	"Distributed-index/internal/offset"
	"Distributed-index/internal/routing"
	"Distributed-index/internal/sharding"
	"Distributed-index/internal/shardwriter"
	"Distributed-index/internal/storage"
	"Distributed-index/internal/stream"
)

// Options control how much of the node New starts. The zero value starts
// everything.
type Options struct {
	// Standalone skips gossip and raft. The router holds only this node and
	// shard generations are kept in memory.
	Standalone bool
	// Local is the filesystem for partition data and scratch space.
	// Defaults to the OS filesystem.
	Local afero.Fs
	// Perm overrides the permanent shard filesystem built from the config.
	Perm fs.FileSystem
}

// partition is everything one served partition owns.
type partition struct {
	id       int
	live     *index.Live
	cache    storage.Cache
	source   stream.Source
	pipeline *ingest.Pipeline
}

// Node is one indexd process.
type Node struct {
	cfg    *config.Config
	opts   Options
	logger hclog.Logger

	local      afero.Fs
	perm       fs.FileSystem
	strategy   sharding.Strategy
	holder     *routing.Holder
	membership *cluster.Membership
	raft       *cluster.RaftRegistry
	registry   shardwriter.Registry

	partitions map[int]*partition
	router     *mux.Router
	httpServer *http.Server

	mu     sync.Mutex
	closed bool
}

// New validates cfg and opens every partition. Nothing is started until Run.
func New(cfg *config.Config, opts Options, log hclog.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	n := &Node{
		cfg:        cfg,
		opts:       opts,
		logger:     logger.OrNop(log).Named("node").With("node", cfg.NodeID),
		local:      opts.Local,
		perm:       opts.Perm,
		holder:     routing.NewHolder(nil),
		partitions: make(map[int]*partition),
	}
	if n.local == nil {
		n.local = afero.NewOsFs()
	}

	strategy, err := sharding.Build(cfg.ShardingProps())
	if err != nil {
		return nil, errors.Wrap(err, "building sharding strategy")
	}
	n.strategy = strategy

	if n.perm == nil {
		n.perm, err = n.openPerm()
		if err != nil {
			return nil, err
		}
	}

	hash, err := routing.HashByName(cfg.Routing.Hash)
	if err != nil {
		return nil, err
	}
	n.membership = cluster.NewMembership(cluster.MembershipConfig{
		Self: cluster.NodeMeta{
			ID:         cfg.NodeID,
			Addr:       cfg.Advertise,
			Partitions: cfg.Partitions,
			RaftAddr:   cfg.Cluster.RaftAddr,
		},
		BindAddr: cfg.Cluster.GossipAddr,
		BindPort: cfg.Cluster.GossipPort,
		Seeds:    cfg.Cluster.Seeds,
		Logger:   n.logger,
		RouterOptions: []routing.Option{
			routing.WithHashFunction(hash),
			routing.WithBucketCount(cfg.Routing.Buckets),
			routing.WithFallbackRings(cfg.Routing.FallbackRings),
		},
	}, n.holder)

	if opts.Standalone {
		n.registry = shardwriter.NewMemoryRegistry()
	}

	for _, p := range cfg.Partitions {
		part, err := n.openPartition(p)
		if err != nil {
			n.closePartitions()
			return nil, errors.Wrapf(err, "opening partition %d", p)
		}
		n.partitions[p] = part
	}

	n.router = mux.NewRouter()
	n.setupRoutes()
	return n, nil
}

func (n *Node) openPerm() (fs.FileSystem, error) {
	switch n.cfg.Shard.Backend {
	case "minio":
		o, err := fs.NewObjectFS(n.cfg.ObjectConfig(), n.cfg.Trash(), n.logger)
		if err != nil {
			return nil, errors.Wrap(err, "connecting to object store")
		}
		return o, nil
	default:
		return fs.NewAferoFS(n.local, n.cfg.Trash(), n.logger), nil
	}
}

func (n *Node) openPartition(p int) (*partition, error) {
	dir := n.cfg.PartitionDir(p)
	if err := n.local.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	live, err := index.OpenLive(n.local, filepath.Join(dir, "index"), index.Config{Logger: n.logger})
	if err != nil {
		return nil, err
	}
	part := &partition{id: p, live: live}

	if n.cfg.Ingest.Source == "none" {
		return part, nil
	}

	switch n.cfg.Ingest.Cache {
	case "wal":
		part.cache, err = storage.OpenWALCache(n.local, filepath.Join(dir, "cache"), n.logger)
	default:
		part.cache, err = storage.OpenBoltCache(filepath.Join(dir, "cache.db"), n.logger)
	}
	if err != nil {
		live.Close()
		return nil, err
	}

	part.source, err = n.openSource(p, dir)
	if err != nil {
		part.close(n.logger)
		return nil, err
	}

	icfg := ingest.Config{
		Partition:        p,
		StartVersion:     live.Version() + 1,
		BatchSize:        n.cfg.Ingest.BatchSize,
		PollInterval:     n.cfg.Ingest.PollInterval,
		TruncateOnCommit: n.cfg.Ingest.TruncateOnCommit,
	}
	part.pipeline, err = ingest.New(icfg, part.source, part.cache, live, event.NewJSONConverter(n.cfg.Ingest.KeyField), n.logger)
	if err != nil {
		part.close(n.logger)
		return nil, err
	}
	return part, nil
}

// openSource returns the partition's raw stream. Kafka partitions read the
// topic "<topic>-<partition>"; file partitions tail
// "<file-dir>/partition-<partition>.ndjson".
func (n *Node) openSource(p int, dir string) (stream.Source, error) {
	switch n.cfg.Ingest.Source {
	case "kafka":
		src := stream.NewKafkaSource()
		src.Brokers = n.cfg.Ingest.Brokers
		src.Topic = n.cfg.Ingest.Topic + "-" + strconv.Itoa(p)
		src.Group = n.cfg.Ingest.Group
		src.Log = n.logger.Named("kafka")
		if err := src.Open(); err != nil {
			return nil, err
		}
		return src, nil
	default:
		offsets, err := offset.NewManager(n.local, filepath.Join(dir, "offsets"))
		if err != nil {
			return nil, err
		}
		path := filepath.Join(n.cfg.Ingest.FileDir, fmt.Sprintf("partition-%d.ndjson", p))
		if ok, err := afero.Exists(n.local, path); err != nil {
			return nil, err
		} else if !ok {
			if err := afero.WriteFile(n.local, path, nil, 0644); err != nil {
				return nil, errors.Wrapf(err, "creating %s", path)
			}
		}
		return stream.OpenFileSource(n.local, path, offsets)
	}
}

func (p *partition) close(log hclog.Logger) {
	if p.source != nil {
		if err := p.source.Close(); err != nil {
			log.Warn("closing source", "partition", p.id, "error", err)
		}
	}
	if p.live != nil {
		if err := p.live.Close(); err != nil {
			log.Warn("closing live index", "partition", p.id, "error", err)
		}
	}
	if p.cache != nil {
		if err := p.cache.Close(); err != nil {
			log.Warn("closing cache", "partition", p.id, "error", err)
		}
	}
}

func (n *Node) closePartitions() {
	for _, p := range n.partitions {
		p.close(n.logger)
	}
}

// Start joins the cluster and opens the shard registry. Standalone nodes
// only build their local router.
func (n *Node) Start() error {
	if n.opts.Standalone {
		return n.membership.Rebuild()
	}
	reg, err := cluster.NewRaftRegistry(cluster.RaftConfig{
		NodeID:    n.cfg.NodeID,
		BindAddr:  n.cfg.Cluster.RaftAddr,
		DataDir:   n.cfg.RaftDir(),
		Bootstrap: n.cfg.Cluster.Bootstrap,
		Logger:    n.logger,
	})
	if err != nil {
		return err
	}
	n.raft = reg
	n.registry = reg

	n.membership.OnJoin(func(peer cluster.NodeMeta) {
		if !reg.IsLeader() || peer.RaftAddr == "" {
			return
		}
		if err := reg.AddVoter(peer.ID, peer.RaftAddr); err != nil {
			n.logger.Warn("could not add voter", "peer", peer.ID, "error", err)
		}
	})
	n.membership.OnLeave(func(peer cluster.NodeMeta) {
		if !reg.IsLeader() {
			return
		}
		if err := reg.RemoveServer(peer.ID); err != nil {
			n.logger.Warn("could not remove server", "peer", peer.ID, "error", err)
		}
	})
	return n.membership.Start()
}

// Run serves the API and drives every pipeline until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", n.cfg.Bind)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", n.cfg.Bind)
	}
	n.httpServer = &http.Server{Handler: n.router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range n.partitions {
		if p.pipeline == nil {
			continue
		}
		p := p
		g.Go(func() error {
			return p.pipeline.Run(gctx, p.live)
		})
	}
	g.Go(func() error {
		n.logger.Info("api listening", "addr", ln.Addr().String(), "partitions", len(n.partitions))
		if err := n.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return n.httpServer.Shutdown(sctx)
	})
	err = g.Wait()
	if cerr := n.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close stops pipelines, closes the partitions and leaves the cluster.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true

	var first error
	for _, p := range n.partitions {
		if p.pipeline != nil {
			if err := p.pipeline.Stop(context.Background()); err != nil && first == nil {
				first = err
			}
		}
	}
	n.closePartitions()
	if !n.opts.Standalone {
		n.membership.Stop()
	}
	if n.raft != nil {
		if err := n.raft.Shutdown(); err != nil && first == nil {
			first = err
		}
	}
	n.logger.Info("node closed")
	return first
}

// Handler exposes the admin API.
func (n *Node) Handler() http.Handler { return n.router }

// Membership exposes the gossip membership.
func (n *Node) Membership() *cluster.Membership { return n.membership }

// Pipeline returns the ingestion pipeline of partition p, if any.
func (n *Node) Pipeline(p int) (*ingest.Pipeline, bool) {
	part, ok := n.partitions[p]
	if !ok || part.pipeline == nil {
		return nil, false
	}
	return part.pipeline, true
}

// ShardOf computes the shard of a record with the configured strategy.
func (n *Node) ShardOf(maxShardID int, rec event.Record) (int, error) {
	return n.strategy.Shard(maxShardID, rec)
}

// BuildShard merges forms into a new generation of shard id and promotes it.
func (n *Node) BuildShard(ctx context.Context, id int, forms []index.Form) (shardwriter.Report, error) {
	if n.registry == nil {
		return shardwriter.Report{}, errors.New(errors.ErrShard, "shard registry is not started")
	}
	shard := shardwriter.Shard{ID: id, Dir: n.cfg.ShardDir(id), Generation: shardwriter.NoGeneration}
	if known, ok, err := n.registry.Get(ctx, id); err != nil {
		return shardwriter.Report{}, err
	} else if ok {
		shard = known
	}
	mode, err := shardwriter.ParseMode(n.cfg.Shard.Mode)
	if err != nil {
		return shardwriter.Report{}, err
	}
	opts := shardwriter.DefaultOptions()
	opts.Mode = mode
	opts.MaxSegments = n.cfg.Shard.MaxSegments
	opts.CopyConcurrency = n.cfg.Shard.CopyConcurrency
	opts.Logger = n.logger
	opts.Registry = n.registry

	w, err := shardwriter.New(ctx, n.perm, n.local, shard, n.cfg.ScratchDir(id), opts)
	if err != nil {
		return shardwriter.Report{}, err
	}
	for _, f := range forms {
		if err := w.Process(f); err != nil {
			if aerr := w.Abort(); aerr != nil {
				n.logger.Warn("aborting shard build", "shard", id, "error", aerr)
			}
			return shardwriter.Report{}, err
		}
	}
	return w.Close(ctx)
}
