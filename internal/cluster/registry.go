package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/logger"
	"Distributed-index/internal/shardwriter"
)

const (
	raftTimeout = 10 * time.Second

	cmdRecordShard = "record_shard"
)

// command is one entry of the replicated log.
type command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// shardFSM holds the latest descriptor of every shard.
type shardFSM struct {
	mu     sync.RWMutex
	shards map[int]shardwriter.Shard
	logger hclog.Logger
}

func newShardFSM(log hclog.Logger) *shardFSM {
	return &shardFSM{shards: make(map[int]shardwriter.Shard), logger: logger.OrNop(log)}
}

// Apply returns nil or the error that rejected the command.
func (f *shardFSM) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.logger.Error("bad log entry", "index", entry.Index, "error", err)
		return errors.Wrap(err, "decoding command")
	}
	switch cmd.Type {
	case cmdRecordShard:
		var s shardwriter.Shard
		if err := json.Unmarshal(cmd.Payload, &s); err != nil {
			return errors.Wrap(err, "decoding shard")
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if err := shardwriter.CheckAdvance(f.shards, s); err != nil {
			return err
		}
		f.shards[s.ID] = s
		f.logger.Debug("recorded shard", "shard", s.ID, "generation", s.Generation)
		return nil
	default:
		f.logger.Warn("unknown command", "type", cmd.Type)
		return errors.Errorf("unknown command %q", cmd.Type)
	}
}

func (f *shardFSM) get(id int) (shardwriter.Shard, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.shards[id]
	return s, ok
}

func (f *shardFSM) all() []shardwriter.Shard {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]shardwriter.Shard, 0, len(f.shards))
	for _, s := range f.shards {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *shardFSM) Snapshot() (raft.FSMSnapshot, error) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(f.all()); err != nil {
		return nil, err
	}
	return &shardSnapshot{data: buf.Bytes()}, nil
}

func (f *shardFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var shards []shardwriter.Shard
	if err := json.NewDecoder(rc).Decode(&shards); err != nil {
		return errors.Wrap(err, "decoding snapshot")
	}
	m := make(map[int]shardwriter.Shard, len(shards))
	for _, s := range shards {
		m[s.ID] = s
	}
	f.mu.Lock()
	f.shards = m
	f.mu.Unlock()
	f.logger.Info("restored shard registry", "shards", len(m))
	return nil
}

type shardSnapshot struct {
	data []byte
}

func (s *shardSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *shardSnapshot) Release() {}

// RaftConfig configures a RaftRegistry.
type RaftConfig struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	Logger    hclog.Logger
}

// RaftRegistry is a shardwriter.Registry replicated with raft. Reads are
// served from the local state; writes go through the leader.
type RaftRegistry struct {
	raft   *raft.Raft
	fsm    *shardFSM
	logger hclog.Logger
	closer []io.Closer
}

var _ shardwriter.Registry = (*RaftRegistry)(nil)

// NewRaftRegistry opens the bolt log and stable stores under DataDir and
// listens on BindAddr.
func NewRaftRegistry(cfg RaftConfig) (*RaftRegistry, error) {
	log := logger.OrNop(cfg.Logger).Named("raft")
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating raft dir")
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, errors.Wrap(err, "opening raft log")
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		return nil, errors.Wrap(err, "opening raft stable store")
	}
	snapshots, err := raft.NewFileSnapshotStoreWithLogger(cfg.DataDir, 2, log)
	if err != nil {
		logStore.Close()
		stableStore.Close()
		return nil, errors.Wrap(err, "opening snapshot store")
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, nil, 3, raftTimeout, log)
	if err != nil {
		logStore.Close()
		stableStore.Close()
		return nil, errors.Wrap(err, "creating raft transport")
	}

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.Logger = log
	r, err := newRaftRegistry(conf, cfg.Bootstrap, logStore, stableStore, snapshots, transport)
	if err != nil {
		transport.Close()
		logStore.Close()
		stableStore.Close()
		return nil, err
	}
	r.closer = []io.Closer{transport, logStore, stableStore}
	return r, nil
}

func newRaftRegistry(conf *raft.Config, bootstrap bool, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, trans raft.Transport) (*RaftRegistry, error) {
	fsm := newShardFSM(conf.Logger)
	r, err := raft.NewRaft(conf, fsm, logs, stable, snaps, trans)
	if err != nil {
		return nil, errors.Wrap(err, "starting raft")
	}
	reg := &RaftRegistry{raft: r, fsm: fsm, logger: logger.OrNop(conf.Logger)}
	if bootstrap {
		hasState, err := raft.HasExistingState(logs, stable, snaps)
		if err != nil {
			r.Shutdown()
			return nil, errors.Wrap(err, "checking raft state")
		}
		if !hasState {
			f := r.BootstrapCluster(raft.Configuration{
				Servers: []raft.Server{{ID: conf.LocalID, Address: trans.LocalAddr()}},
			})
			if err := f.Error(); err != nil {
				r.Shutdown()
				return nil, errors.Wrap(err, "bootstrapping raft")
			}
			reg.logger.Info("bootstrapped cluster", "node", conf.LocalID)
		}
	}
	return reg, nil
}

func (r *RaftRegistry) Get(_ context.Context, id int) (shardwriter.Shard, bool, error) {
	s, ok := r.fsm.get(id)
	return s, ok, nil
}

// All returns every recorded shard sorted by id.
func (r *RaftRegistry) All() []shardwriter.Shard {
	return r.fsm.all()
}

// Record replicates s. Followers return ErrNotLeader naming the leader.
func (r *RaftRegistry) Record(ctx context.Context, s shardwriter.Shard) error {
	if !r.IsLeader() {
		return errors.Newf(errors.ErrNotLeader, "not the leader, leader is %q", r.Leader())
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	data, err := json.Marshal(command{Type: cmdRecordShard, Payload: payload})
	if err != nil {
		return err
	}
	timeout := raftTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	f := r.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
			return errors.WrapCode(err, errors.ErrNotLeader, "recording shard")
		}
		return errors.Wrap(err, "recording shard")
	}
	if err, ok := f.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

func (r *RaftRegistry) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

// Leader returns the leader's raft address, or "" when unknown.
func (r *RaftRegistry) Leader() string {
	addr, _ := r.raft.LeaderWithID()
	return string(addr)
}

// AddVoter adds a node to the raft configuration. Leader only.
func (r *RaftRegistry) AddVoter(id, addr string) error {
	if !r.IsLeader() {
		return errors.New(errors.ErrNotLeader, "not the leader")
	}
	if err := r.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, raftTimeout).Error(); err != nil {
		return errors.Wrapf(err, "adding voter %s", id)
	}
	r.logger.Info("added voter", "id", id, "addr", addr)
	return nil
}

// RemoveServer drops a node from the raft configuration. Leader only.
func (r *RaftRegistry) RemoveServer(id string) error {
	if !r.IsLeader() {
		return errors.New(errors.ErrNotLeader, "not the leader")
	}
	if err := r.raft.RemoveServer(raft.ServerID(id), 0, raftTimeout).Error(); err != nil {
		return errors.Wrapf(err, "removing server %s", id)
	}
	r.logger.Info("removed server", "id", id)
	return nil
}

// Shutdown stops raft and closes its stores.
func (r *RaftRegistry) Shutdown() error {
	err := r.raft.Shutdown().Error()
	for _, c := range r.closer {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
