// Package ingest turns a replayable raw stream into versioned events for a
// live index. Every event is written to a persistent cache before the index
// commit that covers it, and cached entries the index may have missed are
// replayed on start.
package ingest

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/event"
	"Distributed-index/internal/logger"
	"Distributed-index/internal/metrics"
	"Distributed-index/internal/storage"
	"Distributed-index/internal/stream"
)

// State is the pipeline lifecycle.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Committer makes indexed events durable.
type Committer interface {
	Commit() error
}

// Indexer applies events. Run feeds it.
type Indexer interface {
	Index(ev *event.Event) error
}

// versioned is implemented by committers that know the last committed
// event version, which lets the pipeline truncate the cache.
type versioned interface {
	Version() int64
}

// Stats is a point-in-time view of a pipeline.
type Stats struct {
	Partition int    `json:"partition"`
	State     string `json:"state"`
	Version   int64  `json:"version"`
	Replayed  int64  `json:"replayed"`
	Backlog   int64  `json:"backlog"`
	Ingested  int64  `json:"ingested"`
	Batch     int64  `json:"batch"`
	Commits   int64  `json:"commits"`
	Swallowed int64  `json:"swallowed"`
	LastError string `json:"last_error,omitempty"`
}

// Pipeline is a single-consumer ingestion pipeline for one partition.
// NextVersion and Stats may be called from any goroutine.
type Pipeline struct {
	cfg    Config
	src    stream.Source
	cache  storage.Cache
	index  Committer
	conv   event.Converter
	logger hclog.Logger
	label  string

	state   atomic.Int32
	version atomic.Int64
	batch   atomic.Int64

	replayed  atomic.Int64
	ingested  atomic.Int64
	commits   atomic.Int64
	swallowed atomic.Int64
	remaining atomic.Int64

	mu      sync.Mutex // serializes Next and Flush
	backlog []storage.Entry
	errMu   sync.Mutex
	lastErr error
}

// New returns a pipeline in the Created state. The version clock starts at
// cfg.StartVersion.
func New(cfg Config, src stream.Source, cache storage.Cache, idx Committer, conv event.Converter, log hclog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || cache == nil || idx == nil {
		return nil, errors.New(errors.ErrStreamIngestion, "pipeline needs a source, a cache and an index")
	}
	if conv == nil {
		conv = &event.JSONConverter{}
	}
	label := strconv.Itoa(cfg.Partition)
	p := &Pipeline{
		cfg:    cfg,
		src:    src,
		cache:  cache,
		index:  idx,
		conv:   conv,
		logger: logger.OrNop(log).Named("ingest").With("partition", cfg.Partition),
		label:  label,
	}
	p.version.Store(cfg.StartVersion)
	return p, nil
}

func (p *Pipeline) State() State { return State(p.state.Load()) }

// Start loads the replay backlog: every durable cache entry at or after the
// start version, in version order.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateStarted)) {
		return errors.Newf(errors.ErrStreamIngestion, "cannot start pipeline in state %s", p.State())
	}
	entries, err := p.cache.EntriesSince(p.cfg.StartVersion)
	if err != nil {
		p.state.Store(int32(StateCreated))
		return errors.WrapCode(err, errors.ErrStreamIngestion, "reading persistent cache")
	}
	p.backlog = entries
	p.remaining.Store(int64(len(entries)))
	// New versions must not collide with cached ones.
	if n := len(entries); n > 0 {
		last := entries[n-1].Version
		for {
			cur := p.version.Load()
			if cur >= last || p.version.CompareAndSwap(cur, last) {
				break
			}
		}
	}
	p.logger.Info("started pipeline", "start_version", p.cfg.StartVersion, "replay", len(entries))
	return ctx.Err()
}

// NextVersion increments and returns the pipeline's logical clock. Values
// strictly increase but are not contiguous with event counts.
func (p *Pipeline) NextVersion() int64 {
	return p.version.Add(1)
}

// Next returns the next event, or nil at end of stream. Replayed entries
// come first. Errors are logged, counted and reported as end of stream;
// LastError keeps the first one.
func (p *Pipeline) Next(ctx context.Context) *event.Event {
	ev, _ := p.next(ctx)
	return ev
}

// next also reports whether a nil event came from a drained source, as
// opposed to a swallowed error or a stopped pipeline.
func (p *Pipeline) next(ctx context.Context) (*event.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.State() {
	case StateStarted:
		p.state.CompareAndSwap(int32(StateStarted), int32(StateRunning))
	case StateRunning:
	default:
		return nil, false
	}

	ev, drained, err := p.produce(ctx)
	if err != nil {
		p.swallow(err)
		return nil, false
	}
	return ev, drained
}

func (p *Pipeline) produce(ctx context.Context) (*event.Event, bool, error) {
	if len(p.backlog) > 0 {
		entry := p.backlog[0]
		p.backlog = p.backlog[1:]
		p.remaining.Add(-1)
		ev, err := event.Unmarshal(entry.Payload)
		if err != nil {
			return nil, false, errors.WrapCode(err, errors.ErrStreamIngestion, "decoding cached entry "+strconv.FormatInt(entry.Version, 10))
		}
		ev.Version = entry.Version
		p.replayed.Add(1)
		metrics.EventsReplayed.WithLabelValues(p.label).Inc()
		return ev, false, nil
	}

	raw, err := p.src.Next(ctx)
	if err == io.EOF {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, errors.WrapCode(err, errors.ErrStreamIngestion, "reading stream")
	}
	ev, err := p.conv.Convert(raw)
	if err != nil {
		return nil, false, errors.WrapCode(err, errors.ErrStreamIngestion, "converting record from "+raw.Source)
	}
	ev.Version = p.NextVersion()
	payload, err := ev.Marshal()
	if err != nil {
		return nil, false, errors.WrapCode(err, errors.ErrStreamIngestion, "encoding event")
	}
	if err := p.cache.Append(payload, ev.Version); err != nil {
		return nil, false, errors.WrapCode(err, errors.ErrStreamIngestion, "appending to persistent cache")
	}
	p.ingested.Add(1)
	metrics.EventsIngested.WithLabelValues(p.label).Inc()

	if p.batch.Add(1) >= int64(p.cfg.BatchSize) {
		if err := p.commit(ctx); err != nil {
			return nil, false, err
		}
	}
	return ev, false, nil
}

// commit flushes the cache, then the index, then the source position. The
// batch counter is reset only when all three succeed.
func (p *Pipeline) commit(ctx context.Context) error {
	start := time.Now()
	if err := p.cache.CommitPending(); err != nil {
		return errors.WrapCode(err, errors.ErrStreamIngestion, "committing persistent cache")
	}
	if err := p.index.Commit(); err != nil {
		return errors.WrapCode(err, errors.ErrStreamIngestion, "committing index")
	}
	if err := p.src.Commit(ctx); err != nil {
		return errors.WrapCode(err, errors.ErrStreamIngestion, "committing stream position")
	}
	p.batch.Store(0)
	p.commits.Add(1)
	metrics.BatchCommits.WithLabelValues(p.label).Inc()
	metrics.BatchCommitLatency.WithLabelValues(p.label).Observe(time.Since(start).Seconds())

	if v, ok := p.index.(versioned); ok {
		committed := v.Version()
		metrics.IndexedVersion.WithLabelValues(p.label).Set(float64(committed))
		if p.cfg.TruncateOnCommit && committed >= 0 {
			if err := p.cache.Truncate(committed + 1); err != nil {
				p.logger.Warn("could not truncate persistent cache", "up_to", committed+1, "error", err)
			}
		}
	}
	p.logger.Debug("committed batch", "version", p.version.Load(), "duration", time.Since(start))
	return nil
}

func (p *Pipeline) swallow(err error) {
	p.swallowed.Add(1)
	metrics.SwallowedErrors.WithLabelValues("ingest").Inc()
	p.errMu.Lock()
	if p.lastErr == nil {
		p.lastErr = err
	}
	p.errMu.Unlock()
	p.logger.Error("ingestion error, treating as end of stream", "error", err)
}

// LastError returns the first error swallowed by Next, if any.
func (p *Pipeline) LastError() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.lastErr
}

// Flush commits a partial batch.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commit(ctx)
}

// Run feeds events to ix until end of stream or ctx is done. With a poll
// interval a drained source is polled again instead of ending the run.
// Events the indexer rejects are logged and skipped.
func (p *Pipeline) Run(ctx context.Context, ix Indexer) error {
	if p.State() == StateCreated {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for ctx.Err() == nil {
		ev, drained := p.next(ctx)
		if ev != nil {
			if err := ix.Index(ev); err != nil {
				p.swallowed.Add(1)
				metrics.SwallowedErrors.WithLabelValues("indexer").Inc()
				p.logger.Error("skipping event", "version", ev.Version, "key", ev.Key, "error", err)
			}
			continue
		}
		if !drained || p.cfg.PollInterval <= 0 {
			break
		}
		if timer == nil {
			timer = time.NewTimer(p.cfg.PollInterval)
		} else {
			timer.Reset(p.cfg.PollInterval)
		}
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return p.Stop(context.Background())
}

// Stop flushes the partial batch and moves to Stopped. Stopping twice is a
// no-op.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := State(p.state.Swap(int32(StateStopped)))
	if prev == StateStopped || prev == StateCreated {
		return nil
	}
	if err := p.commit(ctx); err != nil {
		p.logger.Error("final flush failed", "error", err)
		return err
	}
	p.logger.Info("stopped pipeline", "ingested", p.ingested.Load(), "commits", p.commits.Load())
	return nil
}

func (p *Pipeline) Stats() Stats {
	s := Stats{
		Partition: p.cfg.Partition,
		State:     p.State().String(),
		Version:   p.version.Load(),
		Replayed:  p.replayed.Load(),
		Backlog:   p.remaining.Load(),
		Ingested:  p.ingested.Load(),
		Batch:     p.batch.Load(),
		Commits:   p.commits.Load(),
		Swallowed: p.swallowed.Load(),
	}
	if err := p.LastError(); err != nil {
		s.LastError = err.Error()
	}
	return s
}
