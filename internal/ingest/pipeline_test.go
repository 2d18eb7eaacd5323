package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/event"
	"Distributed-index/internal/index"
	"Distributed-index/internal/storage"
	"Distributed-index/internal/stream"
)

type countingIndex struct {
	mu      sync.Mutex
	commits int
	err     error
}

func (c *countingIndex) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.commits++
	return nil
}

func (c *countingIndex) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

func records(from, n int) []*event.RawRecord {
	out := make([]*event.RawRecord, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, &event.RawRecord{
			Value:  []byte(fmt.Sprintf(`{"uid": %d, "n": "r%d"}`, i, i)),
			Source: "test:0",
			Offset: int64(i),
		})
	}
	return out
}

func newCache(t *testing.T) storage.Cache {
	t.Helper()
	c, err := storage.OpenWALCache(afero.NewMemMapFs(), "/cache", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func cacheEvent(t *testing.T, c storage.Cache, v int64, key string) {
	t.Helper()
	ev := &event.Event{Version: v, Key: key, Payload: event.Record{"uid": key}}
	data, err := ev.Marshal()
	require.NoError(t, err)
	require.NoError(t, c.Append(data, v))
}

func drain(t *testing.T, p *Pipeline) []*event.Event {
	t.Helper()
	var out []*event.Event
	for {
		ev := p.Next(context.Background())
		if ev == nil {
			return out
		}
		out = append(out, ev)
	}
}

func TestReplayBeforeNewRecords(t *testing.T) {
	cache := newCache(t)
	for v := int64(10); v <= 13; v++ {
		cacheEvent(t, cache, v, fmt.Sprint(100+v))
	}
	require.NoError(t, cache.CommitPending())

	src := stream.NewSliceSource(records(1, 2)...)
	cfg := DefaultConfig()
	cfg.StartVersion = 11
	p, err := New(cfg, src, cache, &countingIndex{}, event.NewJSONConverter("uid"), nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, int64(3), p.Stats().Backlog)

	got := drain(t, p)
	require.Len(t, got, 5)
	var versions []int64
	var keys []string
	for _, ev := range got {
		versions = append(versions, ev.Version)
		keys = append(keys, ev.Key)
	}
	assert.Equal(t, []int64{11, 12, 13}, versions[:3])
	assert.Equal(t, []string{"111", "112", "113", "1", "2"}, keys)
	assert.Greater(t, versions[3], int64(13))
	assert.Greater(t, versions[4], versions[3])

	st := p.Stats()
	assert.Equal(t, int64(3), st.Replayed)
	assert.Equal(t, int64(2), st.Ingested)
	assert.Equal(t, int64(0), st.Backlog)
	assert.Nil(t, p.LastError())
}

func TestCommitEveryBatch(t *testing.T) {
	cache := newCache(t)
	src := stream.NewSliceSource(records(0, 7)...)
	idx := &countingIndex{}
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	p, err := New(cfg, src, cache, idx, event.NewJSONConverter("uid"), nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	for i := 1; i <= 7; i++ {
		require.NotNil(t, p.Next(context.Background()))
		assert.Equal(t, i/3, idx.count(), "after %d records", i)
	}
	assert.Nil(t, p.Next(context.Background()))

	acked, commits := src.Committed()
	assert.Equal(t, 6, acked)
	assert.Equal(t, 2, commits)
	durable, err := cache.EntriesSince(0)
	require.NoError(t, err)
	assert.Len(t, durable, 6)
	assert.Equal(t, int64(1), p.Stats().Batch)

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 3, idx.count())
	durable, err = cache.EntriesSince(0)
	require.NoError(t, err)
	assert.Len(t, durable, 7)
}

func TestNextVersionStrictlyIncreases(t *testing.T) {
	p, err := New(DefaultConfig(), stream.NewSliceSource(), newCache(t), &countingIndex{}, nil, nil)
	require.NoError(t, err)

	prev := p.NextVersion()
	for i := 0; i < 100; i++ {
		v := p.NextVersion()
		require.Greater(t, v, prev)
		prev = v
	}

	const workers, each = 8, 500
	seen := make(chan int64, workers*each)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				seen <- p.NextVersion()
			}
		}()
	}
	wg.Wait()
	close(seen)
	unique := make(map[int64]struct{})
	for v := range seen {
		assert.Greater(t, v, prev)
		unique[v] = struct{}{}
	}
	assert.Len(t, unique, workers*each)
}

type failingSource struct {
	stream.SliceSource
	err error
}

func (f *failingSource) Next(context.Context) (*event.RawRecord, error) { return nil, f.err }

func TestErrorsBecomeEndOfStream(t *testing.T) {
	src := stream.NewSliceSource(
		&event.RawRecord{Value: []byte(`not json`)},
		records(5, 1)[0],
	)
	p, err := New(DefaultConfig(), src, newCache(t), &countingIndex{}, event.NewJSONConverter("uid"), nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	assert.Nil(t, p.Next(context.Background()))
	require.Error(t, p.LastError())
	assert.True(t, errors.Is(p.LastError(), errors.ErrStreamIngestion))
	assert.Equal(t, int64(1), p.Stats().Swallowed)

	ev := p.Next(context.Background())
	require.NotNil(t, ev)
	assert.Equal(t, "5", ev.Key)

	broken, err := New(DefaultConfig(), &failingSource{err: errors.Errorf("broker gone")}, newCache(t), &countingIndex{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, broken.Start(context.Background()))
	assert.Nil(t, broken.Next(context.Background()))
	assert.Contains(t, broken.Stats().LastError, "broker gone")
}

func TestFailedIndexCommitKeepsBatch(t *testing.T) {
	idx := &countingIndex{err: errors.Errorf("disk full")}
	src := stream.NewSliceSource(records(0, 2)...)
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	p, err := New(cfg, src, newCache(t), idx, event.NewJSONConverter("uid"), nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NotNil(t, p.Next(context.Background()))
	assert.Nil(t, p.Next(context.Background()))
	_, commits := src.Committed()
	assert.Equal(t, 0, commits)
	assert.Equal(t, int64(2), p.Stats().Batch)
}

func TestLifecycle(t *testing.T) {
	p, err := New(DefaultConfig(), stream.NewSliceSource(records(0, 1)...), newCache(t), &countingIndex{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, p.State())
	assert.Nil(t, p.Next(context.Background()))

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, StateStarted, p.State())
	assert.Error(t, p.Start(context.Background()))

	p.Next(context.Background())
	assert.Equal(t, StateRunning, p.State())

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, StateStopped, p.State())
	assert.Nil(t, p.Next(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
}

func TestRunIntoLiveIndex(t *testing.T) {
	mem := afero.NewMemMapFs()
	live, err := index.OpenLive(mem, "/live", index.Config{})
	require.NoError(t, err)
	defer live.Close()

	cache := newCache(t)
	src := stream.NewSliceSource(records(0, 5)...)
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.TruncateOnCommit = true
	p, err := New(cfg, src, cache, live, event.NewJSONConverter("uid"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, live) }()

	require.Eventually(t, func() bool { return live.Indexed() == 5 }, time.Second, time.Millisecond)
	src.Push(records(5, 3)...)
	require.Eventually(t, func() bool { return live.Indexed() == 8 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, p.State())

	snap, err := live.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 8, snap.Count())
	assert.Equal(t, p.Stats().Version, live.Version())

	left, err := cache.EntriesSince(0)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestConfigFromProperties(t *testing.T) {
	cfg, err := ConfigFromProperties(3, map[string]string{
		PropBatchSize:    "25",
		PropStartVersion: "40",
		PropPollInterval: "250ms",
		PropTruncate:     "true",
	})
	require.NoError(t, err)
	assert.Equal(t, Config{Partition: 3, StartVersion: 40, BatchSize: 25, PollInterval: 250 * time.Millisecond, TruncateOnCommit: true}, cfg)

	_, err = ConfigFromProperties(0, map[string]string{PropBatchSize: "x"})
	assert.Error(t, err)
	_, err = ConfigFromProperties(0, map[string]string{PropBatchSize: "0"})
	assert.Error(t, err)

	cfg, err = ConfigFromProperties(1, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
}
