package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Distributed-index/internal/config"
	"Distributed-index/internal/index"
	"Distributed-index/internal/ingest"
	"Distributed-index/internal/shardwriter"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.NodeID = "n1"
	cfg.DataDir = t.TempDir()
	cfg.Bind = "127.0.0.1:0"
	cfg.Partitions = []int{0, 1}
	cfg.Ingest.Source = "file"
	cfg.Ingest.BatchSize = 2
	cfg.Ingest.PollInterval = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

func writeInbox(t *testing.T, cfg *config.Config, p int, lines ...string) {
	t.Helper()
	path := filepath.Join(cfg.Ingest.FileDir, fmt.Sprintf("partition-%d.ndjson", p))
	require.NoError(t, afero.WriteFile(afero.NewOsFs(), path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
}

func newStandalone(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(cfg, Options{Standalone: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	require.NoError(t, n.Start())
	return n
}

func do(t *testing.T, n *Node, method, url string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	n.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestRouteAndLocate(t *testing.T) {
	n := newStandalone(t, testConfig(t))

	rec := do(t, n, "GET", "/route?key=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var route RouteResponse
	decode(t, rec, &route)
	assert.Equal(t, "n1", route.Endpoint.ID)
	assert.Contains(t, []int{0, 1}, route.Partition)

	assert.Equal(t, http.StatusBadRequest, do(t, n, "GET", "/route", nil).Code)

	rec = do(t, n, "POST", "/locate?max=4", []byte(`{"uid": 7}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var loc LocateResponse
	decode(t, rec, &loc)
	assert.Equal(t, 3, loc.Shard)

	rec = do(t, n, "POST", "/locate", []byte(`{"uid": -3}`))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &loc)
	assert.Equal(t, LocateResponse{Shard: 1, Max: 2}, loc)

	rec = do(t, n, "POST", "/locate", []byte(`{"uid": "abc"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var e ErrorResponse
	decode(t, rec, &e)
	assert.Equal(t, "FormatError", e.Code)
}

func TestEndpointsAndLiveness(t *testing.T) {
	n := newStandalone(t, testConfig(t))

	rec := do(t, n, "GET", "/cluster/endpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var eps []EndpointStatus
	decode(t, rec, &eps)
	require.Len(t, eps, 1)
	assert.Equal(t, []int{0, 1}, eps[0].Partitions)
	assert.False(t, eps[0].Down)

	assert.Equal(t, http.StatusNoContent, do(t, n, "POST", "/cluster/endpoints/n1/down", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, n, "GET", "/route?key=x", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, n, "POST", "/cluster/endpoints/n1/up", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, n, "GET", "/route?key=x", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, n, "POST", "/cluster/endpoints/zz/down", nil).Code)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, n, "POST", "/cluster/join", []byte(`{}`)).Code)

	rec = do(t, n, "GET", "/health", nil)
	var h HealthResponse
	decode(t, rec, &h)
	assert.Equal(t, "n1", h.NodeID)
	assert.True(t, h.IsLeader)

	assert.Equal(t, http.StatusOK, do(t, n, "GET", "/metrics", nil).Code)
}

func TestRunIngestsAndResumes(t *testing.T) {
	cfg := testConfig(t)
	writeInbox(t, cfg, 0, `{"uid": 1}`, `{"uid": 2}`, `{"uid": 3, "name": "c"}`)
	writeInbox(t, cfg, 1, `not json`)

	n, err := New(cfg, Options{Standalone: true}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool {
		p, _ := n.Pipeline(0)
		return p.State() == ingest.StateStopped
	}, 5*time.Second, 10*time.Millisecond)

	rec := do(t, n, "GET", "/ingest/0/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st ingest.Stats
	decode(t, rec, &st)
	assert.Equal(t, int64(3), st.Ingested)
	assert.Equal(t, int64(2), st.Commits)

	require.Eventually(t, func() bool {
		p, _ := n.Pipeline(1)
		return p.State() == ingest.StateStopped
	}, 5*time.Second, 10*time.Millisecond)
	decode(t, do(t, n, "GET", "/ingest/1/stats", nil), &st)
	assert.Equal(t, int64(1), st.Swallowed)
	assert.NotEmpty(t, st.LastError)

	assert.Equal(t, http.StatusNotFound, do(t, n, "GET", "/ingest/9/stats", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, n, "GET", "/ingest/x/stats", nil).Code)

	cancel()
	require.NoError(t, <-done)

	live, err := index.Open(afero.NewOsFs(), filepath.Join(cfg.PartitionDir(0), "index"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, live.IDs())

	again := newStandalone(t, cfg)
	p, ok := again.Pipeline(0)
	require.True(t, ok)
	require.NoError(t, p.Start(context.Background()))
	assert.Nil(t, p.Next(context.Background()))
	assert.Equal(t, int64(0), p.Stats().Backlog)
}

func TestBuildShard(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.Source = "none"
	n := newStandalone(t, cfg)
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, do(t, n, "GET", "/shards/3", nil).Code)

	local := afero.NewOsFs()
	formDir := t.TempDir()
	form, err := index.BuildForm(local, filepath.Join(formDir, "a"), []index.Document{{ID: 1, Key: "1"}, {ID: 2, Key: "2"}}, nil)
	require.NoError(t, err)

	rep, err := n.BuildShard(ctx, 3, []index.Form{form})
	require.NoError(t, err)
	assert.Equal(t, int64(0), rep.Shard.Generation)

	rec := do(t, n, "GET", "/shards/3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var s shardwriter.Shard
	decode(t, rec, &s)
	assert.Equal(t, int64(0), s.Generation)
	assert.Equal(t, cfg.ShardDir(3), s.Dir)

	rep, err = n.BuildShard(ctx, 3, []index.Form{form})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Shard.Generation)

	dir, err := shardwriter.CurrentDir(ctx, n.perm, cfg.ShardDir(3))
	require.NoError(t, err)
	r, err := index.Open(local, dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, r.IDs())

	_, err = n.BuildShard(ctx, 4, []index.Form{{Dir: filepath.Join(formDir, "missing")}})
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, do(t, n, "GET", "/shards/4", nil).Code)

	_, ok := n.Pipeline(0)
	assert.False(t, ok)
}
