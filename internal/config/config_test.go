package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Distributed-index/internal/sharding"
)

func TestDefaultConfigValidates(t *testing.T) {
	c := DefaultConfig()
	c.DataDir = "/data"
	require.NoError(t, c.Validate())
	assert.Equal(t, c.Bind, c.Advertise)
	assert.Equal(t, filepath.Join("/data", "shards"), c.Shard.PermDir)
	assert.Equal(t, filepath.Join("/data", ".Trash"), c.Trash().Dir)
	assert.Equal(t, filepath.Join("/data", "partitions", "3"), c.PartitionDir(3))
	assert.Equal(t, filepath.Join("/data", "shards", "shard-2"), c.ShardDir(2))
	assert.Equal(t, filepath.Join("/data", "scratch", "shard-2"), c.ScratchDir(2))

	s, err := sharding.Build(c.ShardingProps())
	require.NoError(t, err)
	assert.IsType(t, &sharding.FieldMod{}, s)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"node id":   func(c *Config) { c.NodeID = "" },
		"partition": func(c *Config) { c.Partitions = []int{-1} },
		"hash":      func(c *Config) { c.Routing.Hash = "crc" },
		"buckets":   func(c *Config) { c.Routing.Buckets = 0 },
		"source":    func(c *Config) { c.Ingest.Source = "pulsar" },
		"cache":     func(c *Config) { c.Ingest.Cache = "redis" },
		"batch":     func(c *Config) { c.Ingest.BatchSize = 0 },
		"mode":      func(c *Config) { c.Shard.Mode = "yolo" },
		"backend":   func(c *Config) { c.Shard.Backend = "ftp" },
		"minio":     func(c *Config) { c.Shard.Backend = "minio" },
		"fallback":  func(c *Config) { c.Routing.FallbackRings = -1 },
		"data dir":  func(c *Config) { c.DataDir = "" },
	}
	for name, mutate := range cases {
		c := DefaultConfig()
		mutate(c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestMinioLayout(t *testing.T) {
	c := DefaultConfig()
	c.Shard.Backend = "minio"
	c.Shard.MinioEndpoint = "localhost:9000"
	c.Shard.MinioBucket = "shards"
	c.Sharding.Strategy = "range"
	c.Sharding.Bounds = "10,20"
	require.NoError(t, c.Validate())
	assert.Equal(t, "shards/4", c.ShardDir(4))
	assert.Equal(t, ".Trash", c.Trash().Dir)
	assert.Equal(t, "shards", c.ObjectConfig().Bucket)
	assert.Equal(t, "10,20", c.ShardingProps()[sharding.PropBounds])
}
