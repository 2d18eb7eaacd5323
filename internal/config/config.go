// Package config holds the indexd node configuration.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/fs"
	"Distributed-index/internal/routing"
	"Distributed-index/internal/sharding"
	"Distributed-index/internal/shardwriter"
)

// Config represents the node configuration.
type Config struct {
	NodeID   string `toml:"node-id"`
	DataDir  string `toml:"data-dir"`
	Bind     string `toml:"bind"`
	LogLevel string `toml:"log-level"`
	// Advertise is the API address other nodes route to. Defaults to Bind.
	Advertise  string `toml:"advertise"`
	Partitions []int  `toml:"partitions"`

	Cluster  Cluster  `toml:"cluster"`
	Routing  Routing  `toml:"routing"`
	Ingest   Ingest   `toml:"ingest"`
	Sharding Sharding `toml:"sharding"`
	Shard    Shard    `toml:"shard"`
}

// Cluster settings
type Cluster struct {
	GossipAddr string   `toml:"gossip-addr"`
	GossipPort int      `toml:"gossip-port"`
	Seeds      []string `toml:"seeds"`
	RaftAddr   string   `toml:"raft-addr"`
	Bootstrap  bool     `toml:"bootstrap"`
}

// Routing settings
type Routing struct {
	Hash          string `toml:"hash"`
	Buckets       int    `toml:"buckets"`
	FallbackRings int    `toml:"fallback-rings"`
}

// Ingest settings, applied to every served partition.
type Ingest struct {
	// Source is "kafka", "file" or "none".
	Source       string        `toml:"source"`
	Brokers      []string      `toml:"brokers"`
	Topic        string        `toml:"topic"`
	Group        string        `toml:"group"`
	FileDir      string        `toml:"file-dir"`
	KeyField     string        `toml:"key-field"`
	BatchSize    int           `toml:"batch-size"`
	PollInterval time.Duration `toml:"poll-interval"`
	// Cache is "bolt" or "wal".
	Cache            string `toml:"cache"`
	TruncateOnCommit bool   `toml:"truncate-on-commit"`
}

// Sharding settings for the batch build path.
type Sharding struct {
	Strategy string `toml:"strategy"`
	Field    string `toml:"field"`
	Bounds   string `toml:"bounds"`
}

// Shard promotion settings.
type Shard struct {
	// Backend is "local" or "minio".
	Backend         string        `toml:"backend"`
	PermDir         string        `toml:"perm-dir"`
	Mode            string        `toml:"mode"`
	MaxSegments     int           `toml:"max-segments"`
	CopyConcurrency int           `toml:"copy-concurrency"`
	TrashDir        string        `toml:"trash-dir"`
	TrashRetention  time.Duration `toml:"trash-retention"`

	MinioEndpoint  string `toml:"minio-endpoint"`
	MinioAccessKey string `toml:"minio-access-key"`
	MinioSecretKey string `toml:"minio-secret-key"`
	MinioBucket    string `toml:"minio-bucket"`
	MinioSecure    bool   `toml:"minio-secure"`
}

func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "indexd"
	}
	return &Config{
		NodeID:     host,
		DataDir:    filepath.Join(homeDir, ".indexd"),
		Bind:       ":8080",
		LogLevel:   "info",
		Partitions: []int{0},
		Cluster: Cluster{
			GossipAddr: "0.0.0.0",
			GossipPort: 7946,
			RaftAddr:   "127.0.0.1:7000",
		},
		Routing: Routing{
			Hash:          "md5",
			Buckets:       routing.DefaultBucketCount,
			FallbackRings: routing.DefaultFallbackRings,
		},
		Ingest: Ingest{
			Source:           "none",
			Brokers:          []string{"localhost:9092"},
			Topic:            "events",
			Group:            "indexd",
			KeyField:         "uid",
			BatchSize:        500,
			PollInterval:     time.Second,
			Cache:            "bolt",
			TruncateOnCommit: true,
		},
		Sharding: Sharding{
			Strategy: "fieldmod",
			Field:    "uid",
		},
		Shard: Shard{
			Backend:         "local",
			Mode:            shardwriter.ModeArena.String(),
			MaxSegments:     shardwriter.DefaultMaxSegments,
			CopyConcurrency: shardwriter.DefaultCopyConcurrency,
			TrashRetention:  7 * 24 * time.Hour,
		},
	}
}

// Validate checks the configuration and fills derived defaults.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New(errors.ErrUncoded, "node id must be set")
	}
	if c.DataDir == "" {
		return errors.New(errors.ErrUncoded, "data dir must be set")
	}
	if c.Advertise == "" {
		c.Advertise = c.Bind
	}
	for _, p := range c.Partitions {
		if p < 0 {
			return errors.Errorf("partition ids must not be negative, got %d", p)
		}
	}
	if _, err := routing.HashByName(c.Routing.Hash); err != nil {
		return err
	}
	if c.Routing.Buckets <= 0 {
		return errors.Errorf("routing buckets must be positive, got %d", c.Routing.Buckets)
	}
	if c.Routing.FallbackRings < 0 {
		return errors.Errorf("fallback rings must not be negative, got %d", c.Routing.FallbackRings)
	}
	switch c.Ingest.Source {
	case "none", "file", "kafka":
	default:
		return errors.Errorf("unknown ingest source %q", c.Ingest.Source)
	}
	switch c.Ingest.Cache {
	case "bolt", "wal":
	default:
		return errors.Errorf("unknown cache %q", c.Ingest.Cache)
	}
	if c.Ingest.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.Ingest.BatchSize)
	}
	if _, err := shardwriter.ParseMode(c.Shard.Mode); err != nil {
		return err
	}
	switch c.Shard.Backend {
	case "local":
	case "minio":
		if c.Shard.MinioEndpoint == "" || c.Shard.MinioBucket == "" {
			return errors.New(errors.ErrUncoded, "minio backend needs an endpoint and a bucket")
		}
	default:
		return errors.Errorf("unknown shard backend %q", c.Shard.Backend)
	}
	if c.Shard.PermDir == "" {
		c.Shard.PermDir = filepath.Join(c.DataDir, "shards")
	}
	if c.Shard.TrashDir == "" && c.Shard.Backend == "local" {
		c.Shard.TrashDir = filepath.Join(c.DataDir, ".Trash")
	}
	if c.Ingest.FileDir == "" {
		c.Ingest.FileDir = filepath.Join(c.DataDir, "inbox")
	}
	return nil
}

// PartitionDir is where a partition's live index and cache live.
func (c *Config) PartitionDir(p int) string {
	return filepath.Join(c.DataDir, "partitions", strconv.Itoa(p))
}

// RaftDir holds the raft log and snapshots.
func (c *Config) RaftDir() string {
	return filepath.Join(c.DataDir, "raft")
}

// ShardDir is a shard's permanent directory.
func (c *Config) ShardDir(id int) string {
	if c.Shard.Backend == "minio" {
		return "shards/" + strconv.Itoa(id)
	}
	return filepath.Join(c.Shard.PermDir, "shard-"+strconv.Itoa(id))
}

// ScratchDir is the local scratch space for building a shard.
func (c *Config) ScratchDir(id int) string {
	return filepath.Join(c.DataDir, "scratch", "shard-"+strconv.Itoa(id))
}

// Trash returns the trash settings of the permanent filesystem.
func (c *Config) Trash() fs.TrashConfig {
	dir := c.Shard.TrashDir
	if dir == "" && c.Shard.Backend == "minio" {
		dir = ".Trash"
	}
	return fs.TrashConfig{Dir: dir, Retention: c.Shard.TrashRetention}
}

// ObjectConfig returns the MinIO settings.
func (c *Config) ObjectConfig() fs.ObjectConfig {
	return fs.ObjectConfig{
		Endpoint:  c.Shard.MinioEndpoint,
		AccessKey: c.Shard.MinioAccessKey,
		SecretKey: c.Shard.MinioSecretKey,
		Bucket:    c.Shard.MinioBucket,
		Secure:    c.Shard.MinioSecure,
	}
}

// ShardingProps is the property map handed to sharding.Build.
func (c *Config) ShardingProps() map[string]string {
	props := map[string]string{
		sharding.PropType:  c.Sharding.Strategy,
		sharding.PropField: c.Sharding.Field,
	}
	if b := strings.TrimSpace(c.Sharding.Bounds); b != "" {
		props[sharding.PropBounds] = b
	}
	return props
}
