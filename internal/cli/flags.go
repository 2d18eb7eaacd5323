package cli

import (
	"github.com/spf13/pflag"

	"Distributed-index/internal/config"
)

// nodeFlags registers every node option on flags, writing into cfg. Flag
// names match the keys of the TOML config file.
func nodeFlags(flags *pflag.FlagSet, cfg *config.Config) {
	flags.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "Unique id of this node.")
	flags.StringVarP(&cfg.DataDir, "data-dir", "d", cfg.DataDir, "Directory for partitions, caches, raft state and scratch space.")
	flags.StringVarP(&cfg.Bind, "bind", "b", cfg.Bind, "Address the admin API listens on.")
	flags.StringVar(&cfg.Advertise, "advertise", cfg.Advertise, "API address other nodes route to. Defaults to bind.")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: trace, debug, info, warn or error.")
	flags.IntSliceVar(&cfg.Partitions, "partitions", cfg.Partitions, "Partitions served by this node.")

	flags.StringVar(&cfg.Cluster.GossipAddr, "cluster.gossip-addr", cfg.Cluster.GossipAddr, "Gossip bind address.")
	flags.IntVar(&cfg.Cluster.GossipPort, "cluster.gossip-port", cfg.Cluster.GossipPort, "Gossip bind port.")
	flags.StringSliceVar(&cfg.Cluster.Seeds, "cluster.seeds", cfg.Cluster.Seeds, "Gossip addresses of nodes to join.")
	flags.StringVar(&cfg.Cluster.RaftAddr, "cluster.raft-addr", cfg.Cluster.RaftAddr, "Raft bind address of the shard registry.")
	flags.BoolVar(&cfg.Cluster.Bootstrap, "cluster.bootstrap", cfg.Cluster.Bootstrap, "Bootstrap a new registry cluster with this node.")

	flags.StringVar(&cfg.Routing.Hash, "routing.hash", cfg.Routing.Hash, "Key hash function: md5 or xxhash.")
	flags.IntVar(&cfg.Routing.Buckets, "routing.buckets", cfg.Routing.Buckets, "Ring positions per endpoint.")
	flags.IntVar(&cfg.Routing.FallbackRings, "routing.fallback-rings", cfg.Routing.FallbackRings, "Extra rings tried when an owner is down.")

	flags.StringVar(&cfg.Ingest.Source, "ingest.source", cfg.Ingest.Source, "Event source: kafka, file or none.")
	flags.StringSliceVar(&cfg.Ingest.Brokers, "ingest.brokers", cfg.Ingest.Brokers, "Kafka brokers.")
	flags.StringVar(&cfg.Ingest.Topic, "ingest.topic", cfg.Ingest.Topic, "Kafka topic prefix. Partition p reads <topic>-<p>.")
	flags.StringVar(&cfg.Ingest.Group, "ingest.group", cfg.Ingest.Group, "Kafka consumer group.")
	flags.StringVar(&cfg.Ingest.FileDir, "ingest.file-dir", cfg.Ingest.FileDir, "Directory of partition-<p>.ndjson files for the file source.")
	flags.StringVar(&cfg.Ingest.KeyField, "ingest.key-field", cfg.Ingest.KeyField, "Record field used as the document key.")
	flags.IntVar(&cfg.Ingest.BatchSize, "ingest.batch-size", cfg.Ingest.BatchSize, "Events per commit.")
	flags.DurationVar(&cfg.Ingest.PollInterval, "ingest.poll-interval", cfg.Ingest.PollInterval, "Wait before polling a drained source again.")
	flags.StringVar(&cfg.Ingest.Cache, "ingest.cache", cfg.Ingest.Cache, "Persistent cache: bolt or wal.")
	flags.BoolVar(&cfg.Ingest.TruncateOnCommit, "ingest.truncate-on-commit", cfg.Ingest.TruncateOnCommit, "Drop cached events once they are indexed.")

	flags.StringVar(&cfg.Sharding.Strategy, "sharding.strategy", cfg.Sharding.Strategy, "Sharding strategy: fieldmod, hash, jump or range.")
	flags.StringVar(&cfg.Sharding.Field, "sharding.field", cfg.Sharding.Field, "Record field the strategy reads.")
	flags.StringVar(&cfg.Sharding.Bounds, "sharding.bounds", cfg.Sharding.Bounds, "Ascending bounds of the range strategy.")

	flags.StringVar(&cfg.Shard.Backend, "shard.backend", cfg.Shard.Backend, "Permanent shard storage: local or minio.")
	flags.StringVar(&cfg.Shard.PermDir, "shard.perm-dir", cfg.Shard.PermDir, "Root of permanent shard directories.")
	flags.StringVar(&cfg.Shard.Mode, "shard.mode", cfg.Shard.Mode, "Promotion mode: arena or quarantine.")
	flags.IntVar(&cfg.Shard.MaxSegments, "shard.max-segments", cfg.Shard.MaxSegments, "Merge down to this many segments before promotion. Negative disables.")
	flags.IntVar(&cfg.Shard.CopyConcurrency, "shard.copy-concurrency", cfg.Shard.CopyConcurrency, "Parallel file copies during arena promotion.")
	flags.StringVar(&cfg.Shard.TrashDir, "shard.trash-dir", cfg.Shard.TrashDir, "Trash directory for replaced generations.")
	flags.DurationVar(&cfg.Shard.TrashRetention, "shard.trash-retention", cfg.Shard.TrashRetention, "How long trashed generations are kept.")
	flags.StringVar(&cfg.Shard.MinioEndpoint, "shard.minio-endpoint", cfg.Shard.MinioEndpoint, "MinIO endpoint.")
	flags.StringVar(&cfg.Shard.MinioAccessKey, "shard.minio-access-key", cfg.Shard.MinioAccessKey, "MinIO access key.")
	flags.StringVar(&cfg.Shard.MinioSecretKey, "shard.minio-secret-key", cfg.Shard.MinioSecretKey, "MinIO secret key.")
	flags.StringVar(&cfg.Shard.MinioBucket, "shard.minio-bucket", cfg.Shard.MinioBucket, "MinIO bucket.")
	flags.BoolVar(&cfg.Shard.MinioSecure, "shard.minio-secure", cfg.Shard.MinioSecure, "Use TLS for MinIO.")
}
