package ingest

import (
	"strconv"
	"time"

	"Distributed-index/internal/errors"
)

// Property names accepted by ConfigFromProperties.
const (
	PropBatchSize    = "provider.batchSize"
	PropStartVersion = "provider.startVersion"
	PropPollInterval = "provider.pollInterval"
	PropTruncate     = "provider.truncateOnCommit"
)

const DefaultBatchSize = 500

// Config configures one partition's pipeline.
type Config struct {
	Partition int
	// StartVersion is the first version not known to be in the index.
	// Cached entries at or after it are replayed on Start.
	StartVersion int64
	// BatchSize is the number of new records between commits.
	BatchSize int
	// PollInterval > 0 makes Run wait and retry when the source is drained
	// instead of stopping.
	PollInterval time.Duration
	// TruncateOnCommit drops cache entries the index has committed.
	TruncateOnCommit bool
}

func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize}
}

func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Partition < 0 {
		return errors.Errorf("partition must not be negative, got %d", c.Partition)
	}
	if c.PollInterval < 0 {
		return errors.Errorf("poll interval must not be negative, got %s", c.PollInterval)
	}
	return nil
}

// ConfigFromProperties reads a provider property map on top of the
// defaults.
func ConfigFromProperties(partition int, props map[string]string) (Config, error) {
	cfg := DefaultConfig()
	cfg.Partition = partition
	if v, ok := props[PropBatchSize]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "parsing %s", PropBatchSize)
		}
		cfg.BatchSize = n
	}
	if v, ok := props[PropStartVersion]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, errors.Wrapf(err, "parsing %s", PropStartVersion)
		}
		cfg.StartVersion = n
	}
	if v, ok := props[PropPollInterval]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "parsing %s", PropPollInterval)
		}
		cfg.PollInterval = d
	}
	if v, ok := props[PropTruncate]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "parsing %s", PropTruncate)
		}
		cfg.TruncateOnCommit = b
	}
	return cfg, cfg.Validate()
}
