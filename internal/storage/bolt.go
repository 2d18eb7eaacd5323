package storage

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	bolt "go.etcd.io/bbolt"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/logger"
	"Distributed-index/internal/metrics"
)

var entriesBucket = []byte("entries")

// BoltCache keeps entries in a bbolt bucket keyed by version. Buffered
// appends are written in a single Update transaction on commit.
type BoltCache struct {
	db     *bolt.DB
	name   string
	logger hclog.Logger

	mu      sync.Mutex
	pending []Entry
}

// OpenBoltCache opens (or creates) the cache at path. NoSync is left off:
// CommitPending is the durability point.
func OpenBoltCache(path string, log hclog.Logger) (*BoltCache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt cache %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating entries bucket")
	}
	return &BoltCache{db: db, name: path, logger: logger.OrNop(log).Named("bolt-cache")}, nil
}

// versionKey maps an int64 onto a big-endian key whose byte order matches
// numeric order, negatives included.
func versionKey(v int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(v)^(1<<63))
	return k[:]
}

func keyVersion(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k) ^ (1 << 63))
}

func (c *BoltCache) EntriesSince(v int64) ([]Entry, error) {
	metrics.CacheOperations.WithLabelValues("bolt", "read").Inc()
	var out []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(entriesBucket).Cursor()
		for k, val := cur.Seek(versionKey(v)); k != nil; k, val = cur.Next() {
			payload := make([]byte, len(val))
			copy(payload, val)
			out = append(out, Entry{Version: keyVersion(k), Payload: payload})
		}
		return nil
	})
	return out, errors.Wrap(err, "reading bolt cache")
}

func (c *BoltCache) Append(payload []byte, v int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.pending = append(c.pending, Entry{Version: v, Payload: buf})
	return nil
}

func (c *BoltCache) CommitPending() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	metrics.CacheOperations.WithLabelValues("bolt", "commit").Inc()
	err := c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(entriesBucket)
		for _, e := range c.pending {
			if err := bkt.Put(versionKey(e.Version), e.Payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "committing bolt cache")
	}
	c.logger.Debug("committed entries", "count", len(c.pending), "last", c.pending[len(c.pending)-1].Version)
	c.pending = c.pending[:0]
	return nil
}

func (c *BoltCache) Truncate(upTo int64) error {
	metrics.CacheOperations.WithLabelValues("bolt", "truncate").Inc()
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(entriesBucket)
		limit := versionKey(upTo)
		var doomed [][]byte
		cur := bkt.Cursor()
		for k, _ := cur.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = cur.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "truncating bolt cache")
	}
	c.logger.Debug("truncated", "below", upTo, "removed", removed)
	return nil
}

// Close drops any uncommitted entries.
func (c *BoltCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		c.logger.Warn("closing with uncommitted entries", "count", len(c.pending))
	}
	c.pending = nil
	return c.db.Close()
}
