// Package storage holds the persistent caches that sit between a stream
// source and the live index. Appended entries become durable only after
// CommitPending; a crash loses at most the pending batch, which the source
// redelivers because its position is committed after the cache.
package storage

import "io"

// Entry is one cached event payload tagged with its pipeline version.
type Entry struct {
	Version int64  `json:"version"`
	Payload []byte `json:"payload"`
}

// Cache is a durable, version-ordered log of event payloads.
type Cache interface {
	// EntriesSince returns the durable entries with Version >= v, in
	// version order.
	EntriesSince(v int64) ([]Entry, error)

	// Append buffers an entry. It is not visible to EntriesSince until
	// CommitPending returns.
	Append(payload []byte, v int64) error

	// CommitPending makes every buffered entry durable.
	CommitPending() error

	// Truncate drops durable entries with Version < upTo.
	Truncate(upTo int64) error

	io.Closer
}
