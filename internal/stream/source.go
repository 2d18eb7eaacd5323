// Package stream provides the raw record sources an ingestion pipeline pulls
// from. Sources are not safe for concurrent use; run one per pipeline.
package stream

import (
	"context"
	"io"
	"sync"

	"Distributed-index/internal/event"
)

// Source yields raw records in order. Next returns io.EOF when nothing is
// available right now; a later call may succeed. Commit acknowledges every
// record returned so far.
type Source interface {
	Next(ctx context.Context) (*event.RawRecord, error)
	Commit(ctx context.Context) error
	Close() error
}

// SliceSource serves a fixed list of records. Commit remembers how far the
// consumer got.
type SliceSource struct {
	mu        sync.Mutex
	records   []*event.RawRecord
	next      int
	committed int
	commits   int
}

func NewSliceSource(records ...*event.RawRecord) *SliceSource {
	return &SliceSource{records: records}
}

// Push appends more records.
func (s *SliceSource) Push(records ...*event.RawRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
}

func (s *SliceSource) Next(ctx context.Context) (*event.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.next]
	s.next++
	return r, nil
}

func (s *SliceSource) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = s.next
	s.commits++
	return nil
}

// Committed returns the number of records acknowledged and how many commits
// happened.
func (s *SliceSource) Committed() (records, commits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed, s.commits
}

func (s *SliceSource) Close() error { return nil }
