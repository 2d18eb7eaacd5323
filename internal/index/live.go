package index

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/spf13/afero"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/event"
)

// VersionKey is the commit data key holding the last indexed event version.
const VersionKey = "version"

// Live feeds pipeline events into a writer. Each commit records the version
// of the last event indexed, which is where ingestion resumes.
type Live struct {
	fs  afero.Fs
	dir string

	mu        sync.Mutex
	w         *Writer
	version   int64
	committed int64
	indexed   int64
}

// OpenLive opens the live index in dir.
func OpenLive(fs afero.Fs, dir string, cfg Config) (*Live, error) {
	w, err := OpenWriter(fs, dir, cfg)
	if err != nil {
		return nil, err
	}
	if w.Generation() == 0 {
		if err := w.Commit(); err != nil {
			w.Abort()
			return nil, err
		}
	}
	l := &Live{fs: fs, dir: dir, w: w, version: -1, committed: -1}
	if v, ok := w.CommitData()[VersionKey]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			w.Abort()
			return nil, errors.WrapCode(err, errors.ErrIndexCorruption, "parsing committed version")
		}
		l.version, l.committed = n, n
	}
	return l, nil
}

// Index applies one event.
func (l *Live) Index(ev *event.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := DocumentID(ev.Key)
	if ev.Delete {
		if err := l.w.Delete(id); err != nil {
			return err
		}
	} else {
		fields, err := json.Marshal(ev.Payload)
		if err != nil {
			return errors.Wrap(err, "encoding event payload")
		}
		if err := l.w.Add(Document{ID: id, Key: ev.Key, Fields: fields}); err != nil {
			return err
		}
	}
	if ev.Version > l.version {
		l.version = ev.Version
	}
	l.indexed++
	return nil
}

// Commit makes everything indexed so far durable.
func (l *Live) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.version == l.committed && l.w.Buffered() == 0 {
		return nil
	}
	data := l.w.CommitData()
	data[VersionKey] = strconv.FormatInt(l.version, 10)
	l.w.SetCommitData(data)
	if err := l.w.Commit(); err != nil {
		return err
	}
	l.committed = l.version
	return nil
}

// Version is the last committed event version, or -1.
func (l *Live) Version() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Indexed counts events applied since open.
func (l *Live) Indexed() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.indexed
}

// Snapshot opens a reader on the last commit.
func (l *Live) Snapshot() (*Reader, error) {
	return Open(l.fs, l.dir)
}

// Close commits and releases the directory.
func (l *Live) Close() error {
	if err := l.Commit(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
