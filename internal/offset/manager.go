// Package offset persists read positions of stream sources so that a
// restarted source resumes after its last committed record.
package offset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"Distributed-index/internal/errors"
)

// Position is a single committed read position.
type Position struct {
	Source    string    `json:"source"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager handles source position management
type Manager struct {
	fs        afero.Fs
	dir       string
	positions map[string]map[int32]int64 // source -> partition -> offset
	mu        sync.RWMutex
}

// NewManager loads every position stored under dir.
func NewManager(fs afero.Fs, dir string) (*Manager, error) {
	m := &Manager{
		fs:        fs,
		dir:       dir,
		positions: make(map[string]map[int32]int64),
	}

	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating offsets directory")
	}

	if err := m.load(); err != nil {
		return nil, errors.Wrap(err, "loading offsets")
	}

	return m, nil
}

// Commit records offset as the next position to read for source/partition.
func (m *Manager) Commit(source string, partition int32, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.positions[source] == nil {
		m.positions[source] = make(map[int32]int64)
	}
	m.positions[source][partition] = offset

	return m.persist(Position{
		Source:    source,
		Partition: partition,
		Offset:    offset,
		Timestamp: time.Now(),
	})
}

// Get returns the committed position, or 0 if none was committed.
func (m *Manager) Get(source string, partition int32) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[source][partition]
}

// All returns a copy of every committed partition position of source.
func (m *Manager) All(source string) map[int32]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[int32]int64, len(m.positions[source]))
	for partition, offset := range m.positions[source] {
		result[partition] = offset
	}
	return result
}

var nameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")

func (m *Manager) filename(source string, partition int32) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s-%d.json", nameReplacer.Replace(source), partition))
}

// persist writes to a temp file first, then renames it over the old one.
func (m *Manager) persist(pos Position) error {
	path := m.filename(pos.Source, pos.Partition)

	data, err := json.Marshal(pos)
	if err != nil {
		return errors.Wrap(err, "marshaling offset")
	}

	tmp := path + ".tmp"
	f, err := m.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "opening temp offset file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "writing offset")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "syncing offset file")
	}
	f.Close()
	return errors.Wrap(m.fs.Rename(tmp, path), "renaming temp offset file")
}

func (m *Manager) load() error {
	infos, err := afero.ReadDir(m.fs, m.dir)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.dir, info.Name())
		data, err := afero.ReadFile(m.fs, path)
		if err != nil {
			return errors.Wrapf(err, "reading offset file %s", path)
		}

		var pos Position
		if err := json.Unmarshal(data, &pos); err != nil {
			return errors.Wrapf(err, "unmarshaling offset from %s", path)
		}
		if m.positions[pos.Source] == nil {
			m.positions[pos.Source] = make(map[int32]int64)
		}
		m.positions[pos.Source][pos.Partition] = pos.Offset
	}
	return nil
}
