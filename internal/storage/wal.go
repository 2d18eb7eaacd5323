package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/logger"
	"Distributed-index/internal/metrics"
)

// WALEntry is one record of the cache log. On disk each entry is a ten digit
// length line, the JSON entry, and a newline.
type WALEntry struct {
	Version   int64     `json:"version"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// WALCache is an append-only cache file. Appends go to a buffered writer;
// CommitPending flushes and fsyncs it.
type WALCache struct {
	fs     afero.Fs
	path   string
	logger hclog.Logger

	mu          sync.Mutex
	file        afero.File
	writer      *bufio.Writer
	lastVersion int64
	pending     int
	durable     int64 // file size at the last commit
}

// OpenWALCache opens the log at dir/cache.log, creating dir as needed.
func OpenWALCache(fs afero.Fs, dir string, log hclog.Logger) (*WALCache, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating wal dir %s", dir)
	}
	w := &WALCache{
		fs:          fs,
		path:        filepath.Join(dir, "cache.log"),
		logger:      logger.OrNop(log).Named("wal-cache"),
		lastVersion: -1,
	}
	if err := w.open(); err != nil {
		return nil, err
	}

	// Load the highest durable version and cut off a torn tail so new
	// appends stay readable.
	entries, valid, err := w.readAll()
	if err != nil {
		w.file.Close()
		return nil, err
	}
	if valid < w.durable {
		w.logger.Warn("dropping torn tail", "bytes", w.durable-valid)
		w.file.Close()
		if err := truncateFile(w.fs, w.path, valid); err != nil {
			return nil, errors.Wrap(err, "dropping torn wal tail")
		}
		if err := w.open(); err != nil {
			return nil, err
		}
	}
	if len(entries) > 0 {
		w.lastVersion = entries[len(entries)-1].Version
	}
	w.logger.Debug("opened", "path", w.path, "entries", len(entries), "last_version", w.lastVersion)
	return w, nil
}

func (w *WALCache) open() error {
	file, err := w.fs.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening wal %s", w.path)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrapf(err, "stat wal %s", w.path)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.durable = info.Size()
	return nil
}

// LastVersion is the highest version appended so far, or -1.
func (w *WALCache) LastVersion() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastVersion
}

func (w *WALCache) Append(payload []byte, v int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := writeEntry(w.writer, WALEntry{Version: v, Payload: payload, Timestamp: time.Now()}); err != nil {
		return errors.Wrap(err, "appending to wal")
	}
	if v > w.lastVersion {
		w.lastVersion = v
	}
	w.pending++
	return nil
}

func writeEntry(bw *bufio.Writer, entry WALEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// Write entry length first, then entry data
	if _, err := fmt.Fprintf(bw, "%010d\n", len(data)); err != nil {
		return err
	}
	if _, err := bw.Write(data); err != nil {
		return err
	}
	_, err = bw.WriteString("\n")
	return err
}

func (w *WALCache) CommitPending() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sync()
}

func (w *WALCache) sync() error {
	if err := w.writer.Flush(); err != nil {
		return errors.Wrap(err, "flushing wal")
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "syncing wal")
	}
	info, err := w.file.Stat()
	if err != nil {
		return errors.Wrap(err, "stat wal")
	}
	w.durable = info.Size()
	if w.pending > 0 {
		metrics.CacheOperations.WithLabelValues("wal", "commit").Inc()
	}
	w.pending = 0
	return nil
}

// EntriesSince scans the durable part of the log. Uncommitted entries are
// not returned, even if the write buffer already spilled them to the file.
func (w *WALCache) EntriesSince(v int64) ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	metrics.CacheOperations.WithLabelValues("wal", "read").Inc()

	all, _, err := w.readAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Version >= v {
			out = append(out, Entry{Version: e.Version, Payload: e.Payload})
		}
	}
	return out, nil
}

// readAll returns every complete durable entry and the byte length they
// cover. A torn entry at the tail is the remains of an interrupted batch and
// ends the scan.
func (w *WALCache) readAll() ([]WALEntry, int64, error) {
	file, err := w.fs.Open(w.path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "opening wal %s", w.path)
	}
	defer file.Close()

	var entries []WALEntry
	var valid int64
	r := bufio.NewReader(io.LimitReader(file, w.durable))
	for {
		lengthLine, err := r.ReadString('\n')
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, 0, errors.Wrap(err, "reading wal")
		}
		if len(lengthLine) != 11 {
			w.logger.Warn("bad length line, stopping scan", "offset_entries", len(entries))
			break
		}
		n, err := strconv.Atoi(lengthLine[:10])
		if err != nil {
			w.logger.Warn("bad length line, stopping scan", "error", err)
			break
		}

		buf := make([]byte, n+1)
		if _, err := io.ReadFull(r, buf); err != nil {
			w.logger.Warn("torn entry at tail", "entries", len(entries))
			break
		}
		var entry WALEntry
		if err := json.Unmarshal(buf[:n], &entry); err != nil {
			w.logger.Warn("undecodable entry, stopping scan", "error", err)
			break
		}
		entries = append(entries, entry)
		valid += int64(len(lengthLine) + n + 1)
	}
	return entries, valid, nil
}

// Truncate rewrites the log without entries below upTo. Pending entries are
// committed first. The rewrite goes to a temp file that replaces the log by
// rename.
func (w *WALCache) Truncate(upTo int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	metrics.CacheOperations.WithLabelValues("wal", "truncate").Inc()

	if err := w.sync(); err != nil {
		return err
	}
	all, _, err := w.readAll()
	if err != nil {
		return err
	}

	tmpPath := w.path + ".tmp"
	tmp, err := w.fs.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "creating wal temp file")
	}
	bw := bufio.NewWriter(tmp)
	kept := 0
	for _, e := range all {
		if e.Version < upTo {
			continue
		}
		if err := writeEntry(bw, e); err != nil {
			tmp.Close()
			return errors.Wrap(err, "rewriting wal")
		}
		kept++
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "rewriting wal")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "syncing wal temp file")
	}
	tmp.Close()

	if err := w.file.Close(); err != nil {
		return errors.Wrap(err, "closing wal")
	}
	if err := w.fs.Rename(tmpPath, w.path); err != nil {
		return errors.Wrap(err, "replacing wal")
	}
	w.logger.Debug("truncated", "below", upTo, "kept", kept, "removed", len(all)-kept)
	return w.open()
}

// Close drops uncommitted entries, cutting off anything the write buffer
// spilled past the last commit.
func (w *WALCache) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending > 0 {
		w.logger.Warn("closing with uncommitted entries", "count", w.pending)
	}
	w.writer.Reset(io.Discard)
	if info, err := w.file.Stat(); err == nil && info.Size() > w.durable {
		if err := w.file.Truncate(w.durable); err != nil {
			w.file.Close()
			return errors.Wrap(err, "dropping uncommitted wal tail")
		}
	}
	return w.file.Close()
}

func truncateFile(fs afero.Fs, path string, size int64) error {
	f, err := fs.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
