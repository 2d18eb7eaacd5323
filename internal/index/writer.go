package index

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/logger"
)

// Config configures a Writer.
type Config struct {
	Policy DeletionPolicy
	Logger hclog.Logger
}

// Writer is the single writer of an index directory. It holds write.lock
// in the directory until Close or Abort.
type Writer struct {
	fs     afero.Fs
	dir    string
	policy DeletionPolicy
	logger hclog.Logger

	generation  int64
	segments    []SegmentInfo // ordered by Seq
	nextSegment int64
	nextSeq     int64
	userData    map[string]string

	importSeq int64 // -1 until the first MergeIndex of this session
	// importDeletes is the union of the deletes of every import so far. It
	// is written into each later import so older deletes still win.
	importDeletes *roaring64.Bitmap
	adds      map[uint64]Document
	deletes   *roaring64.Bitmap
	dirty     bool
	closed    bool
}

// OpenWriter opens dir for writing, creating it if needed and loading its
// latest commit point. A second writer on the same directory gets ErrLocked.
func OpenWriter(fs afero.Fs, dir string, cfg Config) (*Writer, error) {
	if cfg.Policy == nil {
		cfg.Policy = KeepOnlyLastCommit{}
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating index dir %s", dir)
	}

	lock, err := fs.OpenFile(filepath.Join(dir, lockName), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Newf(errors.ErrLocked, "index %s is locked by another writer", dir)
		}
		return nil, errors.Wrap(err, "acquiring write lock")
	}
	lock.Close()

	w := &Writer{
		fs:        fs,
		dir:       dir,
		policy:    cfg.Policy,
		logger:    logger.OrNop(cfg.Logger).Named("index"),
		importSeq:     -1,
		importDeletes: roaring64.New(),
		adds:          make(map[uint64]Document),
		deletes:       roaring64.New(),
		userData:      map[string]string{},
	}

	cp, err := latestCommit(fs, dir)
	if err != nil {
		w.releaseLock()
		return nil, err
	}
	if cp != nil {
		w.generation = cp.Generation
		w.segments = append(w.segments, cp.Segments...)
		w.nextSegment = cp.NextSegment
		w.nextSeq = cp.NextSeq
		for k, v := range cp.UserData {
			w.userData[k] = v
		}
	} else {
		w.dirty = true
	}
	return w, nil
}

// Dir returns the index directory.
func (w *Writer) Dir() string { return w.dir }

// Generation is the generation of the last commit point, 0 for a new index.
func (w *Writer) Generation() int64 { return w.generation }

// SegmentCount counts committed and flushed segments, not the buffer.
func (w *Writer) SegmentCount() int { return len(w.segments) }

// Buffered is the number of buffered adds plus deletes.
func (w *Writer) Buffered() int { return len(w.adds) + int(w.deletes.GetCardinality()) }

func (w *Writer) checkOpen() error {
	if w.closed {
		return errors.Errorf("index writer for %s is closed", w.dir)
	}
	return nil
}

// Add buffers doc, replacing any earlier document with the same id.
func (w *Writer) Add(doc Document) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	w.adds[doc.ID] = doc
	w.deletes.Remove(doc.ID)
	w.dirty = true
	return nil
}

// Delete buffers a delete of id.
func (w *Writer) Delete(id uint64) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	delete(w.adds, id)
	w.deletes.Add(id)
	w.dirty = true
	return nil
}

// SetCommitData replaces the user data stored with the next commit point.
func (w *Writer) SetCommitData(data map[string]string) {
	w.userData = make(map[string]string, len(data))
	for k, v := range data {
		w.userData[k] = v
	}
	w.dirty = true
}

// CommitData returns a copy of the current user data.
func (w *Writer) CommitData() map[string]string {
	out := make(map[string]string, len(w.userData))
	for k, v := range w.userData {
		out[k] = v
	}
	return out
}

func (w *Writer) allocSegment() string {
	name := segmentName(w.nextSegment)
	w.nextSegment++
	return name
}

// flush writes the buffer as a new segment.
func (w *Writer) flush() error {
	if len(w.adds) == 0 && w.deletes.IsEmpty() {
		return nil
	}
	seq := w.nextSeq
	w.nextSeq++
	info, err := writeSegment(w.fs, w.dir, w.allocSegment(), seq, w.adds, w.deletes)
	if err != nil {
		return err
	}
	w.segments = append(w.segments, info)
	w.adds = make(map[uint64]Document)
	w.deletes = roaring64.New()
	return nil
}

// MergeIndex imports the committed contents of another index directory on
// the same filesystem as one segment. Every import of a writer session
// shares one sequence number and its deletes include those of all earlier
// imports, so imports commute even across ForceMerge: the result is the
// union of their documents minus the union of their deletes.
func (w *Writer) MergeIndex(dir string) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	r, err := Open(w.fs, dir)
	if err != nil {
		return errors.Wrapf(err, "opening index %s for merge", dir)
	}
	if err := w.flush(); err != nil {
		return err
	}
	if w.importSeq < 0 {
		w.importSeq = w.nextSeq
		w.nextSeq++
	}
	if r.deleted != nil {
		w.importDeletes.Or(r.deleted)
	}
	info, err := writeSegment(w.fs, w.dir, w.allocSegment(), w.importSeq, r.docs, w.importDeletes.Clone())
	if err != nil {
		return err
	}
	w.segments = append(w.segments, info)
	sortSegments(w.segments)
	w.dirty = true
	w.logger.Debug("merged index", "source", dir, "docs", info.DocCount, "deletes", info.DeleteCount)
	return nil
}

// ForceMerge merges segments until at most n remain. Only whole groups of
// equal sequence are merged, either alone or with their neighbour, smallest
// candidate first. n <= 0 leaves the segments alone. The result is not
// committed.
func (w *Writer) ForceMerge(n int) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}
	if err := w.flush(); err != nil {
		return err
	}
	for len(w.segments) > n {
		lo, hi := w.pickMerge()
		if err := w.mergeRange(lo, hi); err != nil {
			return err
		}
		w.dirty = true
	}
	if w.importSeq >= 0 && !w.hasSeq(w.importSeq) {
		// The import group was merged into a later group. Later imports
		// need a sequence above it.
		w.importSeq = -1
	}
	return nil
}

func (w *Writer) hasSeq(seq int64) bool {
	for _, s := range w.segments {
		if s.Seq == seq {
			return true
		}
	}
	return false
}

// groups returns [start, end) bounds of each equal-seq run of segments.
func (w *Writer) groups() [][2]int {
	var out [][2]int
	for i := 0; i < len(w.segments); {
		j := i
		for j < len(w.segments) && w.segments[j].Seq == w.segments[i].Seq {
			j++
		}
		out = append(out, [2]int{i, j})
		i = j
	}
	return out
}

// pickMerge chooses the segment range to merge next: a multi-segment group
// or a pair of adjacent groups, whichever holds the fewest entries.
func (w *Writer) pickMerge() (int, int) {
	groups := w.groups()
	weight := func(lo, hi int) int {
		total := 0
		for _, s := range w.segments[lo:hi] {
			total += s.weight()
		}
		return total
	}
	bestLo, bestHi, best := -1, -1, 0
	consider := func(lo, hi int) {
		if wt := weight(lo, hi); bestLo < 0 || wt < best {
			bestLo, bestHi, best = lo, hi, wt
		}
	}
	for i, g := range groups {
		if g[1]-g[0] > 1 {
			consider(g[0], g[1])
		}
		if i+1 < len(groups) {
			consider(g[0], groups[i+1][1])
		}
	}
	return bestLo, bestHi
}

// mergeRange replaces segments[lo:hi] with one segment carrying their net
// effect. Deletes are only kept when older segments remain below the range.
func (w *Writer) mergeRange(lo, hi int) error {
	segs := make([]*segment, 0, hi-lo)
	for _, info := range w.segments[lo:hi] {
		s, err := readSegment(w.fs, w.dir, info)
		if err != nil {
			return err
		}
		segs = append(segs, s)
	}
	adds, dels := resolve(segs)
	if lo == 0 {
		dels = nil
	}
	seq := w.segments[hi-1].Seq
	info, err := writeSegment(w.fs, w.dir, w.allocSegment(), seq, adds, dels)
	if err != nil {
		return err
	}
	merged := make([]SegmentInfo, 0, len(w.segments)-(hi-lo)+1)
	merged = append(merged, w.segments[:lo]...)
	merged = append(merged, info)
	merged = append(merged, w.segments[hi:]...)
	w.segments = merged
	return nil
}

// Commit flushes the buffer and writes a new commit point. A commit with
// nothing changed is a no-op.
func (w *Writer) Commit() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if err := w.flush(); err != nil {
		return err
	}
	if !w.dirty {
		return nil
	}
	cp := &CommitPoint{
		Generation:  w.generation + 1,
		Segments:    append([]SegmentInfo(nil), w.segments...),
		NextSegment: w.nextSegment,
		NextSeq:     w.nextSeq,
		UserData:    w.CommitData(),
		Timestamp:   time.Now(),
	}
	if err := writeCommit(w.fs, w.dir, cp); err != nil {
		return err
	}
	w.generation = cp.Generation
	w.dirty = false
	w.logger.Debug("committed", "dir", w.dir, "generation", cp.Generation, "segments", len(cp.Segments))
	return w.deleteObsolete()
}

// deleteObsolete applies the deletion policy, then removes segment and temp
// files no remaining commit point or the writer references.
func (w *Writer) deleteObsolete() error {
	gens, err := listCommits(w.fs, w.dir)
	if err != nil {
		return errors.Wrap(err, "listing commit points")
	}
	commits := make([]*CommitPoint, 0, len(gens))
	for _, gen := range gens {
		cp, err := readCommit(w.fs, w.dir, gen)
		if err != nil {
			return err
		}
		commits = append(commits, cp)
	}

	obsolete := map[int64]bool{}
	for _, cp := range w.policy.Obsolete(commits) {
		if cp.Generation == w.generation {
			continue
		}
		obsolete[cp.Generation] = true
		if err := w.fs.Remove(filepath.Join(w.dir, commitName(cp.Generation))); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "removing commit point")
		}
	}

	live := map[string]bool{}
	for _, s := range w.segments {
		live[s.Name] = true
	}
	for _, cp := range commits {
		if obsolete[cp.Generation] {
			continue
		}
		for _, s := range cp.Segments {
			live[s.Name] = true
		}
	}

	infos, err := afero.ReadDir(w.fs, w.dir)
	if err != nil {
		return errors.Wrap(err, "listing index dir")
	}
	for _, info := range infos {
		name := info.Name()
		stale := (isSegmentName(name) && !live[name]) || strings.HasSuffix(name, ".tmp")
		if !stale {
			continue
		}
		if err := w.fs.Remove(filepath.Join(w.dir, name)); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("could not remove stale file", "file", name, "error", err)
		}
	}
	return nil
}

// Close commits and releases the write lock.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if err := w.Commit(); err != nil {
		return err
	}
	w.closed = true
	return w.releaseLock()
}

// Abort releases the write lock without committing.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.releaseLock()
}

func (w *Writer) releaseLock() error {
	err := w.fs.Remove(filepath.Join(w.dir, lockName))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "releasing write lock")
	}
	return nil
}
