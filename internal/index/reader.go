package index

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/spf13/afero"

	"Distributed-index/internal/errors"
)

// Reader is a resolved, read-only view of one commit point.
type Reader struct {
	dir      string
	commit   *CommitPoint
	docs     map[uint64]Document
	deleted  *roaring64.Bitmap
	segments int
}

// Open reads the latest commit point of dir and every segment it names.
func Open(fs afero.Fs, dir string) (*Reader, error) {
	cp, err := latestCommit(fs, dir)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, errors.Newf(errors.ErrIndexCorruption, "no commit point in %s", dir)
	}
	infos := append([]SegmentInfo(nil), cp.Segments...)
	sortSegments(infos)
	segs := make([]*segment, 0, len(infos))
	for _, info := range infos {
		s, err := readSegment(fs, dir, info)
		if err != nil {
			return nil, err
		}
		segs = append(segs, s)
	}
	docs, deleted := resolve(segs)
	return &Reader{dir: dir, commit: cp, docs: docs, deleted: deleted, segments: len(segs)}, nil
}

func (r *Reader) Dir() string { return r.dir }

// Count is the number of live documents.
func (r *Reader) Count() int { return len(r.docs) }

func (r *Reader) Get(id uint64) (Document, bool) {
	d, ok := r.docs[id]
	return d, ok
}

// IDs returns the live document ids in ascending order.
func (r *Reader) IDs() []uint64 {
	ids := make([]uint64, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Documents returns the live documents ordered by id.
func (r *Reader) Documents() []Document {
	ids := r.IDs()
	out := make([]Document, len(ids))
	for i, id := range ids {
		out[i] = r.docs[id]
	}
	return out
}

// Deleted returns the ids whose last recorded action is a delete.
func (r *Reader) Deleted() *roaring64.Bitmap { return r.deleted.Clone() }

func (r *Reader) Generation() int64 { return r.commit.Generation }

func (r *Reader) SegmentCount() int { return r.segments }

// CommitData returns the user data of the commit point.
func (r *Reader) CommitData() map[string]string {
	out := make(map[string]string, len(r.commit.UserData))
	for k, v := range r.commit.UserData {
		out[k] = v
	}
	return out
}
