package index

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/event"
)

func doc(id uint64) Document {
	return Document{ID: id, Key: fmt.Sprint(id), Fields: json.RawMessage(fmt.Sprintf(`{"n":%d}`, id))}
}

func docs(ids ...uint64) []Document {
	out := make([]Document, len(ids))
	for i, id := range ids {
		out[i] = doc(id)
	}
	return out
}

func TestWriterCommitAndReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := OpenWriter(fs, "/idx", Config{})
	require.NoError(t, err)
	for _, d := range docs(1, 2, 3) {
		require.NoError(t, w.Add(d))
	}
	require.NoError(t, w.Delete(2))
	w.SetCommitData(map[string]string{"k": "v"})
	require.NoError(t, w.Close())

	r, err := Open(fs, "/idx")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, r.IDs())
	assert.Equal(t, "v", r.CommitData()["k"])
	assert.Equal(t, int64(1), r.Generation())

	w, err = OpenWriter(fs, "/idx", Config{})
	require.NoError(t, err)
	require.NoError(t, w.Delete(1))
	require.NoError(t, w.Add(doc(4)))
	require.NoError(t, w.Close())

	r, err = Open(fs, "/idx")
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, r.IDs())
	assert.True(t, r.Deleted().Contains(1))
	assert.Equal(t, "v", r.CommitData()["k"], "commit data carries over")
}

func TestWriterLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := OpenWriter(fs, "/idx", Config{})
	require.NoError(t, err)
	_, err = OpenWriter(fs, "/idx", Config{})
	assert.True(t, errors.Is(err, errors.ErrLocked))
	require.NoError(t, w.Abort())

	w, err = OpenWriter(fs, "/idx", Config{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Error(t, w.Add(doc(1)))
}

func TestKeepOnlyLastCommit(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := OpenWriter(fs, "/idx", Config{})
	require.NoError(t, err)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, w.Add(doc(i)))
		require.NoError(t, w.Commit())
	}
	require.NoError(t, w.ForceMerge(1))
	require.NoError(t, w.Close())

	gens, err := listCommits(fs, "/idx")
	require.NoError(t, err)
	assert.Len(t, gens, 1)

	segs, err := afero.Glob(fs, "/idx/_*.seg")
	require.NoError(t, err)
	assert.Len(t, segs, 1)

	r, err := Open(fs, "/idx")
	require.NoError(t, err)
	assert.Equal(t, 5, r.Count())
	assert.Equal(t, 1, r.SegmentCount())
}

func TestKeepAllRetainsHistory(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := OpenWriter(fs, "/idx", Config{Policy: KeepAll{}})
	require.NoError(t, err)
	require.NoError(t, w.Add(doc(1)))
	require.NoError(t, w.Commit())
	require.NoError(t, w.Add(doc(2)))
	require.NoError(t, w.Close())
	gens, err := listCommits(fs, "/idx")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, gens)
}

func TestForceMergePreservesContents(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := OpenWriter(fs, "/idx", Config{})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	want := map[uint64]bool{}
	for round := 0; round < 12; round++ {
		for i := 0; i < 20; i++ {
			id := uint64(rng.Intn(60))
			if rng.Intn(3) == 0 {
				require.NoError(t, w.Delete(id))
				delete(want, id)
			} else {
				require.NoError(t, w.Add(doc(id)))
				want[id] = true
			}
		}
		require.NoError(t, w.Commit())
	}
	require.NoError(t, w.ForceMerge(3))
	assert.LessOrEqual(t, w.SegmentCount(), 3)
	require.NoError(t, w.Close())

	r, err := Open(fs, "/idx")
	require.NoError(t, err)
	assert.Equal(t, len(want), r.Count())
	for id := range want {
		_, ok := r.Get(id)
		assert.True(t, ok, "doc %d", id)
	}

	w, err = OpenWriter(fs, "/idx", Config{})
	require.NoError(t, err)
	require.NoError(t, w.ForceMerge(1))
	require.NoError(t, w.Close())
	r2, err := Open(fs, "/idx")
	require.NoError(t, err)
	assert.Equal(t, r.IDs(), r2.IDs())
	assert.True(t, r2.Deleted().IsEmpty(), "a single segment needs no deletes")
}

func TestForceMergeNonPositiveIsNoop(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := OpenWriter(fs, "/idx", Config{})
	require.NoError(t, err)
	require.NoError(t, w.Add(doc(1)))
	require.NoError(t, w.Commit())
	require.NoError(t, w.Add(doc(2)))
	require.NoError(t, w.Commit())
	require.NoError(t, w.ForceMerge(-1))
	assert.Equal(t, 2, w.SegmentCount())
	require.NoError(t, w.Close())
}

func buildForms(t *testing.T, fs afero.Fs) []Form {
	specs := []struct {
		inserts []uint64
		deletes []uint64
	}{
		{inserts: []uint64{1, 2, 3}, deletes: []uint64{10}},
		{inserts: []uint64{4, 5, 10}},
		{inserts: []uint64{6, 7}, deletes: []uint64{2, 5}},
		{inserts: []uint64{8, 2}, deletes: []uint64{8}},
	}
	forms := make([]Form, len(specs))
	for i, s := range specs {
		f, err := BuildForm(fs, fmt.Sprintf("/forms/%d", i), docs(s.inserts...), s.deletes)
		require.NoError(t, err)
		forms[i] = f
	}
	return forms
}

func TestMergeIndexIsOrderIndependent(t *testing.T) {
	fs := afero.NewMemMapFs()
	forms := buildForms(t, fs)
	// Union of inserts minus union of deletes.
	want := []uint64{1, 3, 4, 6, 7}

	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}}
	for i, order := range orders {
		dir := fmt.Sprintf("/shard-%d", i)
		w, err := OpenWriter(fs, dir, Config{})
		require.NoError(t, err)
		for _, k := range order {
			require.NoError(t, w.MergeIndex(forms[k].Dir))
		}
		require.NoError(t, w.ForceMerge(1))
		require.NoError(t, w.Close())

		r, err := Open(fs, dir)
		require.NoError(t, err)
		assert.Equal(t, want, r.IDs(), "order %v", order)
	}
}

func TestMergeIndexCommutesAcrossForceMerge(t *testing.T) {
	fs := afero.NewMemMapFs()
	forms := buildForms(t, fs)
	want := []uint64{1, 3, 4, 6, 7}

	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}}
	for i, order := range orders {
		dir := fmt.Sprintf("/merged-%d", i)
		w, err := OpenWriter(fs, dir, Config{})
		require.NoError(t, err)
		for _, k := range order {
			require.NoError(t, w.MergeIndex(forms[k].Dir))
			require.NoError(t, w.ForceMerge(1))
			require.NoError(t, w.Commit())
		}
		require.NoError(t, w.Close())

		r, err := Open(fs, dir)
		require.NoError(t, err)
		assert.Equal(t, want, r.IDs(), "order %v", order)
	}
}

func TestMergeIndexDeletesExistingDocs(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := OpenWriter(fs, "/shard", Config{})
	require.NoError(t, err)
	require.NoError(t, w.Add(doc(100)))
	require.NoError(t, w.Add(doc(101)))
	require.NoError(t, w.Commit())

	f, err := BuildForm(fs, "/forms/x", docs(102), []uint64{100})
	require.NoError(t, err)
	require.NoError(t, w.MergeIndex(f.Dir))
	require.NoError(t, w.Close())

	r, err := Open(fs, "/shard")
	require.NoError(t, err)
	assert.Equal(t, []uint64{101, 102}, r.IDs())
}

func TestCorruptSegmentDetected(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := BuildForm(fs, "/f", docs(1, 2), nil)
	require.NoError(t, err)
	segs, err := afero.Glob(fs, "/f/_*.seg")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.NoError(t, afero.WriteFile(fs, segs[0], []byte("garbage"), 0644))

	_, err = Open(fs, "/f")
	assert.True(t, errors.Is(err, errors.ErrIndexCorruption))

	_, err = Open(fs, "/missing")
	assert.True(t, errors.Is(err, errors.ErrIndexCorruption))
}

func TestExists(t *testing.T) {
	fs := afero.NewMemMapFs()
	ok, err := Exists(fs, "/nope")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = BuildForm(fs, "/f", nil, nil)
	require.NoError(t, err)
	ok, err = Exists(fs, "/f")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDocumentID(t *testing.T) {
	assert.Equal(t, uint64(42), DocumentID("42"))
	assert.Equal(t, uint64(18446744073709551615), DocumentID("18446744073709551615"))
	assert.Equal(t, DocumentID("alice"), DocumentID("alice"))
	assert.NotEqual(t, DocumentID("alice"), DocumentID("bob"))
}

func TestLiveTracksVersion(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := filepath.Join("/live", "p0")
	l, err := OpenLive(fs, dir, Config{})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), l.Version())

	require.NoError(t, l.Index(&event.Event{Version: 0, Key: "1", Payload: event.Record{"a": "x"}}))
	require.NoError(t, l.Index(&event.Event{Version: 1, Key: "2"}))
	require.NoError(t, l.Index(&event.Event{Version: 2, Key: "1", Delete: true}))
	assert.Equal(t, int64(-1), l.Version())
	require.NoError(t, l.Commit())
	assert.Equal(t, int64(2), l.Version())
	require.NoError(t, l.Close())

	l, err = OpenLive(fs, dir, Config{})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, int64(2), l.Version())
	r, err := l.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, r.IDs())
}
