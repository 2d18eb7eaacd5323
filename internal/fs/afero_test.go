package fs

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemFS(retention time.Duration) (*AferoFS, afero.Fs) {
	mem := afero.NewMemMapFs()
	return NewAferoFS(mem, TrashConfig{Dir: "/.Trash", Retention: retention}, nil), mem
}

func TestCopyFromLocalTree(t *testing.T) {
	ctx := context.Background()
	perm, _ := newMemFS(0)
	local := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(local, "/scratch/a", []byte("aa"), 0644))
	require.NoError(t, afero.WriteFile(local, "/scratch/sub/b", []byte("bbb"), 0644))

	require.NoError(t, perm.CopyFromLocal(ctx, local, "/scratch", "/shards/1"))
	data, err := perm.ReadFile(ctx, "/shards/1/sub/b")
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(data))

	entries, err := perm.List(ctx, "/shards/1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, int64(2), entries[0].Size)
	assert.True(t, entries[1].IsDir)

	// Copying a single file overwrites.
	require.NoError(t, afero.WriteFile(local, "/scratch/a", []byte("A"), 0644))
	require.NoError(t, perm.CopyFromLocal(ctx, local, "/scratch/a", "/shards/1/a"))
	info, err := perm.Stat(ctx, "/shards/1/a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Size)
}

func TestMoveToTrashDirectory(t *testing.T) {
	ctx := context.Background()
	perm, mem := newMemFS(0)
	require.NoError(t, afero.WriteFile(mem, "/shards/1/seg", []byte("x"), 0644))

	moved, err := perm.MoveToTrash(ctx, "/shards/1")
	require.NoError(t, err)
	assert.True(t, moved)

	ok, err := perm.Exists(ctx, "/shards/1")
	require.NoError(t, err)
	assert.False(t, ok)

	checkpoints, err := perm.List(ctx, "/.Trash")
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	data, err := afero.ReadFile(mem, checkpoints[0].Path+"/shards/1/seg")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	moved, err = perm.MoveToTrash(ctx, "/shards/missing")
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestMoveToTrashSameCheckpoint(t *testing.T) {
	ctx := context.Background()
	perm, mem := newMemFS(0)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	perm.now = func() time.Time { return fixed }

	require.NoError(t, afero.WriteFile(mem, "/p/f", []byte("1"), 0644))
	_, err := perm.MoveToTrash(ctx, "/p/f")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(mem, "/p/f", []byte("2"), 0644))
	_, err = perm.MoveToTrash(ctx, "/p/f")
	require.NoError(t, err)

	base := "/.Trash/" + checkpointName(fixed) + "/p/f"
	first, err := afero.ReadFile(mem, base)
	require.NoError(t, err)
	second, err := afero.ReadFile(mem, base+".1")
	require.NoError(t, err)
	assert.Equal(t, "1", string(first))
	assert.Equal(t, "2", string(second))
}

func TestTrashExpunge(t *testing.T) {
	ctx := context.Background()
	perm, mem := newMemFS(time.Hour)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	perm.now = func() time.Time { return clock }

	require.NoError(t, afero.WriteFile(mem, "/old", []byte("o"), 0644))
	_, err := perm.MoveToTrash(ctx, "/old")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	require.NoError(t, afero.WriteFile(mem, "/new", []byte("n"), 0644))
	_, err = perm.MoveToTrash(ctx, "/new")
	require.NoError(t, err)

	checkpoints, err := perm.List(ctx, "/.Trash")
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, checkpointName(clock), checkpoints[0].Name)
}

func TestTrashDisabled(t *testing.T) {
	ctx := context.Background()
	mem := afero.NewMemMapFs()
	perm := NewAferoFS(mem, TrashConfig{}, nil)
	require.NoError(t, afero.WriteFile(mem, "/x", []byte("x"), 0644))
	moved, err := perm.MoveToTrash(ctx, "/x")
	require.NoError(t, err)
	assert.False(t, moved)
	ok, err := perm.Exists(ctx, "/x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWriteFileAndRename(t *testing.T) {
	ctx := context.Background()
	perm, mem := newMemFS(0)
	require.NoError(t, perm.WriteFile(ctx, "/shards/CURRENT", []byte("gen-1")))
	require.NoError(t, perm.WriteFile(ctx, "/shards/CURRENT", []byte("gen-2")))
	data, err := perm.ReadFile(ctx, "/shards/CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "gen-2", string(data))
	ok, err := afero.Exists(mem, "/shards/CURRENT.tmp")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, afero.WriteFile(mem, "/a/b/c", []byte("c"), 0644))
	require.NoError(t, perm.Rename(ctx, "/a", "/z"))
	data, err = perm.ReadFile(ctx, "/z/b/c")
	require.NoError(t, err)
	assert.Equal(t, "c", string(data))
	require.NoError(t, perm.RemoveAll(ctx, "/z"))
	ok, err = perm.Exists(ctx, "/z")
	require.NoError(t, err)
	assert.False(t, ok)
}
