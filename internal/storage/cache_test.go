package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cacheFactory struct {
	name string
	open func(t *testing.T) (Cache, func() Cache)
}

// factories return a fresh cache plus a reopen function that closes the
// current one and opens the same backing store again.
func factories() []cacheFactory {
	return []cacheFactory{
		{"bolt", func(t *testing.T) (Cache, func() Cache) {
			path := filepath.Join(t.TempDir(), "cache.db")
			c, err := OpenBoltCache(path, nil)
			require.NoError(t, err)
			var cur Cache = c
			t.Cleanup(func() { cur.Close() })
			return c, func() Cache {
				require.NoError(t, cur.Close())
				nc, err := OpenBoltCache(path, nil)
				require.NoError(t, err)
				cur = nc
				return nc
			}
		}},
		{"wal", func(t *testing.T) (Cache, func() Cache) {
			fs := afero.NewMemMapFs()
			c, err := OpenWALCache(fs, "/data/cache", nil)
			require.NoError(t, err)
			var cur Cache = c
			return c, func() Cache {
				require.NoError(t, cur.Close())
				nc, err := OpenWALCache(fs, "/data/cache", nil)
				require.NoError(t, err)
				cur = nc
				return nc
			}
		}},
	}
}

func payload(v int64) []byte { return []byte(fmt.Sprintf(`{"v":%d}`, v)) }

func TestCacheCommitAndReplay(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			c, reopen := f.open(t)

			for v := int64(0); v < 5; v++ {
				require.NoError(t, c.Append(payload(v), v))
			}
			entries, err := c.EntriesSince(0)
			require.NoError(t, err)
			assert.Empty(t, entries, "pending entries must not be visible")

			require.NoError(t, c.CommitPending())
			entries, err = c.EntriesSince(2)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			for i, e := range entries {
				assert.Equal(t, int64(i+2), e.Version)
				assert.Equal(t, payload(int64(i+2)), e.Payload)
			}

			// Uncommitted appends are lost on reopen.
			require.NoError(t, c.Append(payload(5), 5))
			c = reopen()
			entries, err = c.EntriesSince(0)
			require.NoError(t, err)
			assert.Len(t, entries, 5)
		})
	}
}

func TestCacheTruncate(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			c, reopen := f.open(t)
			for v := int64(10); v < 20; v++ {
				require.NoError(t, c.Append(payload(v), v))
			}
			require.NoError(t, c.CommitPending())
			require.NoError(t, c.Truncate(15))

			entries, err := c.EntriesSince(0)
			require.NoError(t, err)
			require.Len(t, entries, 5)
			assert.Equal(t, int64(15), entries[0].Version)

			require.NoError(t, c.Append(payload(20), 20))
			require.NoError(t, c.CommitPending())
			c = reopen()
			entries, err = c.EntriesSince(19)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, int64(20), entries[1].Version)
		})
	}
}

func TestVersionKeyOrdering(t *testing.T) {
	vs := []int64{-1 << 63, -5, -1, 0, 1, 7, 1 << 40}
	for i := 1; i < len(vs); i++ {
		assert.Less(t, string(versionKey(vs[i-1])), string(versionKey(vs[i])))
		assert.Equal(t, vs[i], keyVersion(versionKey(vs[i])))
	}
}

func TestWALTornTail(t *testing.T) {
	fs := afero.NewMemMapFs()
	c, err := OpenWALCache(fs, "/wal", nil)
	require.NoError(t, err)
	require.NoError(t, c.Append(payload(1), 1))
	require.NoError(t, c.Append(payload(2), 2))
	require.NoError(t, c.CommitPending())
	require.NoError(t, c.Close())

	// Simulate a crash halfway through writing a third entry.
	f, err := fs.OpenFile("/wal/cache.log", os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("0000000050\n{\"version\":3,")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c, err = OpenWALCache(fs, "/wal", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.LastVersion())
	entries, err := c.EntriesSince(0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Appends after the repaired tail are readable.
	require.NoError(t, c.Append(payload(3), 3))
	require.NoError(t, c.CommitPending())
	entries, err = c.EntriesSince(3)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, payload(3), entries[0].Payload)
	require.NoError(t, c.Close())
}
