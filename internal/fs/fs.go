// Package fs is the filesystem seen by shard promotion: the permanent shard
// location, which may be a local disk or an object store, plus the trash
// that replaced data is moved into.
package fs

import (
	"context"
	"time"

	"github.com/spf13/afero"
)

// FileInfo describes one entry of a listing.
type FileInfo struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// FileSystem is the permanent storage interface.
type FileSystem interface {
	Exists(ctx context.Context, path string) (bool, error)
	MkdirAll(ctx context.Context, path string) error
	// List returns the direct children of dir sorted by name.
	List(ctx context.Context, dir string) ([]FileInfo, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	// CopyFromLocal copies the file or directory tree src of local to dst,
	// overwriting existing files.
	CopyFromLocal(ctx context.Context, local afero.Fs, src, dst string) error
	// MoveToTrash moves path into the trash. It reports false, without an
	// error, when the trash is disabled and nothing was moved.
	MoveToTrash(ctx context.Context, path string) (bool, error)
	RemoveAll(ctx context.Context, path string) error
	// WriteFile replaces path atomically.
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Rename(ctx context.Context, oldPath, newPath string) error
}

// TrashConfig controls trash behaviour.
type TrashConfig struct {
	// Dir is the trash root. Empty disables the trash.
	Dir string
	// Retention is how long a trash checkpoint is kept. Zero keeps
	// checkpoints forever.
	Retention time.Duration
}

// checkpointLayout names trash checkpoint directories.
const checkpointLayout = "20060102150405.000000000"

func checkpointName(t time.Time) string { return t.UTC().Format(checkpointLayout) }

func parseCheckpoint(name string) (time.Time, bool) {
	t, err := time.Parse(checkpointLayout, name)
	return t, err == nil
}
