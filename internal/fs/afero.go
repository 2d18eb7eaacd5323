package fs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/logger"
)

// AferoFS implements FileSystem over an afero filesystem: the local disk in
// production, a MemMapFs in tests.
type AferoFS struct {
	fs     afero.Fs
	trash  TrashConfig
	logger hclog.Logger
	now    func() time.Time
}

// NewAferoFS wraps fs. The trash dir lives inside fs.
func NewAferoFS(fs afero.Fs, trash TrashConfig, log hclog.Logger) *AferoFS {
	return &AferoFS{fs: fs, trash: trash, logger: logger.OrNop(log).Named("fs"), now: time.Now}
}

// NewLocalFS returns an AferoFS on the operating system's disk.
func NewLocalFS(trash TrashConfig, log hclog.Logger) *AferoFS {
	return NewAferoFS(afero.NewOsFs(), trash, log)
}

// Fs exposes the underlying afero filesystem.
func (a *AferoFS) Fs() afero.Fs { return a.fs }

func (a *AferoFS) Exists(_ context.Context, p string) (bool, error) {
	return afero.Exists(a.fs, p)
}

func (a *AferoFS) MkdirAll(_ context.Context, p string) error {
	return errors.Wrapf(a.fs.MkdirAll(p, 0755), "creating %s", p)
}

func (a *AferoFS) List(_ context.Context, dir string) ([]FileInfo, error) {
	infos, err := afero.ReadDir(a.fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	out := make([]FileInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, toFileInfo(filepath.Join(dir, info.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (a *AferoFS) Stat(_ context.Context, p string) (FileInfo, error) {
	info, err := a.fs.Stat(p)
	if err != nil {
		return FileInfo{}, errors.Wrapf(err, "stat %s", p)
	}
	return toFileInfo(p, info), nil
}

func toFileInfo(p string, info os.FileInfo) FileInfo {
	return FileInfo{Path: p, Name: info.Name(), Size: info.Size(), IsDir: info.IsDir(), ModTime: info.ModTime()}
}

func (a *AferoFS) CopyFromLocal(ctx context.Context, local afero.Fs, src, dst string) error {
	return copyTree(ctx, local, src, a.fs, dst)
}

// copyTree copies the file or directory src of from to dst of to.
func copyTree(ctx context.Context, from afero.Fs, src string, to afero.Fs, dst string) error {
	info, err := from.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "stat %s", src)
	}
	if !info.IsDir() {
		return copyFile(from, src, to, dst, info.Mode())
	}
	if err := to.MkdirAll(dst, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	children, err := afero.ReadDir(from, src)
	if err != nil {
		return errors.Wrapf(err, "listing %s", src)
	}
	for _, c := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyTree(ctx, from, filepath.Join(src, c.Name()), to, filepath.Join(dst, c.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(from afero.Fs, src string, to afero.Fs, dst string, mode os.FileMode) error {
	in, err := from.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %s", src)
	}
	defer in.Close()

	if err := to.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.Wrapf(err, "creating parent of %s", dst)
	}
	out, err := to.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0200)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copying %s to %s", src, dst)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errors.Wrapf(err, "syncing %s", dst)
	}
	return errors.Wrapf(out.Close(), "closing %s", dst)
}

// MoveToTrash moves p under <trash>/<checkpoint>/<p> and then expunges
// checkpoints past their retention.
func (a *AferoFS) MoveToTrash(ctx context.Context, p string) (bool, error) {
	if a.trash.Dir == "" {
		a.logger.Error("trash is disabled, not moving", "path", p)
		return false, nil
	}
	if ok, err := afero.Exists(a.fs, p); err != nil {
		return false, errors.Wrapf(err, "stat %s", p)
	} else if !ok {
		return false, nil
	}

	dst := filepath.Join(a.trash.Dir, checkpointName(a.now()), strings.TrimPrefix(filepath.Clean(p), string(filepath.Separator)))
	for i, base := 1, dst; ; i++ {
		taken, err := afero.Exists(a.fs, dst)
		if err != nil {
			return false, errors.Wrap(err, "checking trash destination")
		}
		if !taken {
			break
		}
		dst = base + "." + strconv.Itoa(i)
	}
	if err := a.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, errors.Wrap(err, "creating trash checkpoint")
	}
	if err := a.move(ctx, p, dst); err != nil {
		return false, errors.Wrapf(err, "moving %s to trash", p)
	}
	a.logger.Info("moved to trash", "path", p, "trash", dst)

	if err := a.Expunge(ctx); err != nil {
		a.logger.Warn("trash expunge failed", "error", err)
	}
	return true, nil
}

// Expunge deletes trash checkpoints older than the retention.
func (a *AferoFS) Expunge(_ context.Context) error {
	if a.trash.Dir == "" || a.trash.Retention <= 0 {
		return nil
	}
	infos, err := afero.ReadDir(a.fs, a.trash.Dir)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Wrap(err, "listing trash")
	}
	cutoff := a.now().Add(-a.trash.Retention)
	for _, info := range infos {
		ts, ok := parseCheckpoint(info.Name())
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if err := a.fs.RemoveAll(filepath.Join(a.trash.Dir, info.Name())); err != nil {
			return errors.Wrapf(err, "expunging %s", info.Name())
		}
		a.logger.Debug("expunged trash checkpoint", "checkpoint", info.Name())
	}
	return nil
}

func (a *AferoFS) RemoveAll(_ context.Context, p string) error {
	return errors.Wrapf(a.fs.RemoveAll(p), "removing %s", p)
}

func (a *AferoFS) WriteFile(_ context.Context, p string, data []byte) error {
	if err := a.fs.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return errors.Wrapf(err, "creating parent of %s", p)
	}
	tmp := p + ".tmp"
	if err := afero.WriteFile(a.fs, tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrapf(a.fs.Rename(tmp, p), "replacing %s", p)
}

func (a *AferoFS) ReadFile(_ context.Context, p string) ([]byte, error) {
	data, err := afero.ReadFile(a.fs, p)
	return data, errors.Wrapf(err, "reading %s", p)
}

func (a *AferoFS) Rename(ctx context.Context, oldPath, newPath string) error {
	return errors.Wrapf(a.move(ctx, oldPath, newPath), "renaming %s", oldPath)
}

// move renames files directly. Directories are renamed on the OS filesystem
// and copied then removed elsewhere, since MemMapFs does not carry a
// directory's children along on Rename.
func (a *AferoFS) move(ctx context.Context, src, dst string) error {
	info, err := a.fs.Stat(src)
	if err != nil {
		return err
	}
	if _, isOS := a.fs.(*afero.OsFs); isOS || !info.IsDir() {
		return a.fs.Rename(src, dst)
	}
	if err := copyTree(ctx, a.fs, src, a.fs, dst); err != nil {
		return err
	}
	return a.fs.RemoveAll(src)
}
