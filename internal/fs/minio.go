package fs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/afero"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/logger"
)

// ObjectConfig locates a bucket on MinIO or any S3-compatible store.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
}

// ObjectFS implements FileSystem on an object store. Directories are key
// prefixes; MkdirAll leaves a zero-length "<dir>/" marker so that empty
// directories exist.
type ObjectFS struct {
	client *minio.Client
	bucket string
	prefix string
	trash  TrashConfig
	logger hclog.Logger
	now    func() time.Time
}

// NewObjectFS connects to the configured store. The trash dir is a path
// inside the same bucket.
func NewObjectFS(cfg ObjectConfig, trash TrashConfig, log hclog.Logger) (*ObjectFS, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating object store client")
	}
	return NewObjectFSWithClient(client, cfg.Bucket, cfg.Prefix, trash, log), nil
}

func NewObjectFSWithClient(client *minio.Client, bucket, prefix string, trash TrashConfig, log hclog.Logger) *ObjectFS {
	return &ObjectFS{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		trash:  trash,
		logger: logger.OrNop(log).Named("objectfs"),
		now:    time.Now,
	}
}

func (o *ObjectFS) key(p string) string {
	return strings.TrimPrefix(path.Join(o.prefix, filepath.ToSlash(p)), "/")
}

func (o *ObjectFS) dirKey(p string) string {
	k := o.key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// keysUnder lists every object key below dir, markers included.
func (o *ObjectFS) keysUnder(ctx context.Context, dir string) ([]minio.ObjectInfo, error) {
	var out []minio.ObjectInfo
	for obj := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{
		Prefix:    o.dirKey(dir),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, obj)
	}
	return out, nil
}

func (o *ObjectFS) Exists(ctx context.Context, p string) (bool, error) {
	_, err := o.client.StatObject(ctx, o.bucket, o.key(p), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if !isNotFound(err) {
		return false, errors.Wrapf(err, "stat %s", p)
	}
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range o.client.ListObjects(listCtx, o.bucket, minio.ListObjectsOptions{Prefix: o.dirKey(p), MaxKeys: 1}) {
		if obj.Err != nil {
			return false, errors.Wrapf(obj.Err, "listing %s", p)
		}
		return true, nil
	}
	return false, nil
}

func (o *ObjectFS) MkdirAll(ctx context.Context, p string) error {
	_, err := o.client.PutObject(ctx, o.bucket, o.dirKey(p), bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	return errors.Wrapf(err, "creating %s", p)
}

func (o *ObjectFS) List(ctx context.Context, dir string) ([]FileInfo, error) {
	prefix := o.dirKey(dir)
	var out []FileInfo
	for obj := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, errors.Wrapf(obj.Err, "listing %s", dir)
		}
		if obj.Key == prefix {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), "/")
		out = append(out, FileInfo{
			Path:    path.Join(filepath.ToSlash(dir), name),
			Name:    name,
			Size:    obj.Size,
			IsDir:   strings.HasSuffix(obj.Key, "/"),
			ModTime: obj.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (o *ObjectFS) Stat(ctx context.Context, p string) (FileInfo, error) {
	info, err := o.client.StatObject(ctx, o.bucket, o.key(p), minio.StatObjectOptions{})
	if err == nil {
		return FileInfo{Path: p, Name: path.Base(filepath.ToSlash(p)), Size: info.Size, ModTime: info.LastModified}, nil
	}
	if !isNotFound(err) {
		return FileInfo{}, errors.Wrapf(err, "stat %s", p)
	}
	ok, err := o.Exists(ctx, p)
	if err != nil {
		return FileInfo{}, err
	}
	if !ok {
		return FileInfo{}, errors.Wrapf(os.ErrNotExist, "stat %s", p)
	}
	return FileInfo{Path: p, Name: path.Base(filepath.ToSlash(p)), IsDir: true}, nil
}

func (o *ObjectFS) CopyFromLocal(ctx context.Context, local afero.Fs, src, dst string) error {
	return afero.Walk(local, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return o.MkdirAll(ctx, target)
		}
		f, err := local.Open(p)
		if err != nil {
			return errors.Wrapf(err, "opening %s", p)
		}
		defer f.Close()
		_, err = o.client.PutObject(ctx, o.bucket, o.key(target), f, info.Size(), minio.PutObjectOptions{})
		return errors.Wrapf(err, "uploading %s", target)
	})
}

// MoveToTrash copies every object under p into a trash checkpoint and then
// removes the originals.
func (o *ObjectFS) MoveToTrash(ctx context.Context, p string) (bool, error) {
	if o.trash.Dir == "" {
		o.logger.Error("trash is disabled, not moving", "path", p)
		return false, nil
	}
	ok, err := o.Exists(ctx, p)
	if err != nil || !ok {
		return false, err
	}
	dst := path.Join(filepath.ToSlash(o.trash.Dir), checkpointName(o.now()), strings.TrimPrefix(filepath.ToSlash(p), "/"))
	if err := o.Rename(ctx, p, dst); err != nil {
		return false, errors.Wrapf(err, "moving %s to trash", p)
	}
	o.logger.Info("moved to trash", "path", p, "trash", dst)
	if err := o.Expunge(ctx); err != nil {
		o.logger.Warn("trash expunge failed", "error", err)
	}
	return true, nil
}

// Expunge deletes trash checkpoints older than the retention.
func (o *ObjectFS) Expunge(ctx context.Context) error {
	if o.trash.Dir == "" || o.trash.Retention <= 0 {
		return nil
	}
	entries, err := o.List(ctx, o.trash.Dir)
	if err != nil {
		return err
	}
	cutoff := o.now().Add(-o.trash.Retention)
	for _, e := range entries {
		if ts, ok := parseCheckpoint(e.Name); ok && ts.Before(cutoff) {
			if err := o.RemoveAll(ctx, e.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *ObjectFS) RemoveAll(ctx context.Context, p string) error {
	objs, err := o.keysUnder(ctx, p)
	if err != nil {
		return errors.Wrapf(err, "listing %s", p)
	}
	keys := []string{o.key(p)}
	for _, obj := range objs {
		keys = append(keys, obj.Key)
	}
	for _, k := range keys {
		if err := o.client.RemoveObject(ctx, o.bucket, k, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
			return errors.Wrapf(err, "removing %s", k)
		}
	}
	return nil
}

// WriteFile relies on PutObject being atomic.
func (o *ObjectFS) WriteFile(ctx context.Context, p string, data []byte) error {
	_, err := o.client.PutObject(ctx, o.bucket, o.key(p), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return errors.Wrapf(err, "writing %s", p)
}

func (o *ObjectFS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, o.key(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", p)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil && isNotFound(err) {
		return nil, errors.Wrapf(os.ErrNotExist, "reading %s", p)
	}
	return data, errors.Wrapf(err, "reading %s", p)
}

// Rename copies the object, or every object under the prefix, then deletes
// the source. It is not atomic for directories.
func (o *ObjectFS) Rename(ctx context.Context, oldPath, newPath string) error {
	type move struct{ from, to string }
	var moves []move

	if _, err := o.client.StatObject(ctx, o.bucket, o.key(oldPath), minio.StatObjectOptions{}); err == nil {
		moves = append(moves, move{o.key(oldPath), o.key(newPath)})
	} else if !isNotFound(err) {
		return errors.Wrapf(err, "stat %s", oldPath)
	}
	objs, err := o.keysUnder(ctx, oldPath)
	if err != nil {
		return errors.Wrapf(err, "listing %s", oldPath)
	}
	oldPrefix, newPrefix := o.dirKey(oldPath), o.dirKey(newPath)
	for _, obj := range objs {
		moves = append(moves, move{obj.Key, newPrefix + strings.TrimPrefix(obj.Key, oldPrefix)})
	}
	if len(moves) == 0 {
		return errors.Wrapf(os.ErrNotExist, "renaming %s", oldPath)
	}

	for _, m := range moves {
		_, err := o.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: o.bucket, Object: m.to},
			minio.CopySrcOptions{Bucket: o.bucket, Object: m.from},
		)
		if err != nil {
			return errors.Wrapf(err, "copying %s to %s", m.from, m.to)
		}
	}
	for _, m := range moves {
		if err := o.client.RemoveObject(ctx, o.bucket, m.from, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
			return errors.Wrapf(err, "removing %s", m.from)
		}
	}
	return nil
}
