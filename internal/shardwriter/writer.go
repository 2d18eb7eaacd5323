package shardwriter

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/fs"
	"Distributed-index/internal/index"
	"Distributed-index/internal/logger"
	"Distributed-index/internal/metrics"
)

// CurrentFile names the live generation directory in arena layouts.
const CurrentFile = "CURRENT"

const (
	DefaultMaxSegments     = -1
	DefaultCopyConcurrency = 4
)

// Options configures a Writer.
type Options struct {
	Mode Mode
	// MaxSegments > 0 force-merges the new generation down to at most that
	// many segments before promotion.
	MaxSegments     int
	CopyConcurrency int
	Logger          hclog.Logger
	// Registry, when set, is checked at construction and updated after a
	// successful promotion.
	Registry Registry
}

func DefaultOptions() Options {
	return Options{
		Mode:            ModeArena,
		MaxSegments:     DefaultMaxSegments,
		CopyConcurrency: DefaultCopyConcurrency,
	}
}

type state int

const (
	stateAccepting state = iota
	stateClosed
)

// Report describes a finished promotion.
type Report struct {
	Shard Shard `json:"shard"`
	// Dir holds the promoted index files.
	Dir         string        `json:"dir"`
	Forms       int64         `json:"forms"`
	Copied      []string      `json:"copied"`
	Skipped     []string      `json:"skipped,omitempty"`
	Quarantined []string      `json:"quarantined,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Writer owns one working index session for a shard. It is not safe for
// concurrent use beyond the state checks.
type Writer struct {
	perm    fs.FileSystem
	local   afero.Fs
	shard   Shard
	scratch string
	opts    Options
	logger  hclog.Logger

	mu       sync.Mutex
	state    state
	idx      *index.Writer
	numForms int64
}

// New prepares the scratch directory and the shard's permanent location and
// opens the working index. In quarantine mode an existing permanent
// directory is moved to trash here.
func New(ctx context.Context, perm fs.FileSystem, local afero.Fs, shard Shard, scratch string, opts Options) (*Writer, error) {
	if opts.CopyConcurrency <= 0 {
		opts.CopyConcurrency = DefaultCopyConcurrency
	}
	w := &Writer{
		perm:    perm,
		local:   local,
		shard:   shard,
		scratch: scratch,
		opts:    opts,
		logger:  logger.OrNop(opts.Logger).Named("shardwriter").With("shard", shard.ID, "mode", opts.Mode.String()),
	}
	w.logger.Info("constructing shard writer", "perm", shard.Dir, "scratch", scratch, "generation", shard.Generation)

	if shard.Generation < NoGeneration {
		return nil, errors.Newf(errors.ErrShard, "shard %d has invalid generation %d", shard.ID, shard.Generation)
	}
	if opts.Registry != nil {
		known, ok, err := opts.Registry.Get(ctx, shard.ID)
		if err != nil {
			return nil, errors.Wrap(err, "reading shard registry")
		}
		if ok && known.Generation > shard.Generation {
			return nil, errors.Newf(errors.ErrShard, "shard %d descriptor generation %d is behind recorded generation %d", shard.ID, shard.Generation, known.Generation)
		}
	}

	if ok, err := afero.Exists(local, scratch); err != nil {
		return nil, errors.Wrapf(err, "stat scratch %s", scratch)
	} else if ok {
		if err := local.RemoveAll(scratch); err != nil {
			return nil, errors.Wrapf(err, "removing stale scratch %s", scratch)
		}
	}

	exists, err := perm.Exists(ctx, shard.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", shard.Dir)
	}
	switch {
	case !exists:
		if shard.Generation != NoGeneration {
			return nil, errors.Newf(errors.ErrShard, "shard %d is at generation %d but %s does not exist", shard.ID, shard.Generation, shard.Dir)
		}
		if err := perm.MkdirAll(ctx, shard.Dir); err != nil {
			return nil, err
		}
	case opts.Mode == ModeQuarantine:
		if err := w.quarantine(ctx, shard.Dir); err != nil {
			return nil, err
		}
		if err := perm.MkdirAll(ctx, shard.Dir); err != nil {
			return nil, err
		}
	}

	idx, err := index.OpenWriter(local, scratch, index.Config{Policy: index.KeepOnlyLastCommit{}, Logger: w.logger})
	if err != nil {
		return nil, errors.Wrap(err, "opening working index")
	}
	w.idx = idx
	return w, nil
}

// quarantine moves p to trash. A disabled trash is logged by the filesystem
// and otherwise ignored.
func (w *Writer) quarantine(ctx context.Context, p string) error {
	if _, err := w.perm.MoveToTrash(ctx, p); err != nil {
		return errors.WrapCode(err, errors.ErrFilesystem, "quarantining "+p)
	}
	return nil
}

// Process merges one intermediate form into the working index. Inserts and
// deletes of all forms of a session commute.
func (w *Writer) Process(form index.Form) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateAccepting {
		return errors.New(errors.ErrShard, "shard writer is closed")
	}
	if err := w.idx.MergeIndex(form.Dir); err != nil {
		return errors.Wrapf(err, "processing form %s", form.Dir)
	}
	w.numForms++
	return nil
}

// NumForms is the number of forms processed so far.
func (w *Writer) NumForms() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numForms
}

// Optimize merges the working index down to one segment. Failures are
// logged and counted, not returned.
func (w *Writer) Optimize() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateAccepting {
		w.logger.Error("optimize on closed shard writer")
		return
	}
	err := w.idx.ForceMerge(1)
	if err == nil {
		err = w.idx.Commit()
	}
	if err != nil {
		metrics.SwallowedErrors.WithLabelValues("shardwriter").Inc()
		if errors.Is(err, errors.ErrIndexCorruption) {
			w.logger.Error("corrupt index during optimization", "error", err)
		} else {
			w.logger.Error("error during index optimization", "error", err)
		}
	}
}

// Close finishes the working index and promotes it. The returned report
// carries the shard's new generation.
func (w *Writer) Close(ctx context.Context) (Report, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateAccepting {
		return Report{}, errors.New(errors.ErrShard, "shard writer already closed")
	}
	w.state = stateClosed
	start := time.Now()
	w.logger.Info("closing shard writer", "forms", w.numForms)

	var mergeErr error
	if w.opts.MaxSegments > 0 {
		mergeErr = w.idx.ForceMerge(w.opts.MaxSegments)
		if mergeErr == nil {
			w.logger.Info("optimized shard", "max_segments", w.opts.MaxSegments)
		}
	}
	var closeErr error
	if mergeErr != nil {
		closeErr = w.idx.Abort()
	} else {
		closeErr = w.idx.Close()
	}
	if mergeErr != nil {
		return Report{}, errors.Wrap(mergeErr, "merging working index")
	}
	if closeErr != nil {
		return Report{}, errors.Wrap(closeErr, "closing working index")
	}

	next := w.shard.Next()
	report := Report{Shard: next, Forms: w.numForms}
	var err error
	if w.opts.Mode == ModeQuarantine {
		err = w.promoteQuarantine(ctx, &report)
	} else {
		err = w.promoteArena(ctx, &report)
	}
	if err != nil {
		return report, err
	}

	if w.opts.Registry != nil {
		if err := w.opts.Registry.Record(ctx, next); err != nil {
			return report, errors.Wrap(err, "recording shard generation")
		}
	}
	if err := w.local.RemoveAll(w.scratch); err != nil {
		w.logger.Warn("could not remove scratch", "scratch", w.scratch, "error", err)
	}

	report.Duration = time.Since(start)
	metrics.PromotionLatency.WithLabelValues(w.opts.Mode.String()).Observe(report.Duration.Seconds())
	metrics.ShardGeneration.WithLabelValues(next.label()).Set(float64(next.Generation))
	w.logger.Info("promoted shard", "dir", report.Dir, "generation", next.Generation,
		"copied", len(report.Copied), "skipped", len(report.Skipped))
	return report, nil
}

// Abort discards the working index without promoting anything.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateAccepting {
		return nil
	}
	w.state = stateClosed
	err := w.idx.Abort()
	if rerr := w.local.RemoveAll(w.scratch); rerr != nil && err == nil {
		err = rerr
	}
	w.logger.Info("aborted shard writer", "forms", w.numForms)
	return err
}

func (w *Writer) scratchFiles() ([]string, error) {
	infos, err := afero.ReadDir(w.local, w.scratch)
	if err != nil {
		return nil, errors.Wrapf(err, "listing scratch %s", w.scratch)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if !info.IsDir() {
			names = append(names, info.Name())
		}
	}
	return names, nil
}

// promoteQuarantine copies every scratch file into the permanent directory.
// A same-named file already there is moved to trash first, on its own: the
// rest of the permanent directory stays, unlike a whole-directory
// re-quarantine. A file that fails to copy is logged and skipped.
func (w *Writer) promoteQuarantine(ctx context.Context, report *Report) error {
	names, err := w.scratchFiles()
	if err != nil {
		return err
	}
	report.Dir = w.shard.Dir
	label := w.shard.label()
	for _, name := range names {
		dst := path.Join(w.shard.Dir, name)
		err := w.copyOne(ctx, name, dst, report)
		if err != nil {
			metrics.SwallowedErrors.WithLabelValues("shardwriter").Inc()
			metrics.FilesPromoted.WithLabelValues(label, "skipped").Inc()
			w.logger.Error("skipping file", "file", name, "error", err)
			report.Skipped = append(report.Skipped, name)
			continue
		}
		metrics.FilesPromoted.WithLabelValues(label, "copied").Inc()
		report.Copied = append(report.Copied, name)
	}
	return nil
}

func (w *Writer) copyOne(ctx context.Context, name, dst string, report *Report) error {
	exists, err := w.perm.Exists(ctx, dst)
	if err != nil {
		return err
	}
	if exists {
		if err := w.quarantine(ctx, dst); err != nil {
			return err
		}
		report.Quarantined = append(report.Quarantined, name)
	}
	return w.perm.CopyFromLocal(ctx, w.local, path.Join(w.scratch, name), dst)
}

// generationDir names the arena directory of a generation.
func generationDir(gen int64) string {
	return fmt.Sprintf("gen-%020d-%s", gen, uuid.NewString())
}

// promoteArena copies the scratch files into a fresh generation directory,
// verifies every size, then points CURRENT at it. Older generations are
// moved to trash afterwards. Any copy failure leaves CURRENT untouched.
func (w *Writer) promoteArena(ctx context.Context, report *Report) error {
	names, err := w.scratchFiles()
	if err != nil {
		return err
	}
	genName := generationDir(report.Shard.Generation)
	genDir := path.Join(w.shard.Dir, genName)
	if err := w.perm.MkdirAll(ctx, genDir); err != nil {
		return errors.WrapCode(err, errors.ErrFilesystem, "creating generation dir")
	}

	label := w.shard.label()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.CopyConcurrency)
	for _, name := range names {
		name := name
		g.Go(func() error {
			src := path.Join(w.scratch, name)
			dst := path.Join(genDir, name)
			if err := w.perm.CopyFromLocal(gctx, w.local, src, dst); err != nil {
				return errors.Wrapf(err, "copying %s", name)
			}
			want, err := w.local.Stat(src)
			if err != nil {
				return errors.Wrapf(err, "stat %s", src)
			}
			got, err := w.perm.Stat(gctx, dst)
			if err != nil {
				return errors.Wrapf(err, "verifying %s", name)
			}
			if got.Size != want.Size() {
				return errors.Errorf("verifying %s: copied %d bytes, want %d", name, got.Size, want.Size())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.FilesPromoted.WithLabelValues(label, "failed").Add(float64(len(names)))
		if _, qerr := w.perm.MoveToTrash(ctx, genDir); qerr != nil {
			w.logger.Error("could not quarantine failed generation", "dir", genDir, "error", qerr)
		}
		return errors.WrapCode(err, errors.ErrFilesystem, "promoting shard "+label)
	}
	metrics.FilesPromoted.WithLabelValues(label, "copied").Add(float64(len(names)))
	report.Copied = append(report.Copied, names...)
	report.Dir = genDir

	if err := w.perm.WriteFile(ctx, path.Join(w.shard.Dir, CurrentFile), []byte(genName+"\n")); err != nil {
		if _, qerr := w.perm.MoveToTrash(ctx, genDir); qerr != nil {
			w.logger.Error("could not quarantine failed generation", "dir", genDir, "error", qerr)
		}
		return errors.WrapCode(err, errors.ErrFilesystem, "switching CURRENT")
	}

	w.reclaim(ctx, genName, report)
	return nil
}

// reclaim moves everything in the permanent directory except CURRENT and
// the live generation to trash. Failures are logged only.
func (w *Writer) reclaim(ctx context.Context, live string, report *Report) {
	entries, err := w.perm.List(ctx, w.shard.Dir)
	if err != nil {
		w.logger.Warn("could not list old generations", "error", err)
		return
	}
	for _, e := range entries {
		if e.Name == live || e.Name == CurrentFile || strings.HasSuffix(e.Name, ".tmp") {
			continue
		}
		if _, err := w.perm.MoveToTrash(ctx, e.Path); err != nil {
			metrics.SwallowedErrors.WithLabelValues("shardwriter").Inc()
			w.logger.Warn("could not reclaim old generation", "path", e.Path, "error", err)
			continue
		}
		report.Quarantined = append(report.Quarantined, e.Name)
	}
}

// String returns "<type>@<perm>&<scratch>".
func (w *Writer) String() string {
	return fmt.Sprintf("%T@%s&%s", w, w.shard.Dir, w.scratch)
}

// CurrentDir resolves the directory holding a shard's live index files: the
// generation CURRENT points at, or dir itself for quarantine layouts.
func CurrentDir(ctx context.Context, perm fs.FileSystem, dir string) (string, error) {
	marker := path.Join(dir, CurrentFile)
	ok, err := perm.Exists(ctx, marker)
	if err != nil {
		return "", err
	}
	if !ok {
		return dir, nil
	}
	data, err := perm.ReadFile(ctx, marker)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(data))
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "", errors.Newf(errors.ErrIndexCorruption, "bad %s marker in %s: %q", CurrentFile, dir, name)
	}
	return path.Join(dir, name), nil
}
