package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"Distributed-index/internal/errors"
)

const (
	commitPrefix = "segments_"
	lockName     = "write.lock"
)

// CommitPoint lists the segments making up one generation of the index.
type CommitPoint struct {
	Generation  int64             `json:"generation"`
	Segments    []SegmentInfo     `json:"segments"`
	NextSegment int64             `json:"next_segment"`
	NextSeq     int64             `json:"next_seq"`
	UserData    map[string]string `json:"user_data,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

func commitName(gen int64) string { return commitPrefix + strconv.FormatInt(gen, 10) }

func parseCommitName(name string) (int64, bool) {
	if !strings.HasPrefix(name, commitPrefix) {
		return 0, false
	}
	gen, err := strconv.ParseInt(strings.TrimPrefix(name, commitPrefix), 10, 64)
	return gen, err == nil
}

// listCommits returns the generations of every commit point in dir,
// ascending.
func listCommits(fs afero.Fs, dir string) ([]int64, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, err
	}
	var gens []int64
	for _, info := range infos {
		if gen, ok := parseCommitName(info.Name()); ok && !info.IsDir() {
			gens = append(gens, gen)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

func readCommit(fs afero.Fs, dir string, gen int64) (*CommitPoint, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, commitName(gen)))
	if err != nil {
		return nil, errors.WrapCode(err, errors.ErrIndexCorruption, "reading commit point")
	}
	var cp CommitPoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.WrapCode(err, errors.ErrIndexCorruption, "decoding commit point "+commitName(gen))
	}
	return &cp, nil
}

// latestCommit returns the highest commit point in dir, or nil when there is
// none.
func latestCommit(fs afero.Fs, dir string) (*CommitPoint, error) {
	gens, err := listCommits(fs, dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	if len(gens) == 0 {
		return nil, nil
	}
	return readCommit(fs, dir, gens[len(gens)-1])
}

// writeCommit publishes cp by writing a temp file and renaming it into
// place.
func writeCommit(fs afero.Fs, dir string, cp *CommitPoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, "encoding commit point")
	}
	name := filepath.Join(dir, commitName(cp.Generation))
	if err := writeFileSync(fs, name+".tmp", data); err != nil {
		return errors.Wrap(err, "writing commit point")
	}
	return errors.Wrap(fs.Rename(name+".tmp", name), "publishing commit point")
}

// DeletionPolicy decides which older commit points are removed after a new
// one is written. commits is ordered oldest first and ends with the newest.
type DeletionPolicy interface {
	Obsolete(commits []*CommitPoint) []*CommitPoint
}

// KeepOnlyLastCommit removes every commit point but the newest.
type KeepOnlyLastCommit struct{}

func (KeepOnlyLastCommit) Obsolete(commits []*CommitPoint) []*CommitPoint {
	if len(commits) <= 1 {
		return nil
	}
	return commits[:len(commits)-1]
}

// KeepAll never removes commit points.
type KeepAll struct{}

func (KeepAll) Obsolete([]*CommitPoint) []*CommitPoint { return nil }

// Exists reports whether dir holds at least one commit point.
func Exists(fs afero.Fs, dir string) (bool, error) {
	ok, err := afero.DirExists(fs, dir)
	if err != nil || !ok {
		return false, err
	}
	gens, err := listCommits(fs, dir)
	return len(gens) > 0, err
}
