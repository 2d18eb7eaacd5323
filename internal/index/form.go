package index

import (
	"github.com/spf13/afero"
)

// Form is an intermediate index built offline: a directory with a committed
// index of inserts and deletes. It must not change once handed to a shard
// writer.
type Form struct {
	Dir string
}

// BuildForm writes a one-commit index of inserts and deletes to dir. A
// document that is also deleted ends up deleted.
func BuildForm(fs afero.Fs, dir string, inserts []Document, deletes []uint64) (Form, error) {
	w, err := OpenWriter(fs, dir, Config{})
	if err != nil {
		return Form{}, err
	}
	for _, d := range inserts {
		if err := w.Add(d); err != nil {
			w.Abort()
			return Form{}, err
		}
	}
	// Deletes go in the same segment group as the inserts.
	for _, id := range deletes {
		w.deletes.Add(id)
	}
	w.dirty = true
	if err := w.Close(); err != nil {
		return Form{}, err
	}
	return Form{Dir: dir}, nil
}
