package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"Distributed-index/internal/event"
	"Distributed-index/internal/offset"
)

// FileSource tails a newline-delimited file. The committed byte position is
// kept in an offset.Manager; an incomplete last line is left for a later
// read.
type FileSource struct {
	fs      afero.Fs
	path    string
	offsets *offset.Manager

	file afero.File
	r    *bufio.Reader
	pos  int64 // byte position after the last record handed out
}

// OpenFileSource opens path and seeks to its committed position.
func OpenFileSource(fs afero.Fs, path string, offsets *offset.Manager) (*FileSource, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	pos := offsets.Get(path, 0)
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "seeking %s to %d", path, pos)
	}
	return &FileSource{fs: fs, path: path, offsets: offsets, file: f, r: bufio.NewReader(f), pos: pos}, nil
}

func (s *FileSource) Next(ctx context.Context) (*event.RawRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := s.r.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				// Partial line; rewind so it is read whole next time.
				if _, err := s.file.Seek(s.pos, io.SeekStart); err != nil {
					return nil, errors.Wrap(err, "rewinding partial line")
				}
				s.r.Reset(s.file)
			}
			return nil, io.EOF
		} else if err != nil {
			return nil, errors.Wrapf(err, "reading %s", s.path)
		}

		start := s.pos
		s.pos += int64(len(line))
		value := bytes.TrimSpace(line)
		if len(value) == 0 {
			continue
		}
		return &event.RawRecord{
			Key:       []byte(fmt.Sprintf("%s@%d", s.path, start)),
			Value:     value,
			Source:    s.path,
			Offset:    start,
			Timestamp: time.Now(),
		}, nil
	}
}

// Position is the byte position after the last record returned.
func (s *FileSource) Position() int64 { return s.pos }

func (s *FileSource) Commit(context.Context) error {
	return s.offsets.Commit(s.path, 0, s.pos)
}

func (s *FileSource) Close() error {
	return s.file.Close()
}
