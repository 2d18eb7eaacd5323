package index

import (
	"bytes"
	"encoding/json"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"Distributed-index/internal/errors"
)

const segmentExt = ".seg"

// SegmentInfo is the commit point's record of one segment file.
type SegmentInfo struct {
	Name        string `json:"name"`
	Seq         int64  `json:"seq"`
	DocCount    int    `json:"doc_count"`
	DeleteCount int    `json:"delete_count"`
	Checksum    uint32 `json:"checksum"`
	Size        int64  `json:"size"`
}

func (s SegmentInfo) weight() int { return s.DocCount + s.DeleteCount }

type segmentFile struct {
	Docs    []Document `json:"docs"`
	Deletes []byte     `json:"deletes,omitempty"`
}

// segment is a decoded segment: adds keyed by id plus the delete set.
type segment struct {
	info    SegmentInfo
	adds    map[uint64]Document
	deletes *roaring64.Bitmap
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
)

func codecs() (*zstd.Encoder, *zstd.Decoder) {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		decoder, _ = zstd.NewReader(nil)
	})
	return encoder, decoder
}

func segmentName(n int64) string { return "_" + strconv.FormatInt(n, 36) + segmentExt }

func isSegmentName(name string) bool {
	return strings.HasPrefix(name, "_") && strings.HasSuffix(name, segmentExt)
}

// writeSegment encodes adds and deletes into dir/name.
func writeSegment(fs afero.Fs, dir, name string, seq int64, adds map[uint64]Document, deletes *roaring64.Bitmap) (SegmentInfo, error) {
	ids := make([]uint64, 0, len(adds))
	for id := range adds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	sf := segmentFile{Docs: make([]Document, 0, len(ids))}
	for _, id := range ids {
		sf.Docs = append(sf.Docs, adds[id])
	}
	delCount := 0
	if deletes != nil && !deletes.IsEmpty() {
		deletes.RunOptimize()
		b, err := deletes.ToBytes()
		if err != nil {
			return SegmentInfo{}, errors.Wrap(err, "encoding delete set")
		}
		sf.Deletes = b
		delCount = int(deletes.GetCardinality())
	}

	raw, err := json.Marshal(sf)
	if err != nil {
		return SegmentInfo{}, errors.Wrap(err, "encoding segment")
	}
	enc, _ := codecs()
	data := enc.EncodeAll(raw, nil)

	if err := writeFileSync(fs, filepath.Join(dir, name), data); err != nil {
		return SegmentInfo{}, errors.Wrapf(err, "writing segment %s", name)
	}
	return SegmentInfo{
		Name:        name,
		Seq:         seq,
		DocCount:    len(sf.Docs),
		DeleteCount: delCount,
		Checksum:    crc32.ChecksumIEEE(data),
		Size:        int64(len(data)),
	}, nil
}

func readSegment(fs afero.Fs, dir string, info SegmentInfo) (*segment, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, info.Name))
	if err != nil {
		return nil, errors.WrapCode(err, errors.ErrIndexCorruption, "reading segment "+info.Name)
	}
	if int64(len(data)) != info.Size || crc32.ChecksumIEEE(data) != info.Checksum {
		return nil, errors.Newf(errors.ErrIndexCorruption, "segment %s fails its checksum", info.Name)
	}
	_, dec := codecs()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.WrapCode(err, errors.ErrIndexCorruption, "decompressing segment "+info.Name)
	}
	var sf segmentFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, errors.WrapCode(err, errors.ErrIndexCorruption, "decoding segment "+info.Name)
	}

	seg := &segment{info: info, adds: make(map[uint64]Document, len(sf.Docs)), deletes: roaring64.New()}
	for _, d := range sf.Docs {
		seg.adds[d.ID] = d
	}
	if len(sf.Deletes) > 0 {
		if _, err := seg.deletes.ReadFrom(bytes.NewReader(sf.Deletes)); err != nil {
			return nil, errors.WrapCode(err, errors.ErrIndexCorruption, "decoding delete set of "+info.Name)
		}
	}
	return seg, nil
}

// resolve folds segments, which must be ordered by Seq, into the documents
// that survive and the ids whose last action was a delete.
func resolve(segs []*segment) (map[uint64]Document, *roaring64.Bitmap) {
	adds := make(map[uint64]Document)
	dels := roaring64.New()
	for i := 0; i < len(segs); {
		j := i
		for j < len(segs) && segs[j].info.Seq == segs[i].info.Seq {
			j++
		}
		groupAdds := make(map[uint64]Document)
		groupDels := roaring64.New()
		for _, s := range segs[i:j] {
			for id, d := range s.adds {
				if cur, ok := groupAdds[id]; ok {
					d = prefer(cur, d)
				}
				groupAdds[id] = d
			}
			groupDels.Or(s.deletes)
		}
		for id, d := range groupAdds {
			adds[id] = d
			dels.Remove(id)
		}
		it := groupDels.Iterator()
		for it.HasNext() {
			id := it.Next()
			delete(adds, id)
			dels.Add(id)
		}
		i = j
	}
	return adds, dels
}

func sortSegments(infos []SegmentInfo) {
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].Seq < infos[j].Seq })
}

// writeFileSync writes data to path and fsyncs it.
func writeFileSync(fs afero.Fs, path string, data []byte) error {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
