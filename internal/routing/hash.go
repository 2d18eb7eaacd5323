package routing

import (
	"crypto/md5"
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash/v2"

	"Distributed-index/internal/errors"
)

// HashFunction maps bytes onto the ring's 64-bit key space.
type HashFunction interface {
	Name() string
	Hash(data []byte) uint64
}

// MD5 uses the first eight bytes of the MD5 digest, big endian.
type MD5 struct{}

func (MD5) Name() string { return "md5" }

func (MD5) Hash(data []byte) uint64 {
	sum := md5.Sum(data)
	return binary.BigEndian.Uint64(sum[:8])
}

// XXHash is xxhash64.
type XXHash struct{}

func (XXHash) Name() string { return "xxhash" }

func (XXHash) Hash(data []byte) uint64 { return xxhash.Sum64(data) }

// HashByName resolves a configured hash function name. The empty string
// selects MD5.
func HashByName(name string) (HashFunction, error) {
	switch strings.ToLower(name) {
	case "", "md5":
		return MD5{}, nil
	case "xxhash", "xxh64":
		return XXHash{}, nil
	default:
		return nil, errors.Newf(errors.ErrTopology, "unknown hash function %q", name)
	}
}
