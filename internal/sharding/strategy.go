// Package sharding computes which shard a record belongs to. Every strategy
// is a pure function of (maxShardID, record): identical input always yields
// the same shard, so routing is reproducible across rebuilds.
package sharding

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/event"
)

// Strategy computes a shard id in [0, maxShardID) for a record.
type Strategy interface {
	Shard(maxShardID int, rec event.Record) (int, error)
}

// FieldMod parses Field as an integer identifier and reduces its absolute
// value modulo maxShardID.
type FieldMod struct {
	Field string
}

func (s *FieldMod) Shard(maxShardID int, rec event.Record) (int, error) {
	if err := checkMax(maxShardID); err != nil {
		return 0, err
	}
	id, err := fieldID(rec, s.Field)
	if err != nil {
		return 0, err
	}
	return int(absUint64(id) % uint64(maxShardID)), nil
}

// Hash hashes the string form of Field with xxhash. Useful when the field
// is not numeric.
type Hash struct {
	Field string
}

func (s *Hash) Shard(maxShardID int, rec event.Record) (int, error) {
	if err := checkMax(maxShardID); err != nil {
		return 0, err
	}
	v, ok := rec.Field(s.Field)
	if !ok || v == nil {
		return 0, errors.Newf(errors.ErrFormat, "record has no %q field", s.Field)
	}
	var str string
	switch x := v.(type) {
	case string:
		str = x
	case json.Number:
		str = x.String()
	default:
		return 0, errors.Newf(errors.ErrFormat, "field %q has unsupported type %T", s.Field, v)
	}
	return int(xxhash.Sum64String(str) % uint64(maxShardID)), nil
}

// Jump runs the parsed integer id through jump consistent hashing, so that
// growing maxShardID moves only 1/n of the ids.
type Jump struct {
	Field string
}

func (s *Jump) Shard(maxShardID int, rec event.Record) (int, error) {
	if err := checkMax(maxShardID); err != nil {
		return 0, err
	}
	id, err := fieldID(rec, s.Field)
	if err != nil {
		return 0, err
	}
	return jumpHash(uint64(id), maxShardID), nil
}

// Range assigns ids by ascending upper bounds: shard i holds ids below
// Bounds[i] and at or above Bounds[i-1]. Ids past the last bound, and shards
// past maxShardID, land on maxShardID-1.
type Range struct {
	Field  string
	Bounds []int64
}

func (s *Range) Shard(maxShardID int, rec event.Record) (int, error) {
	if err := checkMax(maxShardID); err != nil {
		return 0, err
	}
	id, err := fieldID(rec, s.Field)
	if err != nil {
		return 0, err
	}
	shard := len(s.Bounds)
	for i, b := range s.Bounds {
		if id < b {
			shard = i
			break
		}
	}
	if shard >= maxShardID {
		shard = maxShardID - 1
	}
	return shard, nil
}

// jumpHash is Lamping & Veach's jump consistent hash.
func jumpHash(key uint64, n int) int {
	b, j := int64(-1), int64(0)
	for j < int64(n) {
		b = j
		key = key*uint64(2862933555777941757) + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}

func checkMax(maxShardID int) error {
	if maxShardID <= 0 {
		return errors.Newf(errors.ErrFormat, "max shard id must be positive, got %d", maxShardID)
	}
	return nil
}

// absUint64 returns |v| without overflowing on math.MinInt64.
func absUint64(v int64) uint64 {
	if v >= 0 {
		return uint64(v)
	}
	return uint64(-(v + 1)) + 1
}

// fieldID extracts an integer identifier from rec[field].
func fieldID(rec event.Record, field string) (int64, error) {
	v, ok := rec.Field(field)
	if !ok || v == nil {
		return 0, errors.Newf(errors.ErrFormat, "record has no %q field", field)
	}
	id, err := parseID(v)
	if err != nil {
		return 0, errors.WrapCode(err, errors.ErrFormat, "field "+strconv.Quote(field))
	}
	return id, nil
}

func parseID(v interface{}) (int64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case json.Number:
		return strconv.ParseInt(x.String(), 10, 64)
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, errors.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, errors.Errorf("value %v is not an integer", x)
		}
		return int64(x), nil
	default:
		return 0, errors.Errorf("unsupported type %T", v)
	}
}
