package sharding

import (
	"encoding/json"
	"math"
	"testing"

	"Distributed-index/internal/errors"
	"Distributed-index/internal/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldModRangeAndDeterminism(t *testing.T) {
	s := &FieldMod{Field: "uid"}
	values := []interface{}{
		"0", "1", "-1", "17", "-17", " 12345 ",
		json.Number("9223372036854775807"),
		json.Number("-9223372036854775808"),
		int64(-5), 7, float64(99),
	}
	for _, max := range []int{1, 2, 7, 64, 1000} {
		for _, v := range values {
			rec := event.Record{"uid": v}
			got, err := s.Shard(max, rec)
			require.NoError(t, err, "value %v", v)
			assert.GreaterOrEqual(t, got, 0)
			assert.Less(t, got, max)

			again, err := s.Shard(max, rec)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		}
	}
}

func TestFieldModMatchesAbsMod(t *testing.T) {
	s := &FieldMod{Field: "uid"}
	cases := []struct {
		id   string
		max  int
		want int
	}{
		{"10", 3, 1},
		{"-10", 3, 1},
		{"6", 6, 0},
		{"-9223372036854775808", 10, 8}, // |MinInt64| = 9223372036854775808
	}
	for _, c := range cases {
		got, err := s.Shard(c.max, event.Record{"uid": c.id})
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "id %s", c.id)
	}
}

func TestFieldModFormatErrors(t *testing.T) {
	s := &FieldMod{Field: "uid"}
	bad := []event.Record{
		{},
		{"uid": nil},
		{"uid": "abc"},
		{"uid": "1.5"},
		{"uid": float64(1.5)},
		{"uid": true},
		{"other": "1"},
	}
	for _, rec := range bad {
		_, err := s.Shard(4, rec)
		require.Error(t, err, "record %v", rec)
		assert.True(t, errors.Is(err, errors.ErrFormat), "record %v: %v", rec, err)
	}

	_, err := s.Shard(0, event.Record{"uid": "1"})
	assert.True(t, errors.Is(err, errors.ErrFormat))
}

func TestHashAndJump(t *testing.T) {
	h := &Hash{Field: "name"}
	a, err := h.Shard(16, event.Record{"name": "alice"})
	require.NoError(t, err)
	b, err := h.Shard(16, event.Record{"name": "alice"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	_, err = h.Shard(16, event.Record{"name": []string{"x"}})
	assert.True(t, errors.Is(err, errors.ErrFormat))

	j := &Jump{Field: "uid"}
	for i := 0; i < 200; i++ {
		rec := event.Record{"uid": json.Number(jsonInt(i))}
		got, err := j.Shard(10, rec)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got, 0)
		assert.Less(t, got, 10)
	}
}

func TestJumpHashMovesFewKeys(t *testing.T) {
	moved := 0
	const n = 10000
	for k := uint64(0); k < n; k++ {
		if jumpHash(k, 10) != jumpHash(k, 11) {
			moved++
		}
	}
	// Roughly 1/11 of keys should move to the new bucket.
	assert.Less(t, moved, n/5)
}

func TestRange(t *testing.T) {
	r := &Range{Field: "uid", Bounds: []int64{100, 1000}}
	cases := map[string]int{"-5": 0, "99": 0, "100": 1, "999": 1, "1000": 2, "5000": 2}
	for id, want := range cases {
		got, err := r.Shard(8, event.Record{"uid": id})
		require.NoError(t, err)
		assert.Equal(t, want, got, "id %s", id)
	}
	got, err := r.Shard(2, event.Record{"uid": "5000"})
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestAbsUint64(t *testing.T) {
	assert.Equal(t, uint64(math.MaxInt64)+1, absUint64(math.MinInt64))
	assert.Equal(t, uint64(3), absUint64(-3))
	assert.Equal(t, uint64(3), absUint64(3))
}

func jsonInt(i int) string {
	b, _ := json.Marshal(i * 7919)
	return string(b)
}
