// Package index is a small embedded segment index. A directory holds
// immutable, zstd-compressed segment files and numbered commit points; the
// highest commit point is the index. Each segment carries an ordering
// sequence number, the documents it adds and the ids it deletes. Segments
// with equal sequence numbers form one group in which deletes win over adds;
// later groups override earlier ones.
package index

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Document is one indexed record.
type Document struct {
	ID     uint64          `json:"id"`
	Key    string          `json:"key"`
	Fields json.RawMessage `json:"fields,omitempty"`
}

// DocumentID maps a record key to a document id. Integer keys map to
// themselves; anything else is hashed.
func DocumentID(key string) uint64 {
	if v, err := strconv.ParseInt(key, 10, 64); err == nil {
		return uint64(v)
	}
	if v, err := strconv.ParseUint(key, 10, 64); err == nil {
		return v
	}
	return xxhash.Sum64String(key)
}

// prefer picks between two documents with the same id added in one group.
// The choice only depends on the documents, never on arrival order.
func prefer(a, b Document) Document {
	if a.Key != b.Key {
		if a.Key > b.Key {
			return a
		}
		return b
	}
	if bytes.Compare(a.Fields, b.Fields) >= 0 {
		return a
	}
	return b
}
