package event

import (
	"bytes"
	"encoding/json"
	"time"
)

// Record is a decoded JSON payload. Numbers are kept as json.Number so that
// large identifiers survive the round trip.
type Record map[string]interface{}

// Field returns the named field and whether it was present.
func (r Record) Field(name string) (interface{}, bool) {
	v, ok := r[name]
	return v, ok
}

// DecodeRecord parses a JSON object.
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Event is a record accepted by an ingestion pipeline. Version is the
// pipeline's logical clock, not the source's offset.
type Event struct {
	Version   int64     `json:"version"`
	Key       string    `json:"key"`
	Payload   Record    `json:"payload,omitempty"`
	Delete    bool      `json:"delete,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Marshal serializes an event for the persistent cache.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(data []byte) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// RawRecord is what a stream source hands out before conversion.
type RawRecord struct {
	Key       []byte
	Value     []byte
	Source    string // e.g. "topic:partition" or a file path
	Offset    int64
	Timestamp time.Time
}

// Size returns the approximate size of the record in bytes
func (r *RawRecord) Size() int {
	return len(r.Key) + len(r.Value) + len(r.Source) + 16
}
