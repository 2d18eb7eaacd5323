package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"Distributed-index/internal/errors"
)

// Converter turns a raw stream record into the payload representation the
// pipeline caches and indexes. It does not assign versions.
type Converter interface {
	Convert(raw *RawRecord) (*Event, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(raw *RawRecord) (*Event, error)

func (f ConverterFunc) Convert(raw *RawRecord) (*Event, error) { return f(raw) }

// JSONConverter decodes the raw value as a JSON object. The event key comes
// from KeyField when set, otherwise from the raw record key. A truthy
// DeleteField marks the event as a delete.
type JSONConverter struct {
	KeyField    string
	DeleteField string
}

// NewJSONConverter returns a converter keyed on field, with "_delete" as the
// delete marker.
func NewJSONConverter(field string) *JSONConverter {
	return &JSONConverter{KeyField: field, DeleteField: "_delete"}
}

func (c *JSONConverter) Convert(raw *RawRecord) (*Event, error) {
	rec, err := DecodeRecord(raw.Value)
	if err != nil {
		return nil, errors.WrapCode(err, errors.ErrFormat, "decoding record")
	}

	key := string(raw.Key)
	if c.KeyField != "" {
		v, ok := rec.Field(c.KeyField)
		if !ok || v == nil {
			return nil, errors.Newf(errors.ErrFormat, "record has no %q field", c.KeyField)
		}
		key = stringify(v)
	}
	if key == "" {
		return nil, errors.New(errors.ErrFormat, "record has an empty key")
	}

	ev := &Event{Key: key, Payload: rec, Timestamp: raw.Timestamp}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if c.DeleteField != "" {
		if v, ok := rec[c.DeleteField]; ok {
			ev.Delete = truthy(v)
			delete(rec, c.DeleteField)
		}
	}
	return ev, nil
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return strings.EqualFold(x, "true") || x == "1"
	case json.Number:
		return x.String() != "0"
	default:
		return false
	}
}
