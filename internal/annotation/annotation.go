// Package annotation defines the point annotations stored in annotation tiles.
package annotation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalid is returned when an annotation payload does not have the expected shape.
var ErrInvalid = errors.New("invalid annotation")

// Annotation is a point-located, user-authored marker.
//
// Members the client does not know about are kept in Extra so that an
// annotation survives a decode/encode round trip unchanged. They take no part
// in equality.
type Annotation struct {
	X        float64
	Y        float64
	Priority int
	Data     Data
	Extra    map[string]json.RawMessage
}

// Data is the text payload of an annotation.
type Data struct {
	Title   string
	Comment string
	Extra   map[string]json.RawMessage
}

// Equal reports whether a and b describe the same annotation. The server does
// not hand out ids before a write is acknowledged, so identity is structural.
func Equal(a, b Annotation) bool {
	return a.X == b.X &&
		a.Y == b.Y &&
		a.Priority == b.Priority &&
		a.Data.Title == b.Data.Title &&
		a.Data.Comment == b.Data.Comment
}

// Equal reports whether a and b describe the same annotation.
func (a Annotation) Equal(b Annotation) bool {
	return Equal(a, b)
}

// Clone returns a deep copy of a.
func (a Annotation) Clone() Annotation {
	out := a
	out.Extra = cloneRaw(a.Extra)
	out.Data.Extra = cloneRaw(a.Data.Extra)
	return out
}

func cloneRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// wire field names
const (
	fieldX        = "x"
	fieldY        = "y"
	fieldPriority = "priority"
	fieldData     = "data"
	fieldTitle    = "title"
	fieldComment  = "comment"
)

// UnmarshalJSON decodes and validates an annotation.
func (a *Annotation) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: null annotation", ErrInvalid)
	}

	var out Annotation
	if err := decodeField(raw, fieldX, &out.X); err != nil {
		return err
	}
	if err := decodeField(raw, fieldY, &out.Y); err != nil {
		return err
	}
	if err := decodeField(raw, fieldPriority, &out.Priority); err != nil {
		return err
	}
	if err := decodeField(raw, fieldData, &out.Data); err != nil {
		return err
	}
	if len(raw) > 0 {
		out.Extra = raw
	}
	*a = out
	return nil
}

// MarshalJSON encodes the annotation including any preserved unknown members.
func (a Annotation) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, 4+len(a.Extra))
	for k, v := range a.Extra {
		fields[k] = v
	}
	fields[fieldX] = a.X
	fields[fieldY] = a.Y
	fields[fieldPriority] = a.Priority
	fields[fieldData] = a.Data
	return marshalSorted(fields)
}

// UnmarshalJSON decodes and validates annotation data.
func (d *Data) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: data: %v", ErrInvalid, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: null data", ErrInvalid)
	}

	var out Data
	if err := decodeField(raw, fieldTitle, &out.Title); err != nil {
		return err
	}
	if err := decodeField(raw, fieldComment, &out.Comment); err != nil {
		return err
	}
	if len(raw) > 0 {
		out.Extra = raw
	}
	*d = out
	return nil
}

// MarshalJSON encodes the data including any preserved unknown members.
func (d Data) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, 2+len(d.Extra))
	for k, v := range d.Extra {
		fields[k] = v
	}
	fields[fieldTitle] = d.Title
	fields[fieldComment] = d.Comment
	return marshalSorted(fields)
}

// decodeField decodes a required member and removes it from raw.
func decodeField(raw map[string]json.RawMessage, name string, dst any) error {
	v, ok := raw[name]
	if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return fmt.Errorf("%w: missing %q", ErrInvalid, name)
	}
	if err := json.Unmarshal(v, dst); err != nil {
		if errors.Is(err, ErrInvalid) {
			return err
		}
		return fmt.Errorf("%w: field %q: %v", ErrInvalid, name, err)
	}
	delete(raw, name)
	return nil
}

// marshalSorted encodes fields with keys in lexical order so output is stable.
func marshalSorted(fields map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(fields[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
