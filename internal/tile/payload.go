package tile

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/soma-tiles/annotations/internal/annotation"
)

// ErrInvalidPayload is returned when a tile response does not have the expected shape.
var ErrInvalidPayload = errors.New("invalid tile payload")

// Payload is the server's answer to a tile fetch.
type Payload struct {
	Index Key
	Data  Bins
}

type wireIndex struct {
	Level  *int `json:"level"`
	XIndex *int `json:"xIndex"`
	YIndex *int `json:"yIndex"`
}

type wirePayload struct {
	Index *wireIndex `json:"index"`
	Data  Bins       `json:"data"`
}

// DecodePayload parses and validates a tile response body.
func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(b []byte) error {
	var w wirePayload
	if err := json.Unmarshal(b, &w); err != nil {
		if errors.Is(err, annotation.ErrInvalid) {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if w.Index == nil || w.Index.Level == nil || w.Index.XIndex == nil || w.Index.YIndex == nil {
		return fmt.Errorf("%w: missing index", ErrInvalidPayload)
	}
	key := Key{Level: *w.Index.Level, X: *w.Index.XIndex, Y: *w.Index.YIndex}
	if !key.Valid() {
		return fmt.Errorf("%w: negative index %s", ErrInvalidPayload, key)
	}

	bins := make(Bins, len(w.Data))
	for k, list := range w.Data {
		if len(list) > 0 {
			bins[k] = list
		}
	}
	*p = Payload{Index: key, Data: bins}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	level, x, y := p.Index.Level, p.Index.X, p.Index.Y
	data := p.Data
	if data == nil {
		data = Bins{}
	}
	return json.Marshal(wirePayload{
		Index: &wireIndex{Level: &level, XIndex: &x, YIndex: &y},
		Data:  data,
	})
}
