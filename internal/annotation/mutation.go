package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKind is returned for a mutation type other than write, modify or remove.
var ErrUnknownKind = errors.New("unknown mutation kind")

// Kind is the type of a mutation.
type Kind string

const (
	KindWrite  Kind = "write"
	KindModify Kind = "modify"
	KindRemove Kind = "remove"
)

// ParseKind parses a mutation kind, ignoring case.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindWrite, KindModify, KindRemove:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Mutation is a local edit that is also forwarded to the server.
// Write and Remove use Annotation; Modify uses Old and New.
type Mutation struct {
	Kind       Kind
	Annotation Annotation
	Old        Annotation
	New        Annotation
}

// Write returns a write mutation for a.
func Write(a Annotation) Mutation {
	return Mutation{Kind: KindWrite, Annotation: a}
}

// Remove returns a remove mutation for a.
func Remove(a Annotation) Mutation {
	return Mutation{Kind: KindRemove, Annotation: a}
}

// Modify returns a mutation replacing old with updated.
func Modify(old, updated Annotation) Mutation {
	return Mutation{Kind: KindModify, Old: old, New: updated}
}

// ModifyPayload is the annotation member of a modify request.
type ModifyPayload struct {
	Old Annotation `json:"old"`
	New Annotation `json:"new"`
}

// Payload returns the value sent as the "annotation" member of a POST.
func (m Mutation) Payload() any {
	if m.Kind == KindModify {
		return ModifyPayload{Old: m.Old, New: m.New}
	}
	return m.Annotation
}

// DecodeMutation builds a mutation from a kind string and the raw annotation
// member of a request body.
func DecodeMutation(kind string, raw json.RawMessage) (Mutation, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return Mutation{}, err
	}

	if k == KindModify {
		var p struct {
			Old *Annotation `json:"old"`
			New *Annotation `json:"new"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return Mutation{}, fmt.Errorf("decode modify payload: %w", err)
		}
		if p.Old == nil || p.New == nil {
			return Mutation{}, fmt.Errorf("%w: modify needs old and new", ErrInvalid)
		}
		return Modify(*p.Old, *p.New), nil
	}

	var a Annotation
	if err := json.Unmarshal(raw, &a); err != nil {
		return Mutation{}, fmt.Errorf("decode %s payload: %w", k, err)
	}
	return Mutation{Kind: k, Annotation: a}, nil
}
