// Package payload implements the structured attribute model attached to
// points: a closed tagged value type, documents with nested field paths,
// and the filter predicates evaluated against them.
package payload

import (
	"encoding/json"
	"strings"
)

// Document is the payload of one point: an unordered mapping of field
// name to typed value.
type Document map[string]Value

// Get resolves a dotted field path ("a.b.c") against the document,
// descending through nested objects.
func (d Document) Get(path string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	if v, ok := d[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return Value{}, false
	}
	v, ok := d[head]
	if !ok {
		return Value{}, false
	}
	for {
		if v.Kind != KindObject {
			return Value{}, false
		}
		head, rest, found = strings.Cut(rest, ".")
		next, ok := v.O[head]
		if !ok {
			return Value{}, false
		}
		if !found {
			return next, true
		}
		v = next
	}
}

// Clone returns a shallow copy of the document. Values are immutable by
// convention, so sharing them between clones is safe.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// FromJSON parses a JSON object into a Document.
func FromJSON(data []byte) (Document, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// ToJSON serializes the document. A nil document serializes to null.
func (d Document) ToJSON() ([]byte, error) {
	return json.Marshal(d)
}
