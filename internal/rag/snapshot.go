package rag

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
)

// DocsKey is the snapshot key holding the id → document table.
const DocsKey = "id_to_doc"

// MetadataKeys are the snapshot keys reserved for store metadata. They are
// never treated as recall payloads.
var MetadataKeys = []string{"name", "model", "last_updated"}

// ReservedKeys returns every top-level snapshot key a recall method must not
// be named after.
func ReservedKeys() []string {
	return append([]string{DocsKey}, MetadataKeys...)
}

// Snapshot is the serialisable state of a MultiRecall. On disk it is a flat
// JSON object: one key per recall path, "id_to_doc", and any metadata keys.
type Snapshot struct {
	// Methods maps a recall path name to its opaque payload.
	Methods map[string]json.RawMessage

	// Docs is the id → document table.
	Docs map[int]string

	// Metadata carries caller-owned keys such as the store name.
	Metadata map[string]json.RawMessage
}

// MarshalJSON flattens the snapshot into a single object.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Methods)+len(s.Metadata)+1)
	for k, v := range s.Metadata {
		out[k] = v
	}
	for k, v := range s.Methods {
		out[k] = v
	}
	docs := make(map[string]string, len(s.Docs))
	for id, text := range s.Docs {
		docs[strconv.Itoa(id)] = text
	}
	out[DocsKey] = docs
	return json.Marshal(out)
}

// ParseSnapshot decodes a flat snapshot object. Document ids arrive as JSON
// object keys and are converted back to integers. Parsing is tolerant: an
// entry that cannot be decoded is skipped and reported through a
// KindMalformedSnapshot error, while everything else is returned.
func ParseSnapshot(data []byte) (Snapshot, error) {
	snap := Snapshot{
		Methods:  make(map[string]json.RawMessage),
		Docs:     make(map[int]string),
		Metadata: make(map[string]json.RawMessage),
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return snap, NewError(KindMalformedSnapshot, "rag: parse snapshot", err)
	}

	var errs []error
	for key, raw := range top {
		switch {
		case key == DocsKey:
			var docs map[string]string
			if err := json.Unmarshal(raw, &docs); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", DocsKey, err))
				continue
			}
			for k, text := range docs {
				id, err := strconv.Atoi(k)
				if err != nil || id < 0 {
					errs = append(errs, fmt.Errorf("%s: invalid id %q", DocsKey, k))
					continue
				}
				snap.Docs[id] = text
			}
		case slices.Contains(MetadataKeys, key):
			snap.Metadata[key] = raw
		default:
			snap.Methods[key] = raw
		}
	}
	if _, ok := top[DocsKey]; !ok {
		errs = append(errs, fmt.Errorf("missing %s", DocsKey))
	}

	if len(errs) > 0 {
		return snap, NewError(KindMalformedSnapshot, "rag: parse snapshot", errors.Join(errs...))
	}
	return snap, nil
}
