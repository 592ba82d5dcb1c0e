package federation

import (
	"fmt"
	"strings"
)

// FederationMetadata describes which types are federated, their keys, and
// their field directives. It is built once at schema-compile time, read-only
// afterwards, and replaced as a whole on schema reload (see SnapshotHolder).
type FederationMetadata struct {
	// Enabled disables all federation behavior when false: every type and
	// mutation is then treated as local.
	Enabled bool            `json:"enabled"`
	Version string          `json:"version"`
	Types   []FederatedType `json:"types"`
}

// FederatedType is the per-type slice of the federation metadata.
type FederatedType struct {
	Name string `json:"name"`

	// Keys holds the declared @key sets. At least one must be resolvable for
	// the type to be externally resolvable.
	Keys []KeyDirective `json:"keys"`

	// IsExtends is true when this service only extends the type; the
	// authoritative data lives in the owning subgraph.
	IsExtends bool `json:"is_extends"`

	// Subgraph names the owning subgraph for extended types. Empty for types
	// this service owns.
	Subgraph string `json:"subgraph,omitempty"`

	// ExternalFields are fields marked @external. They must never be written
	// to the owning subgraph nor accepted as authoritative from this service.
	ExternalFields map[string]bool `json:"external_fields,omitempty"`

	// ShareableFields may be resolved by any subgraph without an ownership
	// conflict. Informational for this engine.
	ShareableFields map[string]bool `json:"shareable_fields,omitempty"`

	// FieldDirectives holds directives for fields that declare any; fields
	// without directives are absent.
	FieldDirectives map[string]FieldDirectives `json:"field_directives,omitempty"`
}

// KeyDirective is one declared @key set.
type KeyDirective struct {
	Fields     []string `json:"fields"`
	Resolvable bool     `json:"resolvable"`
}

// FieldDirectives carries the federation directives of a single field.
type FieldDirectives struct {
	// Requires lists fields on other types that must be resolved before this
	// field can be computed.
	Requires []FieldPathSelection `json:"requires,omitempty"`
}

// FieldPathSelection addresses a (possibly nested) field on a named type.
type FieldPathSelection struct {
	Typename string   `json:"typename"`
	Path     []string `json:"path"`
}

// NodeID returns the dependency-graph node id for the selection,
// "{typename}.{joined path}".
func (s FieldPathSelection) NodeID() string {
	return s.Typename + "." + strings.Join(s.Path, ".")
}

// Type returns the federated type with the given name, or false when the
// typename is unknown to the metadata.
func (m *FederationMetadata) Type(name string) (*FederatedType, bool) {
	for i := range m.Types {
		if m.Types[i].Name == name {
			return &m.Types[i], true
		}
	}
	return nil, false
}

// ResolvableKey returns the first resolvable @key set of the type.
func (t *FederatedType) ResolvableKey() (KeyDirective, bool) {
	for _, key := range t.Keys {
		if key.Resolvable {
			return key, true
		}
	}
	return KeyDirective{}, false
}

// Validate checks the schema-authoring invariants that must hold before a
// metadata set may be activated: unique type names, non-empty key field sets
// with unique members, and at least one resolvable key per federated type.
// Cycle detection runs separately at activation (see SnapshotHolder).
func (m *FederationMetadata) Validate() error {
	seen := make(map[string]bool, len(m.Types))
	for i := range m.Types {
		t := &m.Types[i]
		if t.Name == "" {
			return fmt.Errorf("federated type at index %d has no name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate federated type %q", t.Name)
		}
		seen[t.Name] = true

		if len(t.Keys) == 0 {
			return fmt.Errorf("federated type %q declares no @key", t.Name)
		}
		resolvable := false
		for _, key := range t.Keys {
			if len(key.Fields) == 0 {
				return fmt.Errorf("federated type %q has an empty @key field set", t.Name)
			}
			members := make(map[string]bool, len(key.Fields))
			for _, f := range key.Fields {
				if members[f] {
					return fmt.Errorf("federated type %q repeats field %q within one @key", t.Name, f)
				}
				members[f] = true
			}
			if key.Resolvable {
				resolvable = true
			}
		}
		if !resolvable {
			return fmt.Errorf("federated type %q has no resolvable @key", t.Name)
		}
	}
	return nil
}

// EntityRepresentation is the {__typename, <key fields>} tuple delivered in a
// federation _entities query. Fields holds every value the router sent,
// including non-key fields provided to satisfy @requires.
type EntityRepresentation struct {
	Typename string
	Fields   map[string]interface{}
}

// HasField reports whether the representation carries the given field. Dotted
// paths descend into nested objects.
func (r EntityRepresentation) HasField(path string) bool {
	segments := strings.Split(path, ".")
	var current interface{} = map[string]interface{}(r.Fields)
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		current, ok = m[seg]
		if !ok {
			return false
		}
	}
	return true
}

// keyFingerprint returns a stable identity string for deduplication: the
// typename plus the values of the given key fields. Two representations are
// duplicates iff their fingerprints match.
func (r EntityRepresentation) keyFingerprint(keyFields []string) string {
	var sb strings.Builder
	sb.WriteString(r.Typename)
	for _, f := range keyFields {
		sb.WriteByte(0x1f)
		sb.WriteString(f)
		sb.WriteByte('=')
		fmt.Fprintf(&sb, "%v", r.Fields[f])
	}
	return sb.String()
}

// AsMap renders the representation in federation wire shape, with __typename
// alongside the carried fields.
func (r EntityRepresentation) AsMap() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields)+1)
	out["__typename"] = r.Typename
	for k, v := range r.Fields {
		out[k] = v
	}
	return out
}

// RepresentationFromMap parses one element of the _entities representations
// argument. The __typename member is required.
func RepresentationFromMap(raw map[string]interface{}) (EntityRepresentation, error) {
	typename, _ := raw["__typename"].(string)
	if typename == "" {
		return EntityRepresentation{}, fmt.Errorf("representation is missing __typename")
	}
	fields := make(map[string]interface{}, len(raw)-1)
	for k, v := range raw {
		if k == "__typename" {
			continue
		}
		fields[k] = v
	}
	return EntityRepresentation{Typename: typename, Fields: fields}, nil
}
