package federation

import "sort"

// FieldInfo is the schema compiler's view of a single field, used for
// auto-key detection when the author did not declare @key.
type FieldInfo struct {
	TypeName    string
	IsRequired  bool
	IsList      bool
	Annotations []string
}

func (f FieldInfo) hasAnnotation(name string) bool {
	for _, a := range f.Annotations {
		if a == name {
			return true
		}
	}
	return false
}

// DetectKey infers the entity key for a type whose schema does not declare
// one. Strict priority order, first match wins:
//
//  1. a field literally named "id"
//  2. exactly one field annotated primary_key (two or more is ambiguous)
//  3. the first ID-typed field, in sorted field-name order
//
// An empty field map fails before any priority check. The function is pure.
func DetectKey(typeName string, fields map[string]FieldInfo) (string, error) {
	if len(fields) == 0 {
		return "", &InvalidTypeError{TypeName: typeName}
	}

	if _, ok := fields["id"]; ok {
		return "id", nil
	}

	var annotated []string
	for name, info := range fields {
		if info.hasAnnotation("primary_key") {
			annotated = append(annotated, name)
		}
	}
	switch len(annotated) {
	case 1:
		return annotated[0], nil
	case 0:
	default:
		return "", &AmbiguousKeyError{TypeName: typeName, Fields: annotated}
	}

	// Sort names so the fallback is deterministic across calls.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if fields[name].TypeName == "ID" {
			return name, nil
		}
	}

	return "", &NoKeyFoundError{TypeName: typeName}
}
