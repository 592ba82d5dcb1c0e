package federation

import "strings"

// mutationPrefixes are the operation-name prefixes the classifier recognizes
// when inferring which type a mutation touches. The list is deliberately
// closed: extending it without a schema-level declaration mechanism would
// turn a best-effort heuristic into silent guessing.
var mutationPrefixes = []string{"create", "add", "update", "modify", "delete", "remove"}

// IsMutation reports whether the operation text is a mutation. This is a
// textual scan, not a grammar parse: the trimmed text must start with the
// mutation keyword, or contain it followed by whitespace or an opening brace.
func IsMutation(operation string) bool {
	trimmed := strings.TrimSpace(operation)
	if strings.HasPrefix(trimmed, "mutation") {
		return true
	}
	idx := strings.Index(trimmed, "mutation")
	if idx < 0 {
		return false
	}
	rest := trimmed[idx+len("mutation"):]
	if rest == "" {
		return false
	}
	switch rest[0] {
	case ' ', '\t', '\n', '\r', '{':
		return true
	}
	return false
}

// ExtractMutationName returns the first field name of the operation: it scans
// past the first '{', skips whitespace, and collects a maximal run of
// alphanumeric or underscore characters. ok is false when no such run exists.
func ExtractMutationName(operation string) (name string, ok bool) {
	idx := strings.IndexByte(operation, '{')
	if idx < 0 {
		return "", false
	}
	rest := operation[idx+1:]

	start := 0
	for start < len(rest) && isSpace(rest[start]) {
		start++
	}
	end := start
	for end < len(rest) && isNameChar(rest[end]) {
		end++
	}
	if end == start {
		return "", false
	}
	return rest[start:end], true
}

// ExtractTypenameFromMutation strips a known create/update/delete style
// prefix from the mutation name and upper-cases the first character of the
// remainder to form the candidate typename. ok is false when no known prefix
// matches or nothing remains after it.
func ExtractTypenameFromMutation(name string) (typename string, ok bool) {
	lower := strings.ToLower(name)
	for _, prefix := range mutationPrefixes {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		remainder := name[len(prefix):]
		if remainder == "" {
			return "", false
		}
		head := remainder[0]
		if head >= 'a' && head <= 'z' {
			head -= 'a' - 'A'
		}
		return string(head) + remainder[1:], true
	}
	return "", false
}

// IsLocalMutation decides whether the named mutation is owned by this
// service. Unknown mutation names and unknown types default to local: routing
// a local mutation to a remote subgraph would be a correctness bug, whereas
// handling a remote one locally is merely slow to surface.
func IsLocalMutation(name string, md *FederationMetadata) bool {
	if md == nil || !md.Enabled {
		return true
	}
	typename, ok := ExtractTypenameFromMutation(name)
	if !ok {
		return true
	}
	t, ok := md.Type(typename)
	if !ok {
		return true
	}
	return !t.IsExtends
}

// IsExtendedMutation is the exact negation of IsLocalMutation.
func IsExtendedMutation(name string, md *FederationMetadata) bool {
	return !IsLocalMutation(name, md)
}

// MutationClassification is the classifier's full verdict on one operation.
type MutationClassification struct {
	IsMutation bool
	Name       string
	Typename   string
	IsLocal    bool
}

// ClassifyMutation combines the textual checks into a single verdict for the
// request-handling layer.
func ClassifyMutation(operation string, md *FederationMetadata) MutationClassification {
	c := MutationClassification{IsLocal: true}
	if !IsMutation(operation) {
		return c
	}
	c.IsMutation = true
	name, ok := ExtractMutationName(operation)
	if !ok {
		return c
	}
	c.Name = name
	if typename, ok := ExtractTypenameFromMutation(name); ok {
		c.Typename = typename
	}
	c.IsLocal = IsLocalMutation(name, md)
	return c
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isNameChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
