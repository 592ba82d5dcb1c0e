package federation

import (
	"fmt"
	"sort"
	"strings"
)

// AmbiguousKeyError is returned by DetectKey when more than one field carries
// the primary_key annotation and no safe choice exists.
type AmbiguousKeyError struct {
	TypeName string
	Fields   []string
}

func (e *AmbiguousKeyError) Error() string {
	fields := append([]string(nil), e.Fields...)
	sort.Strings(fields)
	return fmt.Sprintf("ambiguous key for type %q: multiple primary_key fields (%s); declare @key explicitly", e.TypeName, strings.Join(fields, ", "))
}

// NoKeyFoundError is returned by DetectKey when no field qualifies as a key.
type NoKeyFoundError struct {
	TypeName string
}

func (e *NoKeyFoundError) Error() string {
	return fmt.Sprintf("no key found for type %q: add an id field, a primary_key annotation, or declare @key explicitly", e.TypeName)
}

// InvalidTypeError is returned by DetectKey for a type with no fields at all.
type InvalidTypeError struct {
	TypeName string
}

func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("invalid type %q: type has no fields", e.TypeName)
}

// CircularDependencyError is returned by TopologicalSort when the @requires
// graph contains cycles. Cycles is exhaustive, never truncated.
type CircularDependencyError struct {
	Cycles [][]string
}

func (e *CircularDependencyError) Error() string {
	parts := make([]string, 0, len(e.Cycles))
	for _, cycle := range e.Cycles {
		parts = append(parts, strings.Join(cycle, " -> "))
	}
	return fmt.Sprintf("circular @requires dependencies: [%s]", strings.Join(parts, "; "))
}

// SubgraphError carries the remote subgraph's errors payload verbatim.
type SubgraphError struct {
	Subgraph string
	Errors   []interface{}
}

func (e *SubgraphError) Error() string {
	messages := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		if m, ok := item.(map[string]interface{}); ok {
			if msg, ok := m["message"].(string); ok {
				messages = append(messages, msg)
				continue
			}
		}
		messages = append(messages, fmt.Sprintf("%v", item))
	}
	return fmt.Sprintf("subgraph %q returned errors: %s", e.Subgraph, strings.Join(messages, "; "))
}

// TransportError wraps a network-layer failure reaching a subgraph.
type TransportError struct {
	Subgraph string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error calling subgraph %q: %v", e.Subgraph, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError marks a subgraph call that exceeded the caller's deadline.
type TimeoutError struct {
	Subgraph string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout calling subgraph %q: %v", e.Subgraph, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// DeserializationError marks a subgraph response missing an expected field.
type DeserializationError struct {
	Field string
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("subgraph response missing expected field %q", e.Field)
}
