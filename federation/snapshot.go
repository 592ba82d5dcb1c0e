package federation

import (
	"fmt"
	"sync/atomic"
)

// Snapshot bundles one metadata generation with the graph derived from it.
// Every snapshot is read-only after construction; reload replaces the whole
// snapshot atomically so concurrent readers never observe a torn graph.
type Snapshot struct {
	Metadata *FederationMetadata
	Graph    *DependencyGraph
	// Order is the @requires resolution order, one "Type.field" id per field
	// that declares the directive.
	Order []string
}

// SnapshotHolder owns the current snapshot. Reads are lock-free; writes go
// through Activate, which validates the candidate fully before the swap. A
// rejected candidate leaves the previous snapshot active.
type SnapshotHolder struct {
	current atomic.Value
}

// NewSnapshotHolder starts with federation disabled: every type and mutation
// is local until a real metadata set is activated.
func NewSnapshotHolder() *SnapshotHolder {
	h := &SnapshotHolder{}
	h.current.Store(&Snapshot{
		Metadata: &FederationMetadata{},
		Graph:    BuildDependencyGraph(nil),
	})
	return h
}

// Current returns the active snapshot. Never nil.
func (h *SnapshotHolder) Current() *Snapshot {
	return h.current.Load().(*Snapshot)
}

// Activate validates a candidate metadata set, derives its dependency graph
// and resolution order, and swaps it in. Key-shape and cycle errors are
// schema-authoring errors: they block activation and keep the old snapshot.
func (h *SnapshotHolder) Activate(md *FederationMetadata) (*Snapshot, error) {
	if md == nil {
		return nil, fmt.Errorf("nil federation metadata")
	}
	if err := md.Validate(); err != nil {
		return nil, fmt.Errorf("metadata validation failed: %w", err)
	}

	graph := BuildDependencyGraph(md)
	order, err := graph.TopologicalSort()
	if err != nil {
		return nil, fmt.Errorf("dependency graph rejected: %w", err)
	}

	snapshot := &Snapshot{
		Metadata: md,
		Graph:    graph,
		Order:    order,
	}
	h.current.Store(snapshot)
	return snapshot, nil
}

// DependencyOrder derives the @requires resolution order for a metadata set
// without activating it. Useful for validate-only tooling.
func DependencyOrder(md *FederationMetadata) ([]string, error) {
	return BuildDependencyGraph(md).TopologicalSort()
}
