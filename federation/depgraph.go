package federation

import "sort"

// DependencyGraph is the directed graph of field-to-field @requires
// dependencies across all federated types. An edge A -> B means field A
// requires field B, so B must be resolved before A.
//
// The graph is derived from a FederationMetadata, owned by its builder, and
// never mutated after construction. Edges may point at ids with no node of
// their own (the required field declares no directives); such dangling edges
// are ignored by the topological sort.
type DependencyGraph struct {
	nodes map[string][]FieldPathSelection
	edges []DependencyEdge
}

// DependencyEdge is one @requires relationship between two "Type.field" ids.
type DependencyEdge struct {
	From string
	To   string
}

// BuildDependencyGraph builds the @requires graph from metadata. It always
// succeeds; metadata without any @requires directive yields an empty graph.
func BuildDependencyGraph(md *FederationMetadata) *DependencyGraph {
	g := &DependencyGraph{
		nodes: make(map[string][]FieldPathSelection),
	}
	if md == nil {
		return g
	}
	for _, t := range md.Types {
		for field, directives := range t.FieldDirectives {
			if len(directives.Requires) == 0 {
				continue
			}
			from := t.Name + "." + field
			g.nodes[from] = append([]FieldPathSelection(nil), directives.Requires...)
			for _, sel := range directives.Requires {
				g.edges = append(g.edges, DependencyEdge{From: from, To: sel.NodeID()})
			}
		}
	}
	return g
}

// NodeCount returns the number of fields that declare @requires.
func (g *DependencyGraph) NodeCount() int { return len(g.nodes) }

// Nodes returns the node ids in sorted order.
func (g *DependencyGraph) Nodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Requires returns the selections a node depends on.
func (g *DependencyGraph) Requires(nodeID string) []FieldPathSelection {
	return g.nodes[nodeID]
}

// Edges returns a copy of the edge list. Order is unspecified.
func (g *DependencyGraph) Edges() []DependencyEdge {
	return append([]DependencyEdge(nil), g.edges...)
}

// adjacency returns the outgoing targets per node, sorted for deterministic
// traversal. Dangling targets appear as keys with no outgoing edges.
func (g *DependencyGraph) adjacency() map[string][]string {
	adj := make(map[string][]string, len(g.nodes))
	for _, e := range g.edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	for id := range adj {
		sort.Strings(adj[id])
	}
	return adj
}

// DetectCycles finds every cycle reachable from any unvisited start node. It
// runs a depth-first traversal with an explicit stack (no recursion, so deep
// @requires chains cannot exhaust the call stack) and a recursion-stack set;
// reaching a node already on that set closes a cycle. Each reported cycle
// starts and ends at the back-edge target.
func (g *DependencyGraph) DetectCycles() [][]string {
	adj := g.adjacency()

	visited := make(map[string]bool)
	var cycles [][]string

	type frame struct {
		id   string
		next int
	}

	for _, start := range g.Nodes() {
		if visited[start] {
			continue
		}

		stack := []frame{{id: start}}
		onStack := map[string]bool{start: true}
		visited[start] = true

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			targets := adj[top.id]

			if top.next >= len(targets) {
				onStack[top.id] = false
				stack = stack[:len(stack)-1]
				continue
			}

			target := targets[top.next]
			top.next++

			if onStack[target] {
				// Back edge: the cycle is the path suffix from target onward.
				var cycle []string
				recording := false
				for _, f := range stack {
					if f.id == target {
						recording = true
					}
					if recording {
						cycle = append(cycle, f.id)
					}
				}
				cycle = append(cycle, target)
				cycles = append(cycles, cycle)
				continue
			}
			if visited[target] {
				continue
			}

			visited[target] = true
			onStack[target] = true
			stack = append(stack, frame{id: target})
		}
	}

	return cycles
}

// TopologicalSort returns an order in which @requires fields can be resolved:
// for every edge A -> B (A requires B), B precedes A. It fails with a
// CircularDependencyError listing every detected cycle when the graph is
// cyclic. On acyclic graphs the result length always equals NodeCount.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		return nil, &CircularDependencyError{Cycles: cycles}
	}

	// Kahn's algorithm over the requirement direction: a node's in-degree is
	// its number of unresolved requirements. Dangling edges (target is not a
	// node) contribute nothing.
	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = 0
	}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.To]; !ok {
			continue
		}
		inDegree[e.From]++
		dependents[e.To] = append(dependents[e.To], e.From)
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		next := append([]string(nil), dependents[current]...)
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	return result, nil
}
