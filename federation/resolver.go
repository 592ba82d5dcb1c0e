package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Strategy says where a group of entity representations gets resolved.
type Strategy string

const (
	// StrategyLocal hands the group to the caller's own in-memory path. Used
	// for unknown typenames and whenever federation is disabled.
	StrategyLocal Strategy = "local"
	// StrategyDb resolves the group through the local store.
	StrategyDb Strategy = "db"
	// StrategyHttp forwards the group to the owning subgraph.
	StrategyHttp Strategy = "http"
)

// DBExecutor resolves owned entities against the local store. Retry and
// backoff policy live entirely inside the implementation.
type DBExecutor interface {
	ResolveDB(ctx context.Context, typename string, keys []map[string]interface{}) ([]map[string]interface{}, error)
}

// HTTPExecutor forwards a batch of representations to the owning subgraph.
type HTTPExecutor interface {
	ResolveHTTP(ctx context.Context, subgraph, typename string, representations []map[string]interface{}) ([]map[string]interface{}, error)
}

// LocalResolver handles StrategyLocal groups.
type LocalResolver interface {
	ResolveLocal(ctx context.Context, typename string, representations []map[string]interface{}) ([]map[string]interface{}, error)
}

// Sink receives finalized log contexts. Implementations must not block.
type Sink interface {
	Emit(*LogContext)
}

type nopSink struct{}

func (nopSink) Emit(*LogContext) {}

// echoLocalResolver is the default local path: the representation already is
// the materialized entity.
type echoLocalResolver struct{}

func (echoLocalResolver) ResolveLocal(_ context.Context, _ string, reps []map[string]interface{}) ([]map[string]interface{}, error) {
	return reps, nil
}

// EntityGroup is one typename's slice of a batch: deduplicated
// representations plus the positions each one came from, and the strategy the
// group was assigned.
type EntityGroup struct {
	Typename string
	Strategy Strategy
	// Subgraph is the owning subgraph. Set only for StrategyHttp.
	Subgraph string
	// Representations holds the deduplicated entries in first-seen order.
	Representations []EntityRepresentation
	// Positions maps each deduplicated representation back to every original
	// batch index it stands for.
	Positions [][]int
}

// UniqueCount returns the number of distinct (typename, key) pairs in the group.
func (g *EntityGroup) UniqueCount() int { return len(g.Representations) }

// PlanEntityGroups groups a batch of representations by typename (first-seen
// order of distinct typenames), deduplicates within each group by the type's
// resolvable-key values, and classifies each group's strategy.
func PlanEntityGroups(reps []EntityRepresentation, md *FederationMetadata) []*EntityGroup {
	var order []string
	groups := make(map[string]*EntityGroup)
	fingerprints := make(map[string]map[string]int) // typename -> fingerprint -> dedup index

	for i, rep := range reps {
		group, ok := groups[rep.Typename]
		if !ok {
			group = classifyGroup(rep.Typename, md)
			groups[rep.Typename] = group
			fingerprints[rep.Typename] = make(map[string]int)
			order = append(order, rep.Typename)
		}

		fp := rep.keyFingerprint(dedupFields(rep, md))
		if idx, seen := fingerprints[rep.Typename][fp]; seen {
			group.Positions[idx] = append(group.Positions[idx], i)
			continue
		}
		fingerprints[rep.Typename][fp] = len(group.Representations)
		group.Representations = append(group.Representations, rep)
		group.Positions = append(group.Positions, []int{i})
	}

	result := make([]*EntityGroup, 0, len(order))
	for _, typename := range order {
		result = append(result, groups[typename])
	}
	return result
}

// classifyGroup assigns the strategy for one typename. Unknown types and
// disabled federation resolve locally; that is a deliberate default, not an
// error.
func classifyGroup(typename string, md *FederationMetadata) *EntityGroup {
	group := &EntityGroup{Typename: typename, Strategy: StrategyLocal}
	if md == nil || !md.Enabled {
		return group
	}
	t, ok := md.Type(typename)
	if !ok {
		return group
	}
	if t.IsExtends {
		group.Strategy = StrategyHttp
		group.Subgraph = t.Subgraph
	} else {
		group.Strategy = StrategyDb
	}
	return group
}

// dedupFields returns the fields that define representation identity: the
// type's resolvable key when the type is known, otherwise every carried field
// in sorted order.
func dedupFields(rep EntityRepresentation, md *FederationMetadata) []string {
	if md != nil && md.Enabled {
		if t, ok := md.Type(rep.Typename); ok {
			if key, ok := t.ResolvableKey(); ok {
				return key.Fields
			}
		}
	}
	fields := make([]string, 0, len(rep.Fields))
	for f := range rep.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// EntityResult is one slot of the _entities response: resolved data or the
// error that scoped to this representation.
type EntityResult struct {
	Data map[string]interface{}
	Err  error
}

// EntityResolver is the engine's upward-facing entry point: it plans a batch,
// dispatches each group to its collaborator, and scatters results back into
// original request order.
type EntityResolver struct {
	snapshots *SnapshotHolder
	db        DBExecutor
	http      HTTPExecutor
	local     LocalResolver
	sink      Sink
}

// ResolverOption customizes an EntityResolver.
type ResolverOption func(*EntityResolver)

// WithLocalResolver replaces the default echo local path.
func WithLocalResolver(local LocalResolver) ResolverOption {
	return func(r *EntityResolver) { r.local = local }
}

// WithSink routes finalized log contexts to the given sink.
func WithSink(sink Sink) ResolverOption {
	return func(r *EntityResolver) { r.sink = sink }
}

// NewEntityResolver wires the resolver to its collaborators. db and http may
// be nil when the deployment has no local store or no remote subgraphs; a
// group routed at a nil collaborator fails for its positions only.
func NewEntityResolver(snapshots *SnapshotHolder, db DBExecutor, http HTTPExecutor, opts ...ResolverOption) *EntityResolver {
	r := &EntityResolver{
		snapshots: snapshots,
		db:        db,
		http:      http,
		local:     echoLocalResolver{},
		sink:      nopSink{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveEntities resolves a federation _entities batch. The result is
// length-preserving relative to the input: duplicate representations occupy
// their original positions and share one resolved value (or one error). A
// failure in one group never fails sibling groups.
func (r *EntityResolver) ResolveEntities(ctx context.Context, reps []EntityRepresentation) []EntityResult {
	md := r.snapshots.Current().Metadata
	groups := PlanEntityGroups(reps, md)

	unique := 0
	for _, g := range groups {
		unique += g.UniqueCount()
	}

	lc := NewLogContext(OpEntityResolution).RecordTrace(ctx).WithCounts(len(reps), unique)

	results := make([]EntityResult, len(reps))

	// Each group writes to a disjoint set of positions, so no lock is needed.
	eg, gctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		group := group
		eg.Go(func() error {
			r.resolveGroup(gctx, md, group, results)
			return nil
		})
	}
	_ = eg.Wait()

	resolved := 0
	for _, res := range results {
		if res.Err == nil {
			resolved++
		}
	}
	lc.Complete(resolved)
	r.sink.Emit(lc)

	return results
}

// resolveGroup dispatches one group as a single batched call and scatters the
// outcome back to every original position, duplicates included.
func (r *EntityResolver) resolveGroup(ctx context.Context, md *FederationMetadata, group *EntityGroup, results []EntityResult) {
	dispatch := group.Representations
	positions := group.Positions

	var lc *LogContext
	switch group.Strategy {
	case StrategyDb:
		lc = NewLogContext(OpResolveDB)
	case StrategyHttp:
		lc = NewLogContext(OpResolveHTTP).WithSubgraph(group.Subgraph)
	}
	if lc != nil {
		lc.RecordTrace(ctx).WithStrategy(group.Strategy, group.Typename)
		lc.WithCounts(positionCount(positions), len(dispatch))
	}

	// @requires enforcement: a representation missing a required field fails
	// on its own, the rest of the group still dispatches.
	if group.Strategy == StrategyHttp {
		dispatch, positions = r.enforceRequires(md, group, results)
		if len(dispatch) == 0 {
			if lc != nil {
				lc.Complete(0)
				r.sink.Emit(lc)
			}
			return
		}
	}

	rows, err := r.dispatch(ctx, md, group, dispatch)
	if err == nil && len(rows) != len(dispatch) {
		err = fmt.Errorf("resolver for %q returned %d results for %d representations", group.Typename, len(rows), len(dispatch))
	}

	if err != nil {
		scoped := r.scopeError(group, err)
		for _, posList := range positions {
			for _, pos := range posList {
				results[pos] = EntityResult{Err: scoped}
			}
		}
		if lc != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				lc.Timeout(scoped)
			} else {
				lc.Fail(scoped)
			}
			r.sink.Emit(lc)
		}
		return
	}

	for i, row := range rows {
		for _, pos := range positions[i] {
			results[pos] = EntityResult{Data: row}
		}
	}
	if lc != nil {
		lc.Complete(len(rows))
		r.sink.Emit(lc)
	}
}

// dispatch routes the deduplicated representations to the group's collaborator.
func (r *EntityResolver) dispatch(ctx context.Context, md *FederationMetadata, group *EntityGroup, dispatch []EntityRepresentation) ([]map[string]interface{}, error) {
	switch group.Strategy {
	case StrategyDb:
		if r.db == nil {
			return nil, fmt.Errorf("no database executor configured for type %q", group.Typename)
		}
		return r.db.ResolveDB(ctx, group.Typename, keyValues(md, group.Typename, dispatch))
	case StrategyHttp:
		if r.http == nil {
			return nil, fmt.Errorf("no HTTP executor configured for subgraph %q", group.Subgraph)
		}
		return r.http.ResolveHTTP(ctx, group.Subgraph, group.Typename, wireRepresentations(dispatch))
	default:
		return r.local.ResolveLocal(ctx, group.Typename, wireRepresentations(dispatch))
	}
}

// enforceRequires drops representations that lack a field some @requires
// selection on this type depends on, recording a per-position error for each.
// Returns the surviving representations and their positions.
func (r *EntityResolver) enforceRequires(md *FederationMetadata, group *EntityGroup, results []EntityResult) ([]EntityRepresentation, [][]int) {
	t, ok := md.Type(group.Typename)
	if !ok || len(t.FieldDirectives) == 0 {
		return group.Representations, group.Positions
	}

	var required []string
	for _, directives := range t.FieldDirectives {
		for _, sel := range directives.Requires {
			if sel.Typename == group.Typename {
				required = append(required, joinPath(sel.Path))
			}
		}
	}
	if len(required) == 0 {
		return group.Representations, group.Positions
	}
	sort.Strings(required)

	var keep []EntityRepresentation
	var keepPos [][]int
	for i, rep := range group.Representations {
		missing := ""
		for _, path := range required {
			if !rep.HasField(path) {
				missing = path
				break
			}
		}
		if missing == "" {
			keep = append(keep, rep)
			keepPos = append(keepPos, group.Positions[i])
			continue
		}
		err := fmt.Errorf("representation of %q is missing required field %q", group.Typename, missing)
		for _, pos := range group.Positions[i] {
			results[pos] = EntityResult{Err: err}
		}
	}
	return keep, keepPos
}

// scopeError classifies a dispatch failure into the engine's error taxonomy.
func (r *EntityResolver) scopeError(group *EntityGroup, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Subgraph: group.Subgraph, Err: err}
	}
	var subErr *SubgraphError
	if errors.As(err, &subErr) {
		return err
	}
	if group.Strategy == StrategyHttp {
		return &TransportError{Subgraph: group.Subgraph, Err: err}
	}
	return err
}

// keyValues extracts only the resolvable-key fields of each representation,
// which is all the local store needs for lookup.
func keyValues(md *FederationMetadata, typename string, reps []EntityRepresentation) []map[string]interface{} {
	var keyFields []string
	if t, ok := md.Type(typename); ok {
		if key, ok := t.ResolvableKey(); ok {
			keyFields = key.Fields
		}
	}

	keys := make([]map[string]interface{}, len(reps))
	for i, rep := range reps {
		if keyFields == nil {
			keys[i] = rep.Fields
			continue
		}
		k := make(map[string]interface{}, len(keyFields))
		for _, f := range keyFields {
			k[f] = rep.Fields[f]
		}
		keys[i] = k
	}
	return keys
}

func wireRepresentations(reps []EntityRepresentation) []map[string]interface{} {
	out := make([]map[string]interface{}, len(reps))
	for i, rep := range reps {
		out[i] = rep.AsMap()
	}
	return out
}

func positionCount(positions [][]int) int {
	n := 0
	for _, p := range positions {
		n += len(p)
	}
	return n
}

func joinPath(path []string) string {
	out := ""
	for i, seg := range path {
		if i > 0 {
			out += "."
		}
		out += seg
	}
	return out
}
