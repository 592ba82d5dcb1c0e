package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/berrygraph/federation-engine/federation"
)

// MutationExecutor sends one classified mutation to its owning subgraph.
type MutationExecutor interface {
	ExecuteMutation(ctx context.Context, subgraph, mutationName string, variables map[string]interface{}, federatedType *federation.FederatedType) (interface{}, error)
}

// CacheInvalidator drops cached entities after a mutation.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, typename string, key map[string]interface{}) error
	InvalidateType(ctx context.Context, typename string) error
}

// HandlerConfig wires the HTTP handler to its collaborators. Mutations and
// Cache may be nil; Sink defaults to a no-op.
type HandlerConfig struct {
	Endpoint  string
	SDL       string
	Snapshots *federation.SnapshotHolder
	Resolver  *federation.EntityResolver
	Mutations MutationExecutor
	Cache     CacheInvalidator
	Logger    *zap.Logger
	Sink      federation.Sink

	EnableHangOverRequestHeader bool
	Timeout                     time.Duration
}

// Handler serves the engine's HTTP surface: the GraphQL endpoint for
// _entities batches, _service schema requests and mutations, plus the
// metadata reload endpoint.
type Handler struct {
	endpoint  string
	sdl       string
	snapshots *federation.SnapshotHolder
	resolver  *federation.EntityResolver
	mutations MutationExecutor
	cache     CacheInvalidator
	logger    *zap.Logger
	sink      federation.Sink

	hangOverRequestHeader bool
	timeout               time.Duration
}

var _ http.Handler = (*Handler)(nil)

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		endpoint:              cfg.Endpoint,
		sdl:                   cfg.SDL,
		snapshots:             cfg.Snapshots,
		resolver:              cfg.Resolver,
		mutations:             cfg.Mutations,
		cache:                 cfg.Cache,
		logger:                cfg.Logger,
		sink:                  cfg.Sink,
		hangOverRequestHeader: cfg.EnableHangOverRequestHeader,
		timeout:               cfg.Timeout,
	}
	if h.endpoint == "" {
		h.endpoint = "/graphql"
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.sink == nil {
		h.sink = nopHandlerSink{}
	}
	if h.timeout <= 0 {
		h.timeout = 5 * time.Second
	}
	return h
}

type nopHandlerSink struct{}

func (nopHandlerSink) Emit(*federation.LogContext) {}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case h.endpoint:
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleGraphQL(w, r)
	case "/schema/reload":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleReload(w, r)
	case "/healthz":
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if h.hangOverRequestHeader {
		ctx = federation.SetRequestHeaderToContext(ctx, r.Header)
	}
	if r.Header.Get("X-Request-Id") == "" {
		r.Header.Set("X-Request-Id", uuid.NewString())
	}

	switch {
	case federation.IsMutation(req.Query):
		h.handleMutation(ctx, w, r, req)
	case strings.Contains(req.Query, "_service"):
		h.handleServiceSchema(ctx, w, r)
	case strings.Contains(req.Query, "_entities"):
		h.handleEntities(ctx, w, req)
	default:
		writeGraphQLErrors(w, []interface{}{graphQLError("unsupported operation: this endpoint serves _entities, _service and mutations", "UNSUPPORTED_OPERATION")})
	}
}

// handleEntities resolves one representation batch. Partial failure is the
// contract: a failed representation yields a null slot plus an errors entry,
// sibling representations still resolve.
func (h *Handler) handleEntities(ctx context.Context, w http.ResponseWriter, req graphQLRequest) {
	rawReps, ok := req.Variables["representations"].([]interface{})
	if !ok {
		writeGraphQLErrors(w, []interface{}{graphQLError("variable $representations is required", "BAD_REQUEST")})
		return
	}

	reps := make([]federation.EntityRepresentation, 0, len(rawReps))
	for i, raw := range rawReps {
		m, ok := raw.(map[string]interface{})
		if !ok {
			writeGraphQLErrors(w, []interface{}{graphQLError(fmt.Sprintf("representation %d is not an object", i), "BAD_REQUEST")})
			return
		}
		rep, err := federation.RepresentationFromMap(m)
		if err != nil {
			writeGraphQLErrors(w, []interface{}{graphQLError(fmt.Sprintf("representation %d: %v", i, err), "BAD_REQUEST")})
			return
		}
		reps = append(reps, rep)
	}

	results := h.resolver.ResolveEntities(ctx, reps)

	entities := make([]interface{}, len(results))
	var errs []interface{}
	for i, res := range results {
		if res.Err != nil {
			entities[i] = nil
			errs = append(errs, map[string]interface{}{
				"message": res.Err.Error(),
				"path":    []interface{}{"_entities", i},
			})
			continue
		}
		if res.Data == nil {
			entities[i] = nil
			continue
		}
		entities[i] = res.Data
	}

	writeJSON(w, http.StatusOK, responseBody(map[string]interface{}{"_entities": entities}, errs))
}

// handleMutation classifies the operation and routes extended mutations to
// the owning subgraph. Locally-owned mutations are not routed here.
func (h *Handler) handleMutation(ctx context.Context, w http.ResponseWriter, r *http.Request, req graphQLRequest) {
	md := h.snapshots.Current().Metadata
	cls := federation.ClassifyMutation(req.Query, md)

	if cls.IsLocal {
		if md != nil && md.Enabled {
			if _, known := md.Type(cls.Typename); !known {
				// Conservative default, worth surfacing but not failing loudly.
				h.logger.Warn("mutation classified local by default",
					zap.String("mutation", cls.Name),
					zap.String("typename", cls.Typename))
			}
		}
		writeGraphQLErrors(w, []interface{}{graphQLError(
			fmt.Sprintf("mutation %q is locally owned and must run on the local executor", cls.Name),
			"LOCAL_MUTATION")})
		return
	}

	ft, _ := md.Type(cls.Typename)
	if h.mutations == nil {
		writeGraphQLErrors(w, []interface{}{graphQLError("no subgraph client configured", "SUBGRAPH_UNAVAILABLE")})
		return
	}

	payload, err := h.mutations.ExecuteMutation(ctx, ft.Subgraph, cls.Name, req.Variables, ft)
	if err != nil {
		var subErr *federation.SubgraphError
		if errors.As(err, &subErr) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"errors": subErr.Errors})
			return
		}
		writeGraphQLErrors(w, []interface{}{graphQLError(err.Error(), "SUBGRAPH_UNAVAILABLE")})
		return
	}

	h.invalidateAfterMutation(ctx, cls.Typename, ft, payload)

	writeJSON(w, http.StatusOK, responseBody(map[string]interface{}{cls.Name: payload}, nil))
}

// invalidateAfterMutation drops the mutated entity from the cache, cascading
// per the configured cascade metadata. Falls back to type-wide invalidation
// when the payload does not carry the key.
func (h *Handler) invalidateAfterMutation(ctx context.Context, typename string, ft *federation.FederatedType, payload interface{}) {
	if h.cache == nil {
		return
	}

	doc, _ := payload.(map[string]interface{})
	if doc != nil && ft != nil {
		if keyDirective, ok := ft.ResolvableKey(); ok {
			key := make(map[string]interface{}, len(keyDirective.Fields))
			complete := true
			for _, f := range keyDirective.Fields {
				v, present := doc[f]
				if !present {
					complete = false
					break
				}
				key[f] = v
			}
			if complete {
				if err := h.cache.Invalidate(ctx, typename, key); err != nil {
					h.logger.Warn("cache invalidation failed", zap.String("typename", typename), zap.Error(err))
				}
				return
			}
		}
	}

	if err := h.cache.InvalidateType(ctx, typename); err != nil {
		h.logger.Warn("cache invalidation failed", zap.String("typename", typename), zap.Error(err))
	}
}

func (h *Handler) handleServiceSchema(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	lc := federation.NewLogContext(federation.OpServiceSchema).
		RecordTrace(ctx).
		WithRequestID(r.Header.Get("X-Request-Id"))

	writeJSON(w, http.StatusOK, responseBody(map[string]interface{}{
		"_service": map[string]interface{}{"sdl": h.sdl},
	}, nil))

	lc.Complete(1)
	h.sink.Emit(lc)
}

// handleReload activates a new metadata document. A rejected candidate keeps
// the current snapshot and answers 422 so the operator sees the authoring
// error without losing service.
func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	var md federation.FederationMetadata
	if err := json.NewDecoder(r.Body).Decode(&md); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}

	snapshot, err := h.snapshots.Activate(&md)
	if err != nil {
		h.logger.Error("metadata activation rejected", zap.Error(err))
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": err.Error()})
		return
	}

	h.logger.Info("metadata activated",
		zap.String("version", snapshot.Metadata.Version),
		zap.Int("types", len(snapshot.Metadata.Types)))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "activated",
		"version": snapshot.Metadata.Version,
		"types":   len(snapshot.Metadata.Types),
	})
}

func responseBody(data map[string]interface{}, errs []interface{}) map[string]interface{} {
	body := map[string]interface{}{"data": data}
	if len(errs) > 0 {
		body["errors"] = errs
	}
	return body
}

func graphQLError(message, code string) map[string]interface{} {
	return map[string]interface{}{
		"message":    message,
		"extensions": map[string]string{"code": code},
	}
}

func writeGraphQLErrors(w http.ResponseWriter, errs []interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"errors": errs})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
