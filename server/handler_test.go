package server_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/berrygraph/federation-engine/federation"
	"github.com/berrygraph/federation-engine/server"
)

func handlerMetadata() *federation.FederationMetadata {
	return &federation.FederationMetadata{
		Enabled: true,
		Version: "v1",
		Types: []federation.FederatedType{
			{
				Name: "User",
				Keys: []federation.KeyDirective{{Fields: []string{"id"}, Resolvable: true}},
			},
			{
				Name:      "Order",
				Keys:      []federation.KeyDirective{{Fields: []string{"id"}, Resolvable: true}},
				IsExtends: true,
				Subgraph:  "orders",
			},
		},
	}
}

type stubDB struct {
	err  error
	rows map[string]map[string]interface{}
}

func (d *stubDB) ResolveDB(_ context.Context, _ string, keys []map[string]interface{}) ([]map[string]interface{}, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make([]map[string]interface{}, len(keys))
	for i, key := range keys {
		out[i] = d.rows[fmt.Sprintf("%v", key["id"])]
	}
	return out, nil
}

type stubHTTP struct {
	err error
}

func (h *stubHTTP) ResolveHTTP(_ context.Context, subgraph, typename string, reps []map[string]interface{}) ([]map[string]interface{}, error) {
	if h.err != nil {
		return nil, h.err
	}
	out := make([]map[string]interface{}, len(reps))
	for i, rep := range reps {
		out[i] = map[string]interface{}{"__typename": typename, "id": rep["id"], "subgraph": subgraph}
	}
	return out, nil
}

type stubMutations struct {
	subgraph string
	name     string
	payload  interface{}
	err      error
}

func (m *stubMutations) ExecuteMutation(_ context.Context, subgraph, name string, _ map[string]interface{}, _ *federation.FederatedType) (interface{}, error) {
	m.subgraph = subgraph
	m.name = name
	return m.payload, m.err
}

type stubInvalidator struct {
	typename string
	key      map[string]interface{}
	typeWide bool
}

func (s *stubInvalidator) Invalidate(_ context.Context, typename string, key map[string]interface{}) error {
	s.typename = typename
	s.key = key
	return nil
}

func (s *stubInvalidator) InvalidateType(_ context.Context, typename string) error {
	s.typename = typename
	s.typeWide = true
	return nil
}

func newTestHandler(t *testing.T, db federation.DBExecutor, httpExec federation.HTTPExecutor, mutations server.MutationExecutor, invalidator server.CacheInvalidator) (*server.Handler, *federation.SnapshotHolder) {
	t.Helper()

	holder := federation.NewSnapshotHolder()
	if _, err := holder.Activate(handlerMetadata()); err != nil {
		t.Fatalf("failed to activate metadata: %v", err)
	}

	resolver := federation.NewEntityResolver(holder, db, httpExec)
	h := server.NewHandler(server.HandlerConfig{
		Endpoint:  "/graphql",
		SDL:       "type User @key(fields: \"id\") { id: ID! }",
		Snapshots: holder,
		Resolver:  resolver,
		Mutations: mutations,
		Cache:     invalidator,
		Logger:    zap.NewNop(),
		Timeout:   2 * time.Second,
	})
	return h, holder
}

func postGraphQL(t *testing.T, h http.Handler, body map[string]interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return rec, decoded
}

func TestHandler_Entities(t *testing.T) {
	db := &stubDB{rows: map[string]map[string]interface{}{
		"1": {"__typename": "User", "id": "1", "name": "alice"},
	}}
	h, _ := newTestHandler(t, db, &stubHTTP{}, nil, nil)

	_, resp := postGraphQL(t, h, map[string]interface{}{
		"query": "query ($representations: [_Any!]!) { _entities(representations: $representations) { ... on User { name } } }",
		"variables": map[string]interface{}{
			"representations": []interface{}{
				map[string]interface{}{"__typename": "User", "id": "1"},
				map[string]interface{}{"__typename": "Order", "id": "9"},
			},
		},
	})

	data := resp["data"].(map[string]interface{})
	entities := data["_entities"].([]interface{})
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
	if entities[0].(map[string]interface{})["name"] != "alice" {
		t.Errorf("db entity not resolved: %v", entities[0])
	}
	if entities[1].(map[string]interface{})["subgraph"] != "orders" {
		t.Errorf("extended entity not routed to orders: %v", entities[1])
	}
	if _, hasErrors := resp["errors"]; hasErrors {
		t.Errorf("unexpected errors payload: %v", resp["errors"])
	}
}

func TestHandler_EntitiesPartialFailure(t *testing.T) {
	db := &stubDB{rows: map[string]map[string]interface{}{
		"1": {"__typename": "User", "id": "1"},
	}}
	h, _ := newTestHandler(t, db, &stubHTTP{err: fmt.Errorf("connection refused")}, nil, nil)

	_, resp := postGraphQL(t, h, map[string]interface{}{
		"query": "query { _entities(representations: $representations) { __typename } }",
		"variables": map[string]interface{}{
			"representations": []interface{}{
				map[string]interface{}{"__typename": "Order", "id": "9"},
				map[string]interface{}{"__typename": "User", "id": "1"},
			},
		},
	})

	entities := resp["data"].(map[string]interface{})["_entities"].([]interface{})
	if entities[0] != nil {
		t.Errorf("failed representation must be null, got %v", entities[0])
	}
	if entities[1] == nil {
		t.Error("sibling group must still resolve")
	}

	errs := resp["errors"].([]interface{})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error entry, got %d", len(errs))
	}
	path := errs[0].(map[string]interface{})["path"].([]interface{})
	if path[0] != "_entities" || path[1] != float64(0) {
		t.Errorf("error path must point at the failed slot, got %v", path)
	}
}

func TestHandler_EntitiesMissingTypename(t *testing.T) {
	h, _ := newTestHandler(t, &stubDB{}, &stubHTTP{}, nil, nil)

	_, resp := postGraphQL(t, h, map[string]interface{}{
		"query": "query { _entities(representations: $representations) { __typename } }",
		"variables": map[string]interface{}{
			"representations": []interface{}{
				map[string]interface{}{"id": "1"},
			},
		},
	})

	if _, hasData := resp["data"]; hasData {
		t.Error("malformed representation must not produce data")
	}
	if resp["errors"] == nil {
		t.Fatal("expected an errors payload")
	}
}

func TestHandler_ExtendedMutationRouted(t *testing.T) {
	mutations := &stubMutations{payload: map[string]interface{}{"__typename": "Order", "id": "9"}}
	invalidator := &stubInvalidator{}
	h, _ := newTestHandler(t, &stubDB{}, &stubHTTP{}, mutations, invalidator)

	_, resp := postGraphQL(t, h, map[string]interface{}{
		"query":     "mutation { updateOrder(id: \"9\") { id } }",
		"variables": map[string]interface{}{"id": "9"},
	})

	if mutations.subgraph != "orders" || mutations.name != "updateOrder" {
		t.Errorf("mutation not routed: subgraph=%q name=%q", mutations.subgraph, mutations.name)
	}
	payload := resp["data"].(map[string]interface{})["updateOrder"].(map[string]interface{})
	if payload["id"] != "9" {
		t.Errorf("unexpected payload %v", payload)
	}
	if invalidator.typename != "Order" || invalidator.key["id"] != "9" {
		t.Errorf("cache invalidation missing: %+v", invalidator)
	}
	if invalidator.typeWide {
		t.Error("key was present, type-wide invalidation must not run")
	}
}

func TestHandler_LocalMutationNotRouted(t *testing.T) {
	mutations := &stubMutations{}
	h, _ := newTestHandler(t, &stubDB{}, &stubHTTP{}, mutations, nil)

	_, resp := postGraphQL(t, h, map[string]interface{}{
		"query": "mutation { createUser(name: \"alice\") { id } }",
	})

	if mutations.name != "" {
		t.Errorf("local mutation must not reach the subgraph client, got %q", mutations.name)
	}
	errs := resp["errors"].([]interface{})
	ext := errs[0].(map[string]interface{})["extensions"].(map[string]interface{})
	if ext["code"] != "LOCAL_MUTATION" {
		t.Errorf("expected LOCAL_MUTATION code, got %v", ext["code"])
	}
}

func TestHandler_SubgraphErrorsPassThrough(t *testing.T) {
	mutations := &stubMutations{err: &federation.SubgraphError{
		Subgraph: "orders",
		Errors:   []interface{}{map[string]interface{}{"message": "denied"}},
	}}
	h, _ := newTestHandler(t, &stubDB{}, &stubHTTP{}, mutations, nil)

	_, resp := postGraphQL(t, h, map[string]interface{}{
		"query": "mutation { updateOrder(id: \"9\") { id } }",
	})

	errs := resp["errors"].([]interface{})
	if errs[0].(map[string]interface{})["message"] != "denied" {
		t.Errorf("remote errors payload must pass through verbatim, got %v", errs)
	}
}

func TestHandler_ServiceSchema(t *testing.T) {
	h, _ := newTestHandler(t, &stubDB{}, &stubHTTP{}, nil, nil)

	_, resp := postGraphQL(t, h, map[string]interface{}{
		"query": "query { _service { sdl } }",
	})

	sdl := resp["data"].(map[string]interface{})["_service"].(map[string]interface{})["sdl"].(string)
	if !strings.Contains(sdl, "@key") {
		t.Errorf("unexpected sdl %q", sdl)
	}
}

func TestHandler_ReloadActivatesMetadata(t *testing.T) {
	h, holder := newTestHandler(t, &stubDB{}, &stubHTTP{}, nil, nil)

	md := handlerMetadata()
	md.Version = "v2"
	payload, _ := json.Marshal(md)

	req := httptest.NewRequest(http.MethodPost, "/schema/reload", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if holder.Current().Metadata.Version != "v2" {
		t.Errorf("snapshot not swapped, version %q", holder.Current().Metadata.Version)
	}
}

func TestHandler_ReloadRejectsBrokenMetadata(t *testing.T) {
	h, holder := newTestHandler(t, &stubDB{}, &stubHTTP{}, nil, nil)

	md := handlerMetadata()
	md.Version = "v2"
	md.Types[0].Keys = nil // no @key, must be rejected
	payload, _ := json.Marshal(md)

	req := httptest.NewRequest(http.MethodPost, "/schema/reload", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if holder.Current().Metadata.Version != "v1" {
		t.Errorf("rejected candidate must keep the old snapshot, version %q", holder.Current().Metadata.Version)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, &stubDB{}, &stubHTTP{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/graphql", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHandler_Healthz(t *testing.T) {
	h, _ := newTestHandler(t, &stubDB{}, &stubHTTP{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
