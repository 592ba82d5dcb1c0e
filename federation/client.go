package federation

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

type requestHeaderKey struct{}

// SetRequestHeaderToContext stashes the inbound request headers so outbound
// subgraph calls can hang them over (correlation ids, auth tokens).
func SetRequestHeaderToContext(ctx context.Context, header http.Header) context.Context {
	return context.WithValue(ctx, requestHeaderKey{}, header)
}

func requestHeaderFromContext(ctx context.Context) http.Header {
	header, _ := ctx.Value(requestHeaderKey{}).(http.Header)
	return header
}

// VariableDefinition is one inferred variable declaration of a built operation.
type VariableDefinition struct {
	Name string
	Type string
}

// BuildVariableDefinitions infers a GraphQL input type for each top-level
// variable. This is best-effort typing for building a valid operation string,
// not a substitute for schema validation. Output is sorted by name.
func BuildVariableDefinitions(variables map[string]interface{}) []VariableDefinition {
	defs := make([]VariableDefinition, 0, len(variables))
	for name, value := range variables {
		defs = append(defs, VariableDefinition{Name: name, Type: inferGraphQLType(value)})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func inferGraphQLType(value interface{}) string {
	switch v := value.(type) {
	case string:
		return "String"
	case bool:
		return "Boolean"
	case int, int32, int64:
		return "Int"
	case float64:
		if v == float64(int64(v)) {
			return "Int"
		}
		return "Float"
	case float32:
		return "Float"
	default:
		return "JSON"
	}
}

// BuildMutationQuery constructs a mutation document for the owning subgraph.
// Variables named in the type's @external set are excluded entirely: the
// owner does not accept external-field writes. The returned variable map is
// the filtered set matching the document's declarations.
func BuildMutationQuery(mutationName string, variables map[string]interface{}, federatedType *FederatedType) (string, map[string]interface{}) {
	filtered := make(map[string]interface{}, len(variables))
	for name, value := range variables {
		if federatedType != nil && federatedType.ExternalFields[name] {
			continue
		}
		filtered[name] = value
	}

	defs := BuildVariableDefinitions(filtered)

	var sb strings.Builder
	sb.WriteString("mutation")
	if len(defs) > 0 {
		sb.WriteString(" (")
		for i, def := range defs {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("$")
			sb.WriteString(def.Name)
			sb.WriteString(": ")
			sb.WriteString(def.Type)
		}
		sb.WriteString(")")
	}
	sb.WriteString(" {\n\t")
	sb.WriteString(mutationName)
	if len(defs) > 0 {
		sb.WriteString("(")
		for i, def := range defs {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(def.Name)
			sb.WriteString(": $")
			sb.WriteString(def.Name)
		}
		sb.WriteString(")")
	}

	// Select __typename plus the key fields so the caller can correlate the
	// mutated entity.
	sb.WriteString(" {\n\t\t__typename")
	if federatedType != nil {
		if key, ok := federatedType.ResolvableKey(); ok {
			for _, f := range key.Fields {
				sb.WriteString("\n\t\t")
				sb.WriteString(f)
			}
		}
	}
	sb.WriteString("\n\t}\n}")

	return sb.String(), filtered
}

// GraphQLResponse is the wire shape of a subgraph reply.
type GraphQLResponse struct {
	Data   map[string]interface{} `json:"data"`
	Errors []interface{}          `json:"errors"`
}

// ParseResponse extracts the named field from a subgraph reply. A non-empty
// errors payload fails with the payload attached verbatim; a missing field is
// a deserialization error.
func ParseResponse(resp *GraphQLResponse, fieldName string) (interface{}, error) {
	if len(resp.Errors) > 0 {
		return nil, &SubgraphError{Errors: resp.Errors}
	}
	if resp.Data == nil {
		return nil, &DeserializationError{Field: fieldName}
	}
	value, ok := resp.Data[fieldName]
	if !ok {
		return nil, &DeserializationError{Field: fieldName}
	}
	return value, nil
}

// SubgraphClient sends mutations and _entities queries to remote subgraphs.
// One network round trip per call; distinct mutations are never coalesced.
type SubgraphClient struct {
	httpClient *http.Client
	endpoints  map[string]string // subgraph name -> GraphQL endpoint URL
	selections map[string][]string
	sink       Sink
}

// ClientOption customizes a SubgraphClient.
type ClientOption func(*SubgraphClient)

// WithTypeSelection adds extra fields to select when resolving the given type
// through _entities, on top of the representation's own fields.
func WithTypeSelection(typename string, fields []string) ClientOption {
	return func(c *SubgraphClient) {
		c.selections[typename] = append([]string(nil), fields...)
	}
}

// WithClientSink routes the client's log contexts to the given sink.
func WithClientSink(sink Sink) ClientOption {
	return func(c *SubgraphClient) { c.sink = sink }
}

// NewSubgraphClient builds a client over the given endpoints map.
func NewSubgraphClient(httpClient *http.Client, endpoints map[string]string, opts ...ClientOption) *SubgraphClient {
	c := &SubgraphClient{
		httpClient: httpClient,
		endpoints:  endpoints,
		selections: make(map[string][]string),
		sink:       nopSink{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteMutation builds and sends one mutation to the owning subgraph and
// returns the mutation field's payload.
func (c *SubgraphClient) ExecuteMutation(ctx context.Context, subgraph, mutationName string, variables map[string]interface{}, federatedType *FederatedType) (interface{}, error) {
	lc := NewLogContext(OpMutationExecute).RecordTrace(ctx).WithSubgraph(subgraph)
	if federatedType != nil {
		lc.Typename = federatedType.Name
	}

	query, filtered := BuildMutationQuery(mutationName, variables, federatedType)

	resp, status, err := c.send(ctx, subgraph, query, filtered)
	lc.WithHTTPStatus(status)
	if err != nil {
		c.finishWithError(ctx, lc, err)
		return nil, err
	}

	payload, err := ParseResponse(resp, mutationName)
	if err != nil {
		if subErr, ok := err.(*SubgraphError); ok {
			subErr.Subgraph = subgraph
		}
		c.finishWithError(ctx, lc, err)
		return nil, err
	}

	lc.Complete(1)
	c.sink.Emit(lc)
	return payload, nil
}

// ResolveHTTP implements HTTPExecutor: it forwards a deduplicated batch of
// representations as one _entities query and returns the entities in request
// order.
func (c *SubgraphClient) ResolveHTTP(ctx context.Context, subgraph, typename string, representations []map[string]interface{}) ([]map[string]interface{}, error) {
	query := c.buildEntitiesQuery(typename, representations)
	variables := map[string]interface{}{"representations": representations}

	resp, _, err := c.send(ctx, subgraph, query, variables)
	if err != nil {
		return nil, err
	}

	payload, err := ParseResponse(resp, "_entities")
	if err != nil {
		if subErr, ok := err.(*SubgraphError); ok {
			subErr.Subgraph = subgraph
		}
		return nil, err
	}

	items, ok := payload.([]interface{})
	if !ok {
		return nil, &DeserializationError{Field: "_entities"}
	}
	entities := make([]map[string]interface{}, len(items))
	for i, item := range items {
		entity, _ := item.(map[string]interface{})
		entities[i] = entity
	}
	return entities, nil
}

// buildEntitiesQuery selects the union of the representations' field names
// plus any configured extra fields for the type.
func (c *SubgraphClient) buildEntitiesQuery(typename string, representations []map[string]interface{}) string {
	seen := map[string]bool{"__typename": true}
	fields := []string{}
	for _, rep := range representations {
		for name := range rep {
			if !seen[name] {
				seen[name] = true
				fields = append(fields, name)
			}
		}
	}
	for _, name := range c.selections[typename] {
		if !seen[name] {
			seen[name] = true
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)

	var sb strings.Builder
	sb.WriteString("query ($representations: [_Any!]!) {\n\t_entities(representations: $representations) {\n\t\t__typename\n\t\t... on ")
	sb.WriteString(typename)
	sb.WriteString(" {")
	for _, f := range fields {
		sb.WriteString("\n\t\t\t")
		sb.WriteString(f)
	}
	sb.WriteString("\n\t\t}\n\t}\n}")
	return sb.String()
}

// send performs one GraphQL POST round trip.
func (c *SubgraphClient) send(ctx context.Context, subgraph, query string, variables map[string]interface{}) (*GraphQLResponse, int, error) {
	url, ok := c.endpoints[subgraph]
	if !ok {
		return nil, 0, fmt.Errorf("no endpoint configured for subgraph %q", subgraph)
	}

	body := map[string]interface{}{"query": query}
	if len(variables) > 0 {
		body["variables"] = variables
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request for subgraph %q: %w", subgraph, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request for subgraph %q: %w", subgraph, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, values := range requestHeaderFromContext(ctx) {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("unexpected status code %d from subgraph %q", resp.StatusCode, subgraph)
	}

	var gqlResp GraphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode response from subgraph %q: %w", subgraph, err)
	}
	return &gqlResp, resp.StatusCode, nil
}

func (c *SubgraphClient) finishWithError(ctx context.Context, lc *LogContext, err error) {
	if ctx.Err() == context.DeadlineExceeded {
		lc.Timeout(err)
	} else {
		lc.Fail(err)
	}
	c.sink.Emit(lc)
}
