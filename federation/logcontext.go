package federation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// OperationType names the engine operation a LogContext instruments.
type OperationType string

const (
	OpEntityResolution OperationType = "entity-resolution"
	OpServiceSchema    OperationType = "service-schema"
	OpResolveDB        OperationType = "resolve-db"
	OpResolveHTTP      OperationType = "resolve-http"
	OpMutationExecute  OperationType = "mutation-execute"
)

// Status is the lifecycle state of a LogContext.
type Status string

const (
	StatusStarted Status = "started"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// LogContext is an append-only record of one resolution or mutation-dispatch
// attempt. It is a pure data object: export to a telemetry sink is the
// caller's concern. Exactly one terminal transition (Complete, Fail, or
// Timeout) is expected per instance; calling more than one is a caller bug
// but never panics, the last write wins.
type LogContext struct {
	OperationType     OperationType `json:"operation_type"`
	QueryID           string        `json:"query_id"`
	EntityCount       int           `json:"entity_count"`
	EntityCountUnique int           `json:"entity_count_unique,omitempty"`
	Strategy          Strategy      `json:"strategy,omitempty"`
	Typename          string        `json:"typename,omitempty"`
	SubgraphName      string        `json:"subgraph_name,omitempty"`
	DurationMS        float64       `json:"duration_ms"`
	Status            Status        `json:"status"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	HTTPStatus        int           `json:"http_status,omitempty"`
	ResolvedCount     int           `json:"resolved_count,omitempty"`
	TraceID           string        `json:"trace_id,omitempty"`
	RequestID         string        `json:"request_id,omitempty"`

	started time.Time
}

// NewLogContext opens a context for one operation with a fresh query id and
// status started.
func NewLogContext(op OperationType) *LogContext {
	return &LogContext{
		OperationType: op,
		QueryID:       uuid.NewString(),
		Status:        StatusStarted,
		started:       time.Now(),
	}
}

// RecordTrace copies the active span's trace id out of ctx, if any.
func (c *LogContext) RecordTrace(ctx context.Context) *LogContext {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		c.TraceID = sc.TraceID().String()
	}
	return c
}

// WithCounts records the total and deduplicated entity counts of a batch.
func (c *LogContext) WithCounts(total, unique int) *LogContext {
	c.EntityCount = total
	c.EntityCountUnique = unique
	return c
}

// WithStrategy records the resolution strategy and typename of a group.
func (c *LogContext) WithStrategy(strategy Strategy, typename string) *LogContext {
	c.Strategy = strategy
	c.Typename = typename
	return c
}

// WithSubgraph records the subgraph a group was routed to.
func (c *LogContext) WithSubgraph(name string) *LogContext {
	c.SubgraphName = name
	return c
}

// WithRequestID attaches the inbound request id for correlation.
func (c *LogContext) WithRequestID(id string) *LogContext {
	c.RequestID = id
	return c
}

// WithHTTPStatus records the subgraph's HTTP status code.
func (c *LogContext) WithHTTPStatus(code int) *LogContext {
	c.HTTPStatus = code
	return c
}

// Complete finalizes the context as successful.
func (c *LogContext) Complete(resolvedCount int) {
	c.finish(StatusSuccess)
	c.ResolvedCount = resolvedCount
}

// Fail finalizes the context with an error.
func (c *LogContext) Fail(err error) {
	c.finish(StatusError)
	if err != nil {
		c.ErrorMessage = err.Error()
	}
}

// Timeout finalizes the context after a deadline expiry.
func (c *LogContext) Timeout(err error) {
	c.finish(StatusTimeout)
	if err != nil {
		c.ErrorMessage = err.Error()
	}
}

func (c *LogContext) finish(status Status) {
	c.Status = status
	c.DurationMS = float64(time.Since(c.started)) / float64(time.Millisecond)
}
