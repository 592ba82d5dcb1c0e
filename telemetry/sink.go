// Package telemetry exports finalized federation log contexts as structured
// logs. The engine hands contexts over and moves on: emission never blocks
// the resolution hot path.
package telemetry

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/berrygraph/federation-engine/federation"
)

// ZapSink drains log contexts to a zap logger on a background goroutine.
// When the buffer is full the context is dropped and counted instead of
// stalling the resolver.
type ZapSink struct {
	logger  *zap.Logger
	ch      chan *federation.LogContext
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewZapSink starts a sink over the given logger. buffer <= 0 falls back to a
// default of 1024 pending contexts.
func NewZapSink(logger *zap.Logger, buffer int) *ZapSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &ZapSink{
		logger: logger,
		ch:     make(chan *federation.LogContext, buffer),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Emit enqueues a finalized context. Never blocks; drops when the buffer is
// full.
func (s *ZapSink) Emit(lc *federation.LogContext) {
	select {
	case s.ch <- lc:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many contexts were discarded because the buffer was full.
func (s *ZapSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the drain goroutine after flushing what is already queued.
func (s *ZapSink) Close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		<-s.done
	})
}

func (s *ZapSink) drain() {
	defer close(s.done)
	for lc := range s.ch {
		s.write(lc)
	}
}

func (s *ZapSink) write(lc *federation.LogContext) {
	fields := []zap.Field{
		zap.String("operation", string(lc.OperationType)),
		zap.String("query_id", lc.QueryID),
		zap.String("status", string(lc.Status)),
		zap.Float64("duration_ms", lc.DurationMS),
		zap.Int("entity_count", lc.EntityCount),
	}
	if lc.EntityCountUnique > 0 {
		fields = append(fields, zap.Int("entity_count_unique", lc.EntityCountUnique))
	}
	if lc.Strategy != "" {
		fields = append(fields, zap.String("strategy", string(lc.Strategy)))
	}
	if lc.Typename != "" {
		fields = append(fields, zap.String("typename", lc.Typename))
	}
	if lc.SubgraphName != "" {
		fields = append(fields, zap.String("subgraph", lc.SubgraphName))
	}
	if lc.HTTPStatus != 0 {
		fields = append(fields, zap.Int("http_status", lc.HTTPStatus))
	}
	if lc.ResolvedCount != 0 {
		fields = append(fields, zap.Int("resolved_count", lc.ResolvedCount))
	}
	if lc.TraceID != "" {
		fields = append(fields, zap.String("trace_id", lc.TraceID))
	}
	if lc.RequestID != "" {
		fields = append(fields, zap.String("request_id", lc.RequestID))
	}
	if lc.ErrorMessage != "" {
		fields = append(fields, zap.String("error", lc.ErrorMessage))
	}

	switch lc.Status {
	case federation.StatusError:
		s.logger.Error("federation operation failed", fields...)
	case federation.StatusTimeout:
		s.logger.Warn("federation operation timed out", fields...)
	default:
		s.logger.Info("federation operation", fields...)
	}
}
