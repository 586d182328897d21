package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing and metrics.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// Shutdown flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// Operation is an in-flight instrumented operation: a span and a timer.
type Operation struct {
	Ctx   context.Context
	Span  trace.Span
	Timer *Timer

	name string
}

// StartOperation begins an instrumented operation.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	spanCtx, span := StartSpan(ctx, operation, attrs...)
	return &Operation{
		Ctx:   spanCtx,
		Span:  span,
		Timer: NewTimer(),
		name:  operation,
	}
}

// Log returns base tagged with the operation name and, when the span is
// recorded by a tracer, its trace and span ids.
func (op *Operation) Log(base zerolog.Logger) zerolog.Logger {
	lc := base.With().Str("operation", op.name)
	if sc := op.Span.SpanContext(); sc.IsValid() {
		lc = lc.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	}
	return lc.Logger()
}

// End finishes the operation, recording success or failure on the span.
func (op *Operation) End(err error) {
	if err != nil {
		RecordError(op.Span, err)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()
}
