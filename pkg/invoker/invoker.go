// Package invoker runs scripts.
//
// Every invocation resolves its reference through a script.Pipeline and
// evaluates the content with an engine.Evaluator on a bounded pool. The
// running script receives an invoke capability scoped to that invocation;
// nested invocations return futures and never block the caller's slot
// while it waits on them.
package invoker

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/webscript/pkg/engine"
	"github.com/openfroyo/webscript/pkg/script"
	"github.com/openfroyo/webscript/pkg/telemetry"
)

// Top-level callers.
const (
	CallerRequest = "request"
	CallerTimer   = "timer"
)

// InvokeGate authorizes invocations. *policy.Engine implements it.
type InvokeGate interface {
	AllowInvoke(ctx context.Context, identifier, caller string, depth int) error
}

// Config configures an Invoker.
type Config struct {
	// MaxConcurrent bounds the number of scripts evaluating at once.
	// Defaults to 16.
	MaxConcurrent int

	// Gate, when set, is consulted before every invocation.
	Gate InvokeGate

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Invoker resolves and evaluates scripts.
type Invoker struct {
	pipeline  *script.Pipeline
	evaluator engine.Evaluator
	sem       *semaphore.Weighted
	gate      InvokeGate
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

var _ engine.Invoker = (*Invoker)(nil)

// New creates an invoker.
func New(pipeline *script.Pipeline, evaluator engine.Evaluator, cfg Config) *Invoker {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	return &Invoker{
		pipeline:  pipeline,
		evaluator: evaluator,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		gate:      cfg.Gate,
		logger:    cfg.Logger.With().Str("component", "invoker").Logger(),
		metrics:   cfg.Metrics,
	}
}

// Invoke starts the script named by reference with payload and returns a
// future for its result. The script stops when ctx ends.
func (i *Invoker) Invoke(ctx context.Context, reference string, payload any) *engine.Future {
	return i.start(ctx, reference, payload, CallerRequest, 0)
}

// Execute invokes reference and waits for the result.
func (i *Invoker) Execute(ctx context.Context, reference string, payload any) (any, error) {
	return i.Invoke(ctx, reference, payload).Await(ctx)
}

// Run evaluates source directly, without resolving a reference. name labels
// the script in errors and logs.
func (i *Invoker) Run(ctx context.Context, name string, source []byte, payload any, caller string) (any, error) {
	if err := i.allow(ctx, name, caller, 0); err != nil {
		return nil, err
	}
	return i.track(ctx, uuid.NewString(), name, func(ctx context.Context, id string) (any, error) {
		return i.evaluate(ctx, id, name, source, payload, 0)
	})
}

func (i *Invoker) start(ctx context.Context, reference string, payload any, caller string, depth int) *engine.Future {
	if err := i.allow(ctx, reference, caller, depth); err != nil {
		return engine.Failed(err)
	}

	id := uuid.NewString()
	f := engine.NewFuture()
	go func() {
		f.Complete(i.track(ctx, id, reference, func(ctx context.Context, id string) (any, error) {
			res, err := i.pipeline.ResolveLocation(ctx, reference)
			if err != nil {
				return nil, err
			}
			return i.evaluate(ctx, id, res.Name(), res.Content, payload, depth)
		}))
	}()
	return f
}

func (i *Invoker) allow(ctx context.Context, reference, caller string, depth int) error {
	if i.gate == nil {
		return nil
	}
	if err := i.gate.AllowInvoke(ctx, reference, caller, depth); err != nil {
		i.metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		return err
	}
	return nil
}

// track wraps one invocation in a span, metrics and logs.
func (i *Invoker) track(ctx context.Context, id, reference string, fn func(context.Context, string) (any, error)) (result any, err error) {
	op := telemetry.StartOperation(ctx, "invoker.invoke",
		telemetry.AttrIdentifier.String(reference),
		telemetry.AttrInvocationID.String(id),
	)
	i.metrics.RecordInvocationStarted()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			i.metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
			op.Span.SetAttributes(telemetry.AttrErrorCode.String(engine.CodeOf(err)))
		}
		i.metrics.RecordInvocationCompleted(status, op.Timer.Duration())
		op.End(err)

		logger := op.Log(i.logger)
		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("invocation_id", id).
			Str("reference", reference).
			Dur("duration", op.Timer.Duration()).
			Msg("invocation finished")
	}()

	return fn(op.Ctx, id)
}

// evaluate runs source on the pool with a capability scoped to this
// invocation.
func (i *Invoker) evaluate(ctx context.Context, id, name string, source []byte, payload any, depth int) (any, error) {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer i.sem.Release(1)

	c := &capability{invoker: i, caller: name, depth: depth}
	i.logger.Debug().
		Str("invocation_id", id).
		Str("script", name).
		Int("depth", depth).
		Msg("evaluating script")
	return i.evaluator.Evaluate(ctx, name, source, payload, c)
}

// capability is the invoke authority handed to one running script.
type capability struct {
	invoker *Invoker
	caller  string
	depth   int
}

// Invoke starts a nested invocation. Bare identifiers name bound scripts.
func (c *capability) Invoke(ctx context.Context, identifier string, payload any) *engine.Future {
	return c.invoker.start(ctx, Normalize(identifier), payload, c.caller, c.depth+1)
}

// Suspend gives the script's pool slot back while it waits on a future.
func (c *capability) Suspend() func() {
	c.invoker.sem.Release(1)
	return func() {
		// the slot must be held again before the script resumes
		_ = c.invoker.sem.Acquire(context.Background(), 1)
	}
}

// Normalize turns a bare identifier into a logical script reference.
// References that already carry a scheme, and paths, are returned as is.
func Normalize(identifier string) string {
	if strings.Contains(identifier, ":") || strings.HasPrefix(identifier, "/") || strings.HasPrefix(identifier, ".") {
		return identifier
	}
	return script.Reference(identifier)
}

// Executable exposes the script named by reference as an any -> any
// executable, so typed functions can depend on scripts.
func (i *Invoker) Executable(reference string) engine.Executable {
	return &scriptExecutable{invoker: i, reference: reference}
}

type scriptExecutable struct {
	invoker   *Invoker
	reference string
}

func (e *scriptExecutable) Invoke(ctx context.Context, payload any) (any, error) {
	return e.invoker.Execute(ctx, e.reference, payload)
}

func (e *scriptExecutable) InputType() engine.TypeDescriptor  { return engine.Any }
func (e *scriptExecutable) OutputType() engine.TypeDescriptor { return engine.Any }
