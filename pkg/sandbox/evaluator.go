// Package sandbox evaluates untrusted Starlark scripts.
//
// Scripts run without file-system or network access. The only ambient
// authority they receive is the invoke capability, which starts another
// script and returns a future:
//
//	f = invoke("echo", payload)
//	g = invoke("script:upper", {"text": "hi"})
//	result = all_of(f, g).result()
//
// A script produces its result either by defining main(payload) or by
// assigning the global "result".
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/rs/zerolog"

	"github.com/openfroyo/webscript/pkg/engine"
)

// Thread-local keys.
const (
	contextKey = "webscript.context"
	invokerKey = "webscript.invoker"
)

// Config configures an Evaluator.
type Config struct {
	// Timeout bounds a single evaluation. Defaults to 30s.
	Timeout time.Duration

	// MaxSteps bounds the number of Starlark computation steps. Zero means
	// unlimited.
	MaxSteps uint64

	Logger zerolog.Logger
}

// Evaluator executes Starlark scripts safely.
type Evaluator struct {
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

var _ engine.Evaluator = (*Evaluator)(nil)

// NewEvaluator creates a new Starlark evaluator.
func NewEvaluator(cfg Config) *Evaluator {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Evaluator{
		timeout:  cfg.Timeout,
		maxSteps: cfg.MaxSteps,
		logger:   cfg.Logger.With().Str("component", "sandbox").Logger(),
	}
}

// Evaluate runs source with payload bound to the global "payload" and the
// invoke capability bound to invoke(). Syntax errors are reported as
// *engine.CompilationError and runtime failures as *engine.ExecutionError.
func (e *Evaluator) Evaluate(ctx context.Context, name string, source []byte, payload any, invoker engine.Invoker) (any, error) {
	payloadValue, err := ToValue(payload)
	if err != nil {
		return nil, &engine.ExecutionError{Identifier: name, Err: fmt.Errorf("convert payload: %w", err)}
	}

	predeclared := Predeclared()
	predeclared["payload"] = payloadValue
	for k, v := range capabilityBuiltins(invoker) {
		predeclared[k] = v
	}

	_, prog, err := starlark.SourceProgram(name, source, predeclared.Has)
	if err != nil {
		return nil, &engine.CompilationError{Identifier: name, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	thread := e.newThread(ctx, name, invoker)

	var result starlark.Value
	err = Run(ctx, thread, func() error {
		globals, err := prog.Init(thread, predeclared)
		if err != nil {
			return err
		}
		if main, ok := globals["main"].(starlark.Callable); ok {
			result, err = starlark.Call(thread, main, starlark.Tuple{payloadValue}, nil)
			return err
		}
		result = globals["result"]
		return nil
	})
	if err != nil {
		return nil, e.classify(name, err)
	}
	if result == nil {
		return nil, nil
	}

	out, err := FromValue(result)
	if err != nil {
		return nil, &engine.ExecutionError{Identifier: name, Err: fmt.Errorf("convert result: %w", err)}
	}
	return out, nil
}

func (e *Evaluator) newThread(ctx context.Context, name string, invoker engine.Invoker) *starlark.Thread {
	thread := NewThread(ctx, name, e.logger)
	if e.maxSteps > 0 {
		thread.SetMaxExecutionSteps(e.maxSteps)
	}
	if invoker != nil {
		thread.SetLocal(invokerKey, invoker)
	}
	return thread
}

func (e *Evaluator) classify(name string, err error) error {
	if timeout, ok := err.(*engine.TimeoutError); ok {
		timeout.Identifier = name
		timeout.After = e.timeout
		return timeout
	}
	return &engine.ExecutionError{Identifier: name, Err: err}
}

// NewThread creates a Starlark thread bound to ctx whose print output goes
// to logger.
func NewThread(ctx context.Context, name string, logger zerolog.Logger) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Debug().Str("script", name).Msg(msg)
		},
	}
	thread.SetLocal(contextKey, ctx)
	return thread
}

// Run executes fn, which drives thread, and cancels the thread when ctx
// ends. A deadline is reported as *engine.TimeoutError.
func Run(ctx context.Context, thread *starlark.Thread, fn func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		thread.Cancel(ctx.Err().Error())
		<-errCh
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &engine.TimeoutError{Identifier: thread.Name, Operation: "evaluate"}
		}
		return ctx.Err()
	}
}

// Predeclared returns the builtins available to every script.
func Predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starlarkjson.Module,
		"math":   starlarkmath.Module,
	}
}

// ThreadContext returns the context bound to thread by NewThread.
func ThreadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// capabilityBuiltins returns invoke, wait, all_of and any_of.
func capabilityBuiltins(invoker engine.Invoker) starlark.StringDict {
	return starlark.StringDict{
		"invoke": starlark.NewBuiltin("invoke", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var identifier string
			var payload starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "identifier", &identifier, "payload?", &payload); err != nil {
				return nil, err
			}
			if invoker == nil {
				return nil, fmt.Errorf("invoke: no invoke capability granted")
			}
			goPayload, err := FromValue(payload)
			if err != nil {
				return nil, fmt.Errorf("invoke: %w", err)
			}
			return &futureValue{f: invoker.Invoke(ThreadContext(thread), identifier, goPayload)}, nil
		}),
		"wait": starlark.NewBuiltin("wait", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var fv starlark.Value
			var timeout float64
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "future", &fv, "timeout?", &timeout); err != nil {
				return nil, err
			}
			f, err := toFuture(fv)
			if err != nil {
				return nil, fmt.Errorf("wait: %w", err)
			}
			return await(thread, f, timeout)
		}),
		"all_of": starlark.NewBuiltin("all_of", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			futures, err := toFutures(b.Name(), args)
			if err != nil {
				return nil, err
			}
			return &futureValue{f: engine.AllOf(futures...)}, nil
		}),
		"any_of": starlark.NewBuiltin("any_of", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			futures, err := toFutures(b.Name(), args)
			if err != nil {
				return nil, err
			}
			return &futureValue{f: engine.AnyOf(futures...)}, nil
		}),
	}
}
