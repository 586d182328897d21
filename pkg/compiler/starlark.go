// Package compiler turns located source into executables.
//
// Two languages are supported. Starlark modules define main(payload) and
// may declare their types and collaborators as globals:
//
//	INPUT = "string"
//	OUTPUT = "string"
//	REQUIRES = ["upper"]
//
//	def main(text):
//	    return deps.upper(text) + "!"
//
// WebAssembly modules export memory, malloc, free and handle, and declare
// their types in a "webscript.signature" custom section ("string->string").
package compiler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/openfroyo/webscript/pkg/engine"
	"github.com/openfroyo/webscript/pkg/sandbox"
)

// Globals read from a compiled Starlark module.
const (
	globalMain     = "main"
	globalInput    = "INPUT"
	globalOutput   = "OUTPUT"
	globalRequires = "REQUIRES"
	predeclaredDep = "deps"
)

// StarlarkConfig configures a StarlarkCompiler.
type StarlarkConfig struct {
	// Timeout bounds one invocation of a compiled executable. Defaults to 30s.
	Timeout time.Duration

	// MaxSteps bounds the Starlark steps of module initialisation and of each
	// invocation. Zero means unlimited.
	MaxSteps uint64

	Logger zerolog.Logger
}

// StarlarkCompiler compiles Starlark modules.
type StarlarkCompiler struct {
	cfg    StarlarkConfig
	logger zerolog.Logger
}

var _ engine.Compiler = (*StarlarkCompiler)(nil)

// NewStarlarkCompiler creates a Starlark compiler.
func NewStarlarkCompiler(cfg StarlarkConfig) *StarlarkCompiler {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &StarlarkCompiler{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "compiler").Str("language", engine.LanguageStarlark).Logger(),
	}
}

// Compile parses and initialises src. Syntax errors are reported as
// *engine.CompilationError. A module that fails to initialise, has no
// callable main, or declares malformed INPUT, OUTPUT or REQUIRES globals is
// reported as *engine.InstantiationError.
func (c *StarlarkCompiler) Compile(ctx context.Context, identifier string, src engine.Source) (engine.Executable, error) {
	deps := newDepsValue()
	predeclared := sandbox.Predeclared()
	predeclared[predeclaredDep] = deps

	_, prog, err := starlark.SourceProgram(src.Origin, src.Body, predeclared.Has)
	if err != nil {
		return nil, &engine.CompilationError{Identifier: identifier, Origin: src.Origin, Err: err}
	}

	instErr := func(err error) error {
		return &engine.InstantiationError{Identifier: identifier, Origin: src.Origin, Err: err}
	}

	thread := sandbox.NewThread(ctx, src.Origin, c.logger)
	if c.cfg.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(c.cfg.MaxSteps)
	}

	var globals starlark.StringDict
	err = sandbox.Run(ctx, thread, func() error {
		var err error
		globals, err = prog.Init(thread, predeclared)
		return err
	})
	if err != nil {
		if timeout, ok := err.(*engine.TimeoutError); ok {
			timeout.Identifier = identifier
			timeout.Operation = "initialise"
			return nil, timeout
		}
		return nil, instErr(err)
	}
	globals.Freeze()

	main, ok := globals[globalMain].(starlark.Callable)
	if !ok {
		return nil, instErr(fmt.Errorf("module does not define a callable %s", globalMain))
	}

	in, err := typeGlobal(globals, globalInput)
	if err != nil {
		return nil, instErr(err)
	}
	out, err := typeGlobal(globals, globalOutput)
	if err != nil {
		return nil, instErr(err)
	}
	requires, err := requiresGlobal(globals)
	if err != nil {
		return nil, instErr(err)
	}

	c.logger.Debug().
		Str("identifier", identifier).
		Str("origin", src.Origin).
		Str("input", in.String()).
		Str("output", out.String()).
		Strs("requires", requires).
		Msg("compiled starlark module")

	return &starlarkExecutable{
		identifier: identifier,
		main:       main,
		in:         in,
		out:        out,
		requires:   requires,
		deps:       deps,
		timeout:    c.cfg.Timeout,
		maxSteps:   c.cfg.MaxSteps,
		logger:     c.logger,
	}, nil
}

func typeGlobal(globals starlark.StringDict, name string) (engine.TypeDescriptor, error) {
	v, ok := globals[name]
	if !ok || v == starlark.None {
		return engine.Any, nil
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return engine.TypeDescriptor{}, fmt.Errorf("%s must be a string, got %s", name, v.Type())
	}
	t, err := engine.ParseType(s)
	if err != nil {
		return engine.TypeDescriptor{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

func requiresGlobal(globals starlark.StringDict) ([]string, error) {
	v, ok := globals[globalRequires]
	if !ok || v == starlark.None {
		return nil, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of strings, got %s", globalRequires, v.Type())
	}

	var names []string
	iter := iterable.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		s, ok := starlark.AsString(item)
		if !ok || s == "" {
			return nil, fmt.Errorf("%s entries must be non-empty strings, got %s", globalRequires, item.String())
		}
		names = append(names, s)
	}
	sort.Strings(names)
	return names, nil
}

// starlarkExecutable is a compiled, frozen Starlark module.
type starlarkExecutable struct {
	identifier string
	main       starlark.Callable
	in, out    engine.TypeDescriptor
	requires   []string
	deps       *depsValue
	timeout    time.Duration
	maxSteps   uint64
	logger     zerolog.Logger
}

var (
	_ engine.Executable = (*starlarkExecutable)(nil)
	_ engine.Wirable    = (*starlarkExecutable)(nil)
)

func (e *starlarkExecutable) InputType() engine.TypeDescriptor  { return e.in }
func (e *starlarkExecutable) OutputType() engine.TypeDescriptor { return e.out }

func (e *starlarkExecutable) Requires() []string {
	return append([]string(nil), e.requires...)
}

func (e *starlarkExecutable) Wire(collaborators map[string]any) error {
	values := make(map[string]starlark.Value, len(collaborators))
	for name, c := range collaborators {
		v, err := collaboratorValue(name, c)
		if err != nil {
			return err
		}
		values[name] = v
	}
	e.deps.set(values)
	return nil
}

// Invoke calls main(payload) on a fresh thread.
func (e *starlarkExecutable) Invoke(ctx context.Context, payload any) (any, error) {
	arg, err := sandbox.ToValue(payload)
	if err != nil {
		return nil, &engine.ExecutionError{Identifier: e.identifier, Err: fmt.Errorf("convert payload: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	thread := sandbox.NewThread(ctx, e.identifier, e.logger)
	if e.maxSteps > 0 {
		thread.SetMaxExecutionSteps(e.maxSteps)
	}

	var result starlark.Value
	err = sandbox.Run(ctx, thread, func() error {
		var err error
		result, err = starlark.Call(thread, e.main, starlark.Tuple{arg}, nil)
		return err
	})
	if err != nil {
		if timeout, ok := err.(*engine.TimeoutError); ok {
			timeout.After = e.timeout
			return nil, timeout
		}
		return nil, &engine.ExecutionError{Identifier: e.identifier, Err: err}
	}

	out, err := sandbox.FromValue(result)
	if err != nil {
		return nil, &engine.ExecutionError{Identifier: e.identifier, Err: fmt.Errorf("convert result: %w", err)}
	}
	return out, nil
}

// collaboratorValue exposes a collaborator to Starlark. Executables become
// callables; other values are converted as data.
func collaboratorValue(name string, c any) (starlark.Value, error) {
	if exe, ok := c.(engine.Executable); ok {
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var arg starlark.Value = starlark.None
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &arg); err != nil {
				return nil, err
			}
			payload, err := sandbox.FromValue(arg)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			result, err := exe.Invoke(sandbox.ThreadContext(thread), payload)
			if err != nil {
				return nil, err
			}
			return sandbox.ToValue(result)
		}), nil
	}
	v, err := sandbox.ToValue(c)
	if err != nil {
		return nil, fmt.Errorf("collaborator %s: %w", name, err)
	}
	return v, nil
}

// depsValue is the predeclared "deps" namespace. It is filled after
// compilation by Wire and read by running invocations.
type depsValue struct {
	mu     sync.RWMutex
	values map[string]starlark.Value
}

var (
	_ starlark.HasAttrs = (*depsValue)(nil)
	_ starlark.Mapping  = (*depsValue)(nil)
)

func newDepsValue() *depsValue {
	return &depsValue{values: map[string]starlark.Value{}}
}

func (d *depsValue) set(values map[string]starlark.Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range values {
		d.values[k] = v
	}
}

func (d *depsValue) String() string        { return "<deps>" }
func (d *depsValue) Type() string          { return "deps" }
func (d *depsValue) Freeze()               {}
func (d *depsValue) Truth() starlark.Bool  { return starlark.True }
func (d *depsValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: deps") }

func (d *depsValue) Attr(name string) (starlark.Value, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if v, ok := d.values[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("collaborator %q is not wired", name)
}

func (d *depsValue) AttrNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.values))
	for k := range d.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Get makes collaborators whose names are not identifiers reachable as
// deps["script:name"].
func (d *depsValue) Get(k starlark.Value) (starlark.Value, bool, error) {
	name, ok := starlark.AsString(k)
	if !ok {
		return nil, false, fmt.Errorf("deps key must be a string, got %s", k.Type())
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, found := d.values[name]
	return v, found, nil
}
