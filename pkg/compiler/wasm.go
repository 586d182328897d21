package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/openfroyo/webscript/pkg/engine"
)

// SignatureSection is the custom section holding a module's "in->out" types.
const SignatureSection = "webscript.signature"

// Exports required of every WebAssembly module.
const (
	exportMemory = "memory"
	exportMalloc = "malloc"
	exportFree   = "free"
	exportHandle = "handle"
)

// WASMConfig contains configuration for the WASM compiler.
type WASMConfig struct {
	// Timeout bounds one invocation. Defaults to 30s.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory limit in pages (64KB each).
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32

	Logger zerolog.Logger
}

// WASMCompiler compiles WebAssembly modules with wazero. Modules get no host
// imports, so they have no file-system, network or clock access.
type WASMCompiler struct {
	runtime wazero.Runtime
	timeout time.Duration
	logger  zerolog.Logger
}

var _ engine.Compiler = (*WASMCompiler)(nil)

// NewWASMCompiler creates a WASM compiler with its own runtime. Close
// releases it.
func NewWASMCompiler(ctx context.Context, cfg WASMConfig) *WASMCompiler {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true).
		WithCustomSections(true)

	return &WASMCompiler{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeConfig),
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With().Str("component", "compiler").Str("language", engine.LanguageWASM).Logger(),
	}
}

// Compile validates and compiles src. Invalid binaries are reported as
// *engine.CompilationError; modules with imports, missing exports or a
// missing or malformed signature section as *engine.InstantiationError.
func (c *WASMCompiler) Compile(ctx context.Context, identifier string, src engine.Source) (engine.Executable, error) {
	compiled, err := c.runtime.CompileModule(ctx, src.Body)
	if err != nil {
		return nil, &engine.CompilationError{Identifier: identifier, Origin: src.Origin, Err: err}
	}

	in, out, err := checkModule(compiled)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, &engine.InstantiationError{Identifier: identifier, Origin: src.Origin, Err: err}
	}

	c.logger.Debug().
		Str("identifier", identifier).
		Str("origin", src.Origin).
		Str("input", in.String()).
		Str("output", out.String()).
		Msg("compiled wasm module")

	return &wasmExecutable{
		identifier: identifier,
		runtime:    c.runtime,
		compiled:   compiled,
		in:         in,
		out:        out,
		timeout:    c.timeout,
	}, nil
}

// Close releases the runtime and every module compiled by it.
func (c *WASMCompiler) Close(ctx context.Context) error {
	if err := c.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}

func checkModule(compiled wazero.CompiledModule) (engine.TypeDescriptor, engine.TypeDescriptor, error) {
	var none engine.TypeDescriptor

	if imports := compiled.ImportedFunctions(); len(imports) > 0 {
		module, name, _ := imports[0].Import()
		return none, none, fmt.Errorf("module imports %s.%s; host imports are not provided", module, name)
	}
	if _, ok := compiled.ExportedMemories()[exportMemory]; !ok {
		return none, none, fmt.Errorf("module does not export %s", exportMemory)
	}
	functions := compiled.ExportedFunctions()
	for _, name := range []string{exportMalloc, exportFree, exportHandle} {
		if _, ok := functions[name]; !ok {
			return none, none, fmt.Errorf("module does not export %s function", name)
		}
	}

	for _, section := range compiled.CustomSections() {
		if section.Name() == SignatureSection {
			return parseSignatureSection(string(section.Data()))
		}
	}
	return none, none, fmt.Errorf("module has no %s custom section", SignatureSection)
}

// parseSignatureSection parses "in->out".
func parseSignatureSection(s string) (engine.TypeDescriptor, engine.TypeDescriptor, error) {
	var none engine.TypeDescriptor
	inName, outName, ok := strings.Cut(s, "->")
	if !ok {
		return none, none, fmt.Errorf("malformed %s section %q, want \"in->out\"", SignatureSection, s)
	}
	in, err := engine.ParseType(inName)
	if err != nil {
		return none, none, fmt.Errorf("%s input: %w", SignatureSection, err)
	}
	out, err := engine.ParseType(outName)
	if err != nil {
		return none, none, fmt.Errorf("%s output: %w", SignatureSection, err)
	}
	return in, out, nil
}

// wasmExecutable instantiates its module for every invocation so calls
// share no memory.
type wasmExecutable struct {
	identifier string
	runtime    wazero.Runtime
	compiled   wazero.CompiledModule
	in, out    engine.TypeDescriptor
	timeout    time.Duration
}

var _ engine.Executable = (*wasmExecutable)(nil)

func (e *wasmExecutable) InputType() engine.TypeDescriptor  { return e.in }
func (e *wasmExecutable) OutputType() engine.TypeDescriptor { return e.out }

// Invoke passes payload to handle as JSON and decodes its JSON result.
func (e *wasmExecutable) Invoke(ctx context.Context, payload any) (any, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, &engine.ExecutionError{Identifier: e.identifier, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	output, err := e.call(ctx, input)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &engine.TimeoutError{Identifier: e.identifier, Operation: "invoke", After: e.timeout}
		}
		return nil, &engine.ExecutionError{Identifier: e.identifier, Err: err}
	}
	if len(output) == 0 {
		return nil, nil
	}

	var result any
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, &engine.ExecutionError{Identifier: e.identifier, Err: fmt.Errorf("unmarshal result: %w", err)}
	}
	return result, nil
}

func (e *wasmExecutable) call(ctx context.Context, input []byte) ([]byte, error) {
	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	defer mod.Close(ctx)

	b := &bridge{
		memory: mod.Memory(),
		malloc: mod.ExportedFunction(exportMalloc),
		free:   mod.ExportedFunction(exportFree),
	}
	return b.call(ctx, mod.ExportedFunction(exportHandle), input)
}

// bridge moves bytes across the module boundary. Functions take
// (ptr, len) and return (ptr << 32) | len.
type bridge struct {
	memory api.Memory
	malloc api.Function
	free   api.Function
}

func (b *bridge) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer func() { _ = b.deallocate(ctx, ptr) }()

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return nil, nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// view aliases module memory, which is released with the module
	output := append([]byte(nil), view...)
	_ = b.deallocate(ctx, outputPtr)
	return output, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
