package compiler

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/openfroyo/webscript/pkg/engine"
)

var wasmMagic = []byte("\x00asm")

// Multi dispatches to a compiler by source language.
type Multi struct {
	compilers map[string]engine.Compiler
}

var _ engine.Compiler = (*Multi)(nil)

// NewMulti creates a dispatching compiler from language -> compiler.
func NewMulti(compilers map[string]engine.Compiler) *Multi {
	m := &Multi{compilers: make(map[string]engine.Compiler, len(compilers))}
	for lang, c := range compilers {
		m.compilers[strings.ToLower(lang)] = c
	}
	return m
}

// Compile selects a compiler from src.Language. When the language is empty
// it is detected from the origin's extension or the WebAssembly magic
// number, falling back to Starlark.
func (m *Multi) Compile(ctx context.Context, identifier string, src engine.Source) (engine.Executable, error) {
	lang := strings.ToLower(src.Language)
	if lang == "" {
		lang = DetectLanguage(src)
	}
	c, ok := m.compilers[lang]
	if !ok {
		return nil, &engine.CompilationError{
			Identifier: identifier,
			Origin:     src.Origin,
			Err:        fmt.Errorf("no compiler for language %q", lang),
		}
	}
	return c.Compile(ctx, identifier, src)
}

// DetectLanguage guesses the language of src.
func DetectLanguage(src engine.Source) string {
	switch path.Ext(src.Origin) {
	case ".wasm":
		return engine.LanguageWASM
	case ".star", ".starlark", ".py":
		return engine.LanguageStarlark
	}
	if bytes.HasPrefix(src.Body, wasmMagic) {
		return engine.LanguageWASM
	}
	return engine.LanguageStarlark
}
