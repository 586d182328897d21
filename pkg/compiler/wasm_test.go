package compiler

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/webscript/pkg/engine"
)

func wasmSection(id byte, content ...byte) []byte {
	return append([]byte{id, byte(len(content))}, content...)
}

func wasmName(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func wasmModule(sections ...[]byte) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

func signatureSection(sig string) []byte {
	return wasmSection(0x00, append(wasmName(SignatureSection), sig...)...)
}

// echoModule returns a module whose handle returns its input unchanged.
// malloc always returns offset 1024 and free does nothing.
func echoModule(sig string) []byte {
	var exports []byte
	exports = append(exports, 0x04)
	exports = append(exports, append(wasmName("memory"), 0x02, 0x00)...)
	exports = append(exports, append(wasmName("malloc"), 0x00, 0x00)...)
	exports = append(exports, append(wasmName("free"), 0x00, 0x01)...)
	exports = append(exports, append(wasmName("handle"), 0x00, 0x02)...)

	mallocBody := []byte{0x00, 0x41, 0x80, 0x08, 0x0b}
	freeBody := []byte{0x00, 0x0b}
	handleBody := []byte{
		0x00,
		0x20, 0x00, 0xad, // local.get 0; i64.extend_i32_u
		0x42, 0x20, 0x86, // i64.const 32; i64.shl
		0x20, 0x01, 0xad, // local.get 1; i64.extend_i32_u
		0x84, 0x0b, // i64.or; end
	}
	var code []byte
	code = append(code, 0x03)
	for _, body := range [][]byte{mallocBody, freeBody, handleBody} {
		code = append(code, byte(len(body)))
		code = append(code, body...)
	}

	return wasmModule(
		wasmSection(0x01,
			0x03,
			0x60, 0x01, 0x7f, 0x01, 0x7f, // (i32) -> i32
			0x60, 0x01, 0x7f, 0x00, // (i32) -> ()
			0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e, // (i32, i32) -> i64
		),
		wasmSection(0x03, 0x03, 0x00, 0x01, 0x02),
		wasmSection(0x05, 0x01, 0x00, 0x01),
		wasmSection(0x07, exports...),
		wasmSection(0x0a, code...),
		signatureSection(sig),
	)
}

func newWASMCompiler(t *testing.T) *WASMCompiler {
	t.Helper()
	c := NewWASMCompiler(context.Background(), WASMConfig{})
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func compileWASM(c *WASMCompiler, body []byte) (engine.Executable, error) {
	return c.Compile(context.Background(), "mod", engine.Source{Origin: "mod.wasm", Language: engine.LanguageWASM, Body: body})
}

func TestWASMCompiler_Echo(t *testing.T) {
	c := newWASMCompiler(t)

	exe, err := compileWASM(c, echoModule("any->any"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if exe.InputType() != engine.Any || exe.OutputType() != engine.Any {
		t.Errorf("unexpected types %s -> %s", exe.InputType(), exe.OutputType())
	}

	payload := map[string]any{"text": "hi", "n": float64(2)}
	got, err := exe.Invoke(context.Background(), payload)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestWASMCompiler_SignatureSection(t *testing.T) {
	exe, err := compileWASM(newWASMCompiler(t), echoModule("string->string"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if exe.InputType() != engine.String || exe.OutputType() != engine.String {
		t.Errorf("unexpected types %s -> %s", exe.InputType(), exe.OutputType())
	}
}

func TestWASMCompiler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   []byte
		target any
	}{
		{"not wasm", []byte("def main(p): return p"), new(*engine.CompilationError)},
		{"truncated", []byte{0x00, 0x61, 0x73, 0x6d, 0x01}, new(*engine.CompilationError)},
		{"empty module", wasmModule(), new(*engine.InstantiationError)},
		{"signature only", wasmModule(signatureSection("string->string")), new(*engine.InstantiationError)},
		{"malformed signature", echoModule("string"), new(*engine.InstantiationError)},
		{"unknown type", echoModule("string->nosuch"), new(*engine.InstantiationError)},
	}

	c := newWASMCompiler(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compileWASM(c, tt.body)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.As(err, tt.target) {
				t.Fatalf("unexpected error type %T: %v", err, err)
			}
		})
	}
}

func TestParseSignatureSection(t *testing.T) {
	in, out, err := parseSignatureSection(" int -> any/string ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if in != engine.Int || out != engine.String {
		t.Errorf("got %s -> %s", in, out)
	}
}

func TestMulti_Dispatch(t *testing.T) {
	star := NewStarlarkCompiler(StarlarkConfig{})
	wasm := newWASMCompiler(t)
	m := NewMulti(map[string]engine.Compiler{
		engine.LanguageStarlark: star,
		engine.LanguageWASM:     wasm,
	})

	exe, err := m.Compile(context.Background(), "a", engine.Source{Origin: "a", Body: echoModule("any->any")})
	if err != nil {
		t.Fatalf("wasm by magic: %v", err)
	}
	if _, ok := exe.(*wasmExecutable); !ok {
		t.Errorf("expected wasm executable, got %T", exe)
	}

	exe, err = m.Compile(context.Background(), "b", engine.Source{Origin: "b.star", Body: []byte("def main(p):\n    return p\n")})
	if err != nil {
		t.Fatalf("starlark by extension: %v", err)
	}
	if _, ok := exe.(*starlarkExecutable); !ok {
		t.Errorf("expected starlark executable, got %T", exe)
	}

	_, err = m.Compile(context.Background(), "c", engine.Source{Language: "lua", Body: []byte("x")})
	var ce *engine.CompilationError
	if !errors.As(err, &ce) {
		t.Errorf("expected CompilationError for unknown language, got %v", err)
	}
}
