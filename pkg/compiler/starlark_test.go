package compiler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/webscript/pkg/engine"
)

func compileStarlark(t *testing.T, c *StarlarkCompiler, body string) (engine.Executable, error) {
	t.Helper()
	return c.Compile(context.Background(), "test", engine.Source{
		Origin:   "test.star",
		Language: engine.LanguageStarlark,
		Body:     []byte(body),
	})
}

func TestStarlarkCompiler_Compile(t *testing.T) {
	c := NewStarlarkCompiler(StarlarkConfig{})

	exe, err := compileStarlark(t, c, `
INPUT = "string"
OUTPUT = "string"

def main(s):
    return s + "!"
`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if exe.InputType() != engine.String || exe.OutputType() != engine.String {
		t.Errorf("unexpected types %s -> %s", exe.InputType(), exe.OutputType())
	}

	got, err := exe.Invoke(context.Background(), "echo")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "echo!" {
		t.Errorf("got %v, want echo!", got)
	}
}

func TestStarlarkCompiler_DefaultTypesAreAny(t *testing.T) {
	exe, err := compileStarlark(t, NewStarlarkCompiler(StarlarkConfig{}), "def main(x):\n    return x\n")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if exe.InputType() != engine.Any || exe.OutputType() != engine.Any {
		t.Errorf("unexpected types %s -> %s", exe.InputType(), exe.OutputType())
	}

	got, err := exe.Invoke(context.Background(), map[string]any{"xs": []any{"a"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"xs": []any{"a"}}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestStarlarkCompiler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		target any
	}{
		{"syntax error", "def main(:\n", new(*engine.CompilationError)},
		{"undefined name", "def main(x):\n    return nope\n", new(*engine.CompilationError)},
		{"no main", "x = 1\n", new(*engine.InstantiationError)},
		{"main not callable", "main = 3\n", new(*engine.InstantiationError)},
		{"init fails", "x = 1 // 0\ndef main(p):\n    return p\n", new(*engine.InstantiationError)},
		{"bad input type", "INPUT = \"nosuch\"\ndef main(p):\n    return p\n", new(*engine.InstantiationError)},
		{"input not string", "INPUT = 3\ndef main(p):\n    return p\n", new(*engine.InstantiationError)},
		{"bad requires", "REQUIRES = [1]\ndef main(p):\n    return p\n", new(*engine.InstantiationError)},
	}

	c := NewStarlarkCompiler(StarlarkConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compileStarlark(t, c, tt.body)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.As(err, tt.target) {
				t.Fatalf("unexpected error type %T: %v", err, err)
			}
			if got := engine.IdentifierOf(err); got != "test" {
				t.Errorf("identifier = %q, want test", got)
			}
		})
	}
}

func TestStarlarkExecutable_Wire(t *testing.T) {
	exe, err := compileStarlark(t, NewStarlarkCompiler(StarlarkConfig{}), `
REQUIRES = ["upper", "suffix"]

def main(s):
    return deps.upper(s) + deps.suffix
`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	wirable, ok := exe.(engine.Wirable)
	if !ok {
		t.Fatal("starlark executable is not wirable")
	}
	if diff := cmp.Diff([]string{"suffix", "upper"}, wirable.Requires()); diff != "" {
		t.Errorf("requires mismatch (-want +got):\n%s", diff)
	}

	upper := engine.Func(engine.String, engine.String, func(_ context.Context, in any) (any, error) {
		return strings.ToUpper(in.(string)), nil
	})
	if err := wirable.Wire(map[string]any{"upper": upper, "suffix": "?"}); err != nil {
		t.Fatalf("Wire: %v", err)
	}

	got, err := exe.Invoke(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "HI?" {
		t.Errorf("got %v, want HI?", got)
	}
}

func TestStarlarkExecutable_WireByKey(t *testing.T) {
	exe, err := compileStarlark(t, NewStarlarkCompiler(StarlarkConfig{}), `
REQUIRES = ["script:greet"]

def main(name):
    return deps["script:greet"]({"name": name})
`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	greet := engine.Func(engine.Any, engine.Any, func(_ context.Context, in any) (any, error) {
		return "hello " + in.(map[string]any)["name"].(string), nil
	})
	if err := exe.(engine.Wirable).Wire(map[string]any{"script:greet": greet}); err != nil {
		t.Fatalf("Wire: %v", err)
	}

	got, err := exe.Invoke(context.Background(), "ann")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "hello ann" {
		t.Errorf("got %v, want hello ann", got)
	}
}

func TestStarlarkExecutable_UnwiredCollaborator(t *testing.T) {
	exe, err := compileStarlark(t, NewStarlarkCompiler(StarlarkConfig{}), "def main(s):\n    return deps.missing(s)\n")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	_, err = exe.Invoke(context.Background(), "x")
	var e *engine.ExecutionError
	if !errors.As(err, &e) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
}

func TestStarlarkExecutable_Timeout(t *testing.T) {
	c := NewStarlarkCompiler(StarlarkConfig{Timeout: 50 * time.Millisecond})
	exe, err := compileStarlark(t, c, `
def main(p):
    n = 0
    for i in range(100000000):
        n += i
    return n
`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	_, err = exe.Invoke(context.Background(), nil)
	var timeout *engine.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !engine.IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestStarlarkExecutable_ConcurrentInvoke(t *testing.T) {
	exe, err := compileStarlark(t, NewStarlarkCompiler(StarlarkConfig{}), "def main(n):\n    return n * 2\n")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			got, err := exe.Invoke(context.Background(), i)
			if err == nil && got != int64(i*2) {
				err = errors.New("wrong result")
			}
			errs <- err
		}(i)
	}
	for i := 0; i < 20; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}
