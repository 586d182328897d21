package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/webscript/pkg/compiler"
	"github.com/openfroyo/webscript/pkg/engine"
	"github.com/openfroyo/webscript/pkg/locator"
	"github.com/openfroyo/webscript/pkg/registry"
	"github.com/openfroyo/webscript/pkg/resolver"
)

func upper() engine.Executable {
	return engine.Func(engine.String, engine.String, func(_ context.Context, in any) (any, error) {
		return strings.ToUpper(in.(string)), nil
	})
}

func TestProvider_Get(t *testing.T) {
	reg := registry.New()
	_ = reg.Register("upper", upper())
	p := New(resolver.NewRegistryResolver(reg))

	callable, err := p.Get(context.Background(), "upper", engine.String, engine.String)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := callable.Call(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "ABC" {
		t.Errorf("got %v, want ABC", got)
	}
	if callable.Signature() != engine.NewSignature("upper", engine.String, engine.String) {
		t.Errorf("unexpected signature %s", callable.Signature())
	}
}

func TestProvider_Errors(t *testing.T) {
	reg := registry.New()
	_ = reg.Register("upper", upper())
	p := New(resolver.NewRegistryResolver(reg))

	tests := []struct {
		name     string
		id       string
		in, out  engine.TypeDescriptor
		wantSlot string
		notFound bool
	}{
		{name: "input mismatch", id: "upper", in: engine.Int, out: engine.String, wantSlot: engine.SlotInput},
		{name: "output mismatch", id: "upper", in: engine.String, out: engine.Any, wantSlot: engine.SlotOutput},
		{name: "unknown identifier", id: "lower", in: engine.String, out: engine.String, notFound: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Get(context.Background(), tt.id, tt.in, tt.out)
			if tt.notFound {
				if !engine.IsNotFound(err) {
					t.Fatalf("expected not found, got %v", err)
				}
				return
			}
			var tm *engine.TypeMismatchError
			if !errors.As(err, &tm) {
				t.Fatalf("expected TypeMismatchError, got %v", err)
			}
			if tm.Slot != tt.wantSlot || tm.Identifier != tt.id {
				t.Errorf("unexpected mismatch %+v", tm)
			}
		})
	}
}

func TestProvider_SubtypeAccepted(t *testing.T) {
	reg := registry.New()
	_ = reg.Register("num", engine.Func(engine.Number, engine.Number, func(_ context.Context, in any) (any, error) {
		return in, nil
	}))
	p := New(resolver.NewRegistryResolver(reg))

	if _, err := p.Get(context.Background(), "num", engine.Int, engine.Int); err != nil {
		t.Errorf("int should be accepted by number: %v", err)
	}
	if _, err := p.Get(context.Background(), "num", engine.String, engine.Number); err == nil {
		t.Error("string should not be accepted by number")
	}
}

func newCompilingProvider(t *testing.T, scripts map[string]string) (*Provider, *Collaborators) {
	t.Helper()
	loc := locator.NewMapLocator()
	for id, body := range scripts {
		loc.AddStarlark(id, body)
	}
	res := resolver.NewCachingResolver(
		resolver.NewCompilingResolver(loc, compiler.NewStarlarkCompiler(compiler.StarlarkConfig{}), resolver.CompilingConfig{}),
		resolver.CachingConfig{},
	)

	collab := NewCollaborators(map[string]any{"upper": upper()})
	p := New(res, WithInjector(collab))
	collab.SetFallback(p.Dependency)
	return p, collab
}

func TestProvider_InjectsCollaborators(t *testing.T) {
	p, _ := newCompilingProvider(t, map[string]string{
		"shout": `
INPUT = "string"
OUTPUT = "string"
REQUIRES = ["upper", "bang"]

def main(s):
    return deps.bang(deps.upper(s))
`,
		"bang": `
def main(s):
    return s + "!"
`,
	})

	got, err := p.Call(context.Background(), "shout", engine.String, engine.String, "hey")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "HEY!" {
		t.Errorf("got %v, want HEY!", got)
	}
}

func TestProvider_MissingCollaborator(t *testing.T) {
	loc := locator.NewMapLocator()
	loc.AddStarlark("needy", "REQUIRES = [\"nothing\"]\ndef main(p):\n    return p\n")
	res := resolver.NewCompilingResolver(loc, compiler.NewStarlarkCompiler(compiler.StarlarkConfig{}), resolver.CompilingConfig{})
	p := New(res, WithInjector(NewCollaborators(nil)))

	_, err := p.Get(context.Background(), "needy", engine.Any, engine.Any)
	var ie *engine.InstantiationError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InstantiationError, got %v", err)
	}
	if ie.Identifier != "needy" {
		t.Errorf("identifier = %q", ie.Identifier)
	}
}

func TestProvider_CollaboratorCycle(t *testing.T) {
	p, _ := newCompilingProvider(t, map[string]string{
		"a": "REQUIRES = [\"b\"]\ndef main(p):\n    return p\n",
		"b": "REQUIRES = [\"a\"]\ndef main(p):\n    return p\n",
	})

	_, err := p.Get(context.Background(), "a", engine.Any, engine.Any)
	var ie *engine.InstantiationError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InstantiationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("expected cycle in error, got %v", err)
	}
}

func TestProvider_CompilationErrorUnchanged(t *testing.T) {
	p, _ := newCompilingProvider(t, map[string]string{"broken": "def main(:\n"})

	_, err := p.Get(context.Background(), "broken", engine.Any, engine.Any)
	if _, ok := err.(*engine.CompilationError); !ok {
		t.Fatalf("expected bare *CompilationError, got %T: %v", err, err)
	}
}
