package resolver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/webscript/pkg/engine"
	"github.com/openfroyo/webscript/pkg/registry"
)

type mapLocator map[string][]engine.Source

func (m mapLocator) Locate(_ context.Context, identifier string) ([]engine.Source, error) {
	return m[identifier], nil
}

// stubCompiler compiles sources whose body starts with "ok", rejects
// "syntax" as a compilation error, "inst" as an instantiation error and
// blocks on "hang".
type stubCompiler struct{}

func (stubCompiler) Compile(ctx context.Context, identifier string, src engine.Source) (engine.Executable, error) {
	body := string(src.Body)
	switch {
	case strings.HasPrefix(body, "ok"):
		return engine.Func(engine.Any, engine.String, func(context.Context, any) (any, error) {
			return body, nil
		}), nil
	case body == "syntax":
		return nil, &engine.CompilationError{Identifier: identifier, Origin: src.Origin, Err: errors.New("unexpected token")}
	case body == "hang":
		<-ctx.Done()
		return nil, ctx.Err()
	default:
		return nil, &engine.InstantiationError{Identifier: identifier, Origin: src.Origin, Err: errors.New("no main")}
	}
}

func src(origin, body string) engine.Source {
	return engine.Source{Origin: origin, Language: engine.LanguageStarlark, Body: []byte(body)}
}

func TestCompilingResolver_FirstUsableCandidate(t *testing.T) {
	locator := mapLocator{
		"greet": {src("a.star", "syntax"), src("b.star", "ok-b"), src("c.star", "ok-c")},
	}
	r := NewCompilingResolver(locator, stubCompiler{}, CompilingConfig{})

	exe, err := r.Resolve(context.Background(), engine.NewSignature("greet", engine.Any, engine.Any))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	out, _ := exe.Invoke(context.Background(), nil)
	if out != "ok-b" {
		t.Errorf("expected second candidate, got %v", out)
	}
}

func TestCompilingResolver_AllCandidatesFail(t *testing.T) {
	locator := mapLocator{
		"broken":  {src("a.star", "inst"), src("b.star", "syntax")},
		"broken2": {src("a.star", "syntax"), src("b.star", "inst")},
	}
	r := NewCompilingResolver(locator, stubCompiler{}, CompilingConfig{})

	_, err := r.Resolve(context.Background(), engine.NewSignature("broken", engine.Any, engine.Any))
	var inst *engine.InstantiationError
	if !errors.As(err, &inst) {
		t.Fatalf("expected first candidate's InstantiationError, got %v", err)
	}
	if inst.Identifier != "broken" || inst.Origin != "a.star" {
		t.Errorf("unexpected error context: %+v", inst)
	}

	_, err = r.Resolve(context.Background(), engine.NewSignature("broken2", engine.Any, engine.Any))
	var comp *engine.CompilationError
	if !errors.As(err, &comp) {
		t.Fatalf("expected first candidate's CompilationError, got %v", err)
	}
}

func TestCompilingResolver_NoCandidates(t *testing.T) {
	r := NewCompilingResolver(mapLocator{}, stubCompiler{}, CompilingConfig{})

	_, err := r.Resolve(context.Background(), engine.NewSignature("ghost", engine.Any, engine.Any))
	if !engine.IsNotFound(err) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if engine.IdentifierOf(err) != "ghost" {
		t.Errorf("error should carry identifier, got %q", engine.IdentifierOf(err))
	}
}

func TestCompilingResolver_AttemptTimeout(t *testing.T) {
	locator := mapLocator{"slow": {src("slow.star", "hang")}}
	r := NewCompilingResolver(locator, stubCompiler{}, CompilingConfig{Timeout: 20 * time.Millisecond})

	_, err := r.Resolve(context.Background(), engine.NewSignature("slow", engine.Any, engine.Any))
	var timeout *engine.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Operation != "compile" {
		t.Errorf("unexpected operation %q", timeout.Operation)
	}
}

func TestChainResolver(t *testing.T) {
	reg := registry.New()
	_ = reg.Register("registered", engine.Func(engine.Any, engine.Any, nil))

	tableSig := engine.NewSignature("tabled", engine.Int, engine.Int)
	table := NewTableResolver(map[engine.Signature]engine.Executable{
		tableSig: engine.Func(engine.Int, engine.Int, nil),
	})
	compiling := NewCompilingResolver(mapLocator{
		"compiled": {src("c.star", "ok")},
		"broken":   {src("b.star", "syntax")},
	}, stubCompiler{}, CompilingConfig{})

	chain := Chain(table, NewRegistryResolver(reg), compiling)

	tests := []struct {
		name    string
		sig     engine.Signature
		wantErr func(error) bool
	}{
		{"table hit", tableSig, nil},
		{"registry hit", engine.NewSignature("registered", engine.String, engine.String), nil},
		{"compiled", engine.NewSignature("compiled", engine.Any, engine.Any), nil},
		{"unknown", engine.NewSignature("ghost", engine.Any, engine.Any), engine.IsNotFound},
		{"compile error stops chain", engine.NewSignature("broken", engine.Any, engine.Any), func(err error) bool {
			var c *engine.CompilationError
			return errors.As(err, &c)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exe, err := chain.Resolve(context.Background(), tt.sig)
			if tt.wantErr != nil {
				if err == nil || !tt.wantErr(err) {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if err != nil || exe == nil {
				t.Fatalf("Resolve: %v", err)
			}
		})
	}
}

func TestChainResolver_KeepsLastReason(t *testing.T) {
	compiling := NewCompilingResolver(mapLocator{}, stubCompiler{}, CompilingConfig{})
	chain := Chain(NewRegistryResolver(registry.New()), compiling)

	_, err := chain.Resolve(context.Background(), engine.NewSignature("ghost", engine.Any, engine.Any))
	var outer *engine.ResolutionError
	if !errors.As(err, &outer) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	var cause *engine.ResolutionError
	if !errors.As(outer.Err, &cause) || cause.Reason != "no source candidates" {
		t.Fatalf("cause = %v, want the compiling resolver's reason", outer.Err)
	}
	if !strings.Contains(err.Error(), "no source candidates") {
		t.Errorf("error %q drops the last reason", err)
	}
}

func TestTableResolver_StructuralKeys(t *testing.T) {
	table := NewTableResolver(map[engine.Signature]engine.Executable{
		engine.NewSignature("f", engine.Int, engine.Int): engine.Func(engine.Int, engine.Int, nil),
	})

	if _, err := table.Resolve(context.Background(), engine.NewSignature("f", engine.MustParseType("int"), engine.Int)); err != nil {
		t.Errorf("structurally equal signature should hit: %v", err)
	}
	if _, err := table.Resolve(context.Background(), engine.NewSignature("f", engine.Int, engine.Number)); !engine.IsNotFound(err) {
		t.Errorf("different output type should miss, got %v", err)
	}
}
