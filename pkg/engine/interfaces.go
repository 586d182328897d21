package engine

import (
	"context"
)

// Resolver maps a signature to an executable.
type Resolver interface {
	// Resolve returns an executable for sig, or a typed error.
	Resolve(ctx context.Context, sig Signature) (Executable, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, sig Signature) (Executable, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, sig Signature) (Executable, error) {
	return f(ctx, sig)
}

// SourceLocator finds candidate sources for an identifier.
type SourceLocator interface {
	// Locate returns candidate sources in preference order. An empty result
	// means the identifier is unknown to this locator.
	Locate(ctx context.Context, identifier string) ([]Source, error)
}

// Compiler turns source into an executable.
type Compiler interface {
	// Compile compiles and instantiates src. Syntax errors are reported as
	// *CompilationError, failures to produce an executable as
	// *InstantiationError.
	Compile(ctx context.Context, identifier string, src Source) (Executable, error)
}

// Injector supplies collaborators to a freshly resolved executable.
type Injector interface {
	Inject(ctx context.Context, identifier string, exe Executable) error
}

// Bindings is a snapshot of the script binding table.
type Bindings map[string]string

// Clone returns a copy of the table.
func (b Bindings) Clone() Bindings {
	out := make(Bindings, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// BindingStore persists the script binding table. The table is always read
// and written as a whole.
type BindingStore interface {
	// Load reads the entire current table.
	Load(ctx context.Context) (Bindings, error)

	// Update performs a read-modify-write of the entire table while holding
	// the store's write lock. The table passed to fn may be mutated; it is
	// persisted when fn returns nil.
	Update(ctx context.Context, fn func(Bindings) error) error
}

// Fetcher retrieves raw content for a location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Storer replaces the content at a location. Fetchers of writable
// locations implement it.
type Storer interface {
	Store(ctx context.Context, location string, body []byte) error
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, location string) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, location string) ([]byte, error) {
	return f(ctx, location)
}

// Invoker is the capability handed to a running script. It is the only
// ambient authority a script receives.
type Invoker interface {
	Invoke(ctx context.Context, identifier string, payload any) *Future
}

// Evaluator evaluates script source with a payload and an invoke capability.
type Evaluator interface {
	Evaluate(ctx context.Context, name string, source []byte, payload any, invoker Invoker) (any, error)
}
