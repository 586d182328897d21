// Package resolver implements the signature-keyed resolver chain: static
// tables, registry lookups, compile-on-demand resolution and the caching
// decorator that sits in front of them.
package resolver

import (
	"context"

	"github.com/openfroyo/webscript/pkg/engine"
	"github.com/openfroyo/webscript/pkg/registry"
)

// TableResolver serves executables from a fixed table.
type TableResolver struct {
	table map[engine.Signature]engine.Executable
}

// NewTableResolver creates a resolver over a copy of table.
func NewTableResolver(table map[engine.Signature]engine.Executable) *TableResolver {
	t := make(map[engine.Signature]engine.Executable, len(table))
	for sig, exe := range table {
		t[sig] = exe
	}
	return &TableResolver{table: t}
}

// Resolve implements engine.Resolver.
func (t *TableResolver) Resolve(_ context.Context, sig engine.Signature) (engine.Executable, error) {
	if exe, ok := t.table[sig]; ok {
		return exe, nil
	}
	return nil, &engine.ResolutionError{Identifier: sig.Identifier, Reason: "no table entry for " + sig.String()}
}

// RegistryResolver serves executables registered by identifier. The
// requested types are not consulted; they are verified later by
// engine.Convert.
type RegistryResolver struct {
	registry *registry.Registry
}

// NewRegistryResolver creates a resolver backed by reg.
func NewRegistryResolver(reg *registry.Registry) *RegistryResolver {
	return &RegistryResolver{registry: reg}
}

// Resolve implements engine.Resolver.
func (r *RegistryResolver) Resolve(_ context.Context, sig engine.Signature) (engine.Executable, error) {
	if exe, ok := r.registry.Lookup(sig.Identifier); ok {
		return exe, nil
	}
	return nil, &engine.ResolutionError{Identifier: sig.Identifier, Reason: "not registered"}
}

// ChainResolver consults resolvers in order. It moves to the next resolver
// only when the current one reports that the identifier is unknown; any
// other failure ends the chain. When every resolver misses, the last
// resolver's not-found error is kept as the cause.
type ChainResolver struct {
	resolvers []engine.Resolver
}

// Chain creates a ChainResolver.
func Chain(resolvers ...engine.Resolver) *ChainResolver {
	return &ChainResolver{resolvers: resolvers}
}

// Resolve implements engine.Resolver.
func (c *ChainResolver) Resolve(ctx context.Context, sig engine.Signature) (engine.Executable, error) {
	var last error
	for _, r := range c.resolvers {
		exe, err := r.Resolve(ctx, sig)
		if err == nil {
			return exe, nil
		}
		if !engine.IsNotFound(err) {
			return nil, err
		}
		last = err
	}
	return nil, &engine.ResolutionError{Identifier: sig.Identifier, Reason: "no resolver could supply " + sig.String(), Err: last}
}
