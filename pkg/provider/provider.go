// Package provider is the typed-function façade over a resolver chain.
package provider

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/webscript/pkg/engine"
	"github.com/openfroyo/webscript/pkg/telemetry"
)

// Provider hands out type-checked callables.
type Provider struct {
	resolver engine.Resolver
	injector engine.Injector
	logger   zerolog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithInjector sets the collaborator injector. Without one, executables are
// returned unwired.
func WithInjector(injector engine.Injector) Option {
	return func(p *Provider) { p.injector = injector }
}

// WithLogger sets the provider's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) { p.logger = logger.With().Str("component", "provider").Logger() }
}

// New creates a provider over resolver.
func New(resolver engine.Resolver, opts ...Option) *Provider {
	p := &Provider{resolver: resolver, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get resolves identifier, wires its collaborators and verifies that it
// accepts in and produces out. Errors from each step are returned as is.
func (p *Provider) Get(ctx context.Context, identifier string, in, out engine.TypeDescriptor) (callable *engine.TypedCallable, err error) {
	sig := engine.NewSignature(identifier, in, out)

	op := telemetry.StartOperation(ctx, "provider.get",
		telemetry.AttrIdentifier.String(identifier),
		telemetry.AttrSignature.String(sig.String()),
	)
	defer func() { op.End(err) }()
	ctx = op.Ctx

	exe, err := p.resolver.Resolve(ctx, sig)
	if err != nil {
		return nil, err
	}

	if p.injector != nil {
		if err := p.injector.Inject(withWiring(ctx, identifier), identifier, exe); err != nil {
			return nil, err
		}
	}

	callable, err = engine.Convert(identifier, exe, sig.Input, sig.Output)
	if err != nil {
		logger := op.Log(p.logger)
		logger.Debug().Err(err).Str("signature", sig.String()).Msg("type check failed")
		return nil, err
	}
	return callable, nil
}

// Call is a convenience for Get followed by Call.
func (p *Provider) Call(ctx context.Context, identifier string, in, out engine.TypeDescriptor, payload any) (any, error) {
	callable, err := p.Get(ctx, identifier, in, out)
	if err != nil {
		return nil, err
	}
	return callable.Call(ctx, payload)
}

// Dependency resolves identifier as a wired collaborator with any -> any
// types. It fails with *engine.InstantiationError when identifier is
// already being wired further up the chain.
func (p *Provider) Dependency(ctx context.Context, identifier string) (engine.Executable, error) {
	if chain := wiringChain(ctx); slices.Contains(chain, identifier) {
		return nil, &engine.InstantiationError{
			Identifier: identifier,
			Err:        fmt.Errorf("collaborator cycle: %v -> %s", chain, identifier),
		}
	}
	callable, err := p.Get(ctx, identifier, engine.Any, engine.Any)
	if err != nil {
		return nil, err
	}
	return callable.Executable(), nil
}

type wiringKey struct{}

func withWiring(ctx context.Context, identifier string) context.Context {
	chain := wiringChain(ctx)
	next := make([]string, len(chain), len(chain)+1)
	copy(next, chain)
	return context.WithValue(ctx, wiringKey{}, append(next, identifier))
}

func wiringChain(ctx context.Context) []string {
	chain, _ := ctx.Value(wiringKey{}).([]string)
	return chain
}

// Collaborators injects named values into executables that implement
// engine.Wirable. Names with no registered value are passed to the
// fallback, when one is set.
type Collaborators struct {
	mu       sync.RWMutex
	values   map[string]any
	fallback func(ctx context.Context, name string) (engine.Executable, error)
}

var _ engine.Injector = (*Collaborators)(nil)

// NewCollaborators creates an injector with an initial set of values.
func NewCollaborators(values map[string]any) *Collaborators {
	c := &Collaborators{values: make(map[string]any, len(values))}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

// Set registers or replaces a named collaborator.
func (c *Collaborators) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] = value
}

// SetFallback sets the lookup used for names with no registered value,
// typically Provider.Dependency.
func (c *Collaborators) SetFallback(fn func(ctx context.Context, name string) (engine.Executable, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = fn
}

// Inject implements engine.Injector. A required collaborator that cannot be
// found is reported as *engine.InstantiationError.
func (c *Collaborators) Inject(ctx context.Context, identifier string, exe engine.Executable) error {
	wirable, ok := exe.(engine.Wirable)
	if !ok {
		return nil
	}
	required := wirable.Requires()
	if len(required) == 0 {
		return nil
	}

	c.mu.RLock()
	fallback := c.fallback
	wired := make(map[string]any, len(required))
	var missing []string
	for _, name := range required {
		if v, ok := c.values[name]; ok {
			wired[name] = v
		} else {
			missing = append(missing, name)
		}
	}
	c.mu.RUnlock()

	for _, name := range missing {
		if fallback == nil {
			return &engine.InstantiationError{
				Identifier: identifier,
				Err:        fmt.Errorf("collaborator %q is not available", name),
			}
		}
		dep, err := fallback(ctx, name)
		if err != nil {
			return &engine.InstantiationError{
				Identifier: identifier,
				Err:        fmt.Errorf("collaborator %q: %w", name, err),
			}
		}
		wired[name] = dep
	}

	if err := wirable.Wire(wired); err != nil {
		return &engine.InstantiationError{Identifier: identifier, Err: err}
	}
	return nil
}
