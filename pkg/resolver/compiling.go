package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/webscript/pkg/engine"
	"github.com/openfroyo/webscript/pkg/telemetry"
)

// CompilingConfig configures a CompilingResolver.
type CompilingConfig struct {
	// MaxConcurrent bounds the number of compilations in progress.
	MaxConcurrent int

	// Timeout bounds each compile attempt. Zero disables the bound.
	Timeout time.Duration

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// CompilingResolver locates source candidates for an identifier and returns
// the first candidate that compiles and instantiates.
type CompilingResolver struct {
	locator  engine.SourceLocator
	compiler engine.Compiler
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// NewCompilingResolver creates a compile-on-demand resolver.
func NewCompilingResolver(locator engine.SourceLocator, compiler engine.Compiler, cfg CompilingConfig) *CompilingResolver {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &CompilingResolver{
		locator:  locator,
		compiler: compiler,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With().Str("component", "compiling-resolver").Logger(),
		metrics:  cfg.Metrics,
	}
}

// Resolve implements engine.Resolver.
//
// Candidates are tried in the order the locator returns them. When every
// candidate fails, the first candidate's error is returned.
func (c *CompilingResolver) Resolve(ctx context.Context, sig engine.Signature) (exe engine.Executable, err error) {
	op := telemetry.StartOperation(ctx, "resolver.compile",
		telemetry.AttrIdentifier.String(sig.Identifier),
		telemetry.AttrSignature.String(sig.String()),
	)
	defer func() { op.End(err) }()
	ctx = op.Ctx

	sources, err := c.locator.Locate(ctx, sig.Identifier)
	if err != nil {
		var classified engine.Classified
		if errors.As(err, &classified) {
			return nil, err
		}
		return nil, &engine.ResolutionError{Identifier: sig.Identifier, Reason: "locate sources", Err: err}
	}
	if len(sources) == 0 {
		return nil, &engine.ResolutionError{Identifier: sig.Identifier, Reason: "no source candidates"}
	}

	logger := op.Log(c.logger)
	var firstErr error
	for _, src := range sources {
		exe, err := c.compile(ctx, sig.Identifier, src)
		if err == nil {
			logger.Debug().
				Str("identifier", sig.Identifier).
				Str("origin", src.Origin).
				Msg("compiled executable")
			return exe, nil
		}

		logger.Debug().Err(err).
			Str("identifier", sig.Identifier).
			Str("origin", src.Origin).
			Msg("candidate rejected")
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.metrics.RecordResolutionFailure(engine.CodeOf(firstErr))
	return nil, firstErr
}

func (c *CompilingResolver) compile(ctx context.Context, identifier string, src engine.Source) (engine.Executable, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	timer := telemetry.NewTimer()
	exe, err := WithTimeout(ctx, c.timeout, identifier, "compile", func(ctx context.Context) (engine.Executable, error) {
		return c.compiler.Compile(ctx, identifier, src)
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordCompile(src.Language, status, timer.Duration())
	return exe, err
}
