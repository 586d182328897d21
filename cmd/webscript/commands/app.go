package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/webscript/pkg/compiler"
	"github.com/openfroyo/webscript/pkg/config"
	"github.com/openfroyo/webscript/pkg/engine"
	"github.com/openfroyo/webscript/pkg/fetch"
	"github.com/openfroyo/webscript/pkg/invoker"
	"github.com/openfroyo/webscript/pkg/locator"
	"github.com/openfroyo/webscript/pkg/policy"
	"github.com/openfroyo/webscript/pkg/provider"
	"github.com/openfroyo/webscript/pkg/registry"
	"github.com/openfroyo/webscript/pkg/resolver"
	"github.com/openfroyo/webscript/pkg/sandbox"
	"github.com/openfroyo/webscript/pkg/script"
	"github.com/openfroyo/webscript/pkg/server"
	"github.com/openfroyo/webscript/pkg/stores"
	"github.com/openfroyo/webscript/pkg/telemetry"
)

// app holds the components built from one configuration.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger

	store    engine.BindingStore
	policy   *policy.Engine
	pipeline *script.Pipeline
	invoker  *invoker.Invoker
	timer    *invoker.Timer
	provider *provider.Provider
	registry *registry.Registry

	// functions caches compiled functions from sources.
	functions *resolver.CachingResolver
	sources   *locator.DirLocator
	checks    map[string]server.HealthCheck

	closers []func(context.Context) error
}

// loadConfig loads the configuration named by the --config flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// withApp loads the configuration, builds the application and runs fn.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return withConfig(cmd, cfg, fn)
}

// withConfig builds the application from cfg and runs fn.
func withConfig(cmd *cobra.Command, cfg *config.Config, fn func(a *app) error) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(a)
}

// newApp wires every component. Close releases what it opened.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, checks: make(map[string]server.HealthCheck)}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)
	a.logger = a.telemetry.Logger.Zerolog()
	metrics := a.telemetry.Metrics

	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}

	var fetchGate script.FetchGate
	var invokeGate invoker.InvokeGate
	if cfg.Policy.Enabled {
		if a.policy, err = policy.NewEngine(a.logger); err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := a.policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return nil, fmt.Errorf("failed to load policies: %w", err)
			}
		}
		fetchGate, invokeGate = a.policy, a.policy
	}

	fetcher, err := a.fetcher(metrics)
	if err != nil {
		return nil, err
	}

	a.pipeline = script.NewPipeline(a.store, fetcher, script.Config{
		MaxConcurrentFetches: cfg.Fetch.MaxConcurrent,
		FetchTimeout:         cfg.Fetch.Timeout,
		Gate:                 fetchGate,
		FileRoot:             cfg.Scripts.Dir,
		Logger:               a.logger,
		Metrics:              metrics,
	})

	evaluator := sandbox.NewEvaluator(sandbox.Config{
		Timeout:  cfg.Invoker.Timeout,
		MaxSteps: cfg.Invoker.MaxSteps,
		Logger:   a.logger,
	})
	a.invoker = invoker.New(a.pipeline, evaluator, invoker.Config{
		MaxConcurrent: cfg.Invoker.MaxConcurrent,
		Gate:          invokeGate,
		Logger:        a.logger,
		Metrics:       metrics,
	})
	a.timer = a.invoker.NewTimer(invoker.TimerConfig{
		Reference: cfg.Timer.Script,
		Period:    cfg.Timer.Period,
		Logger:    a.logger,
	})

	a.buildProvider(ctx, metrics)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (engine.BindingStore, error) {
	cfg := a.cfg.Bindings
	switch cfg.Kind {
	case config.StoreMemory:
		return stores.NewMemoryStore(engine.Bindings(cfg.Initial)), nil
	case config.StoreProperties:
		return stores.NewPropertiesStore(cfg.Path), nil
	case config.StoreSQLite:
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		a.checks["bindings"] = store.HealthCheck
		return store, nil
	default:
		return nil, fmt.Errorf("unknown binding store kind %q", cfg.Kind)
	}
}

func (a *app) fetcher(metrics *telemetry.Metrics) (engine.Fetcher, error) {
	cfg := a.cfg.Fetch

	mux := fetch.NewMux(a.logger, metrics)
	mux.Handle("file", &fetch.FileFetcher{Root: a.cfg.Scripts.Dir, MaxBytes: cfg.MaxBytes})

	httpFetcher := fetch.NewHTTPFetcher(fetch.HTTPConfig{Timeout: cfg.Timeout, MaxBytes: cfg.MaxBytes})
	mux.Handle("http", httpFetcher)
	mux.Handle("https", httpFetcher)

	if cfg.SFTP.User != "" {
		sftpFetcher, err := fetch.NewSFTPFetcher(cfg.SFTP, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up sftp: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return sftpFetcher.Close() })
		mux.Handle("sftp", sftpFetcher)
	}
	return mux, nil
}

// buildProvider assembles the typed-function chain: registered
// executables first, then modules compiled from the compiler directory.
// Typed functions may depend on other typed functions by name and on
// scripts by "script:<id>".
func (a *app) buildProvider(ctx context.Context, metrics *telemetry.Metrics) {
	cfg := a.cfg.Compiler

	wasm := compiler.NewWASMCompiler(ctx, compiler.WASMConfig{
		Timeout:          cfg.Timeout,
		MemoryLimitPages: cfg.WASMMemoryPages,
		Logger:           a.logger,
	})
	a.closers = append(a.closers, wasm.Close)

	multi := compiler.NewMulti(map[string]engine.Compiler{
		engine.LanguageStarlark: compiler.NewStarlarkCompiler(compiler.StarlarkConfig{
			Timeout:  cfg.Timeout,
			MaxSteps: cfg.MaxSteps,
			Logger:   a.logger,
		}),
		engine.LanguageWASM: wasm,
	})

	a.sources = locator.NewDirLocator(cfg.Dir)
	compiling := resolver.NewCompilingResolver(a.sources, multi, resolver.CompilingConfig{
		MaxConcurrent: cfg.MaxConcurrent,
		Timeout:       cfg.Timeout,
		Logger:        a.logger,
		Metrics:       metrics,
	})
	a.functions = resolver.NewCachingResolver(compiling, resolver.CachingConfig{
		Timeout: cfg.Timeout,
		Logger:  a.logger,
		Metrics: metrics,
	})

	a.registry = registry.New()
	collaborators := provider.NewCollaborators(nil)
	a.provider = provider.New(
		resolver.Chain(resolver.NewRegistryResolver(a.registry), a.functions),
		provider.WithInjector(collaborators),
		provider.WithLogger(a.logger),
	)
	collaborators.SetFallback(func(ctx context.Context, name string) (engine.Executable, error) {
		if _, ok := script.ParseReference(name); ok {
			return a.invoker.Executable(name), nil
		}
		return a.provider.Dependency(ctx, name)
	})
}

// watchFunctions drops compiled functions whose source files change.
func (a *app) watchFunctions(ctx context.Context) error {
	return a.sources.Watch(ctx, a.logger, func(identifier string) {
		a.functions.InvalidateIdentifier(identifier)
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
