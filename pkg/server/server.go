// Package server exposes the invoker, the binding table and the timer over
// HTTP.
//
//	POST   /webscript        run the script named by the ScriptURL header
//	GET    /timer            timer status
//	PUT    /timer            {"reference": "script:tick", "period": "5s"}
//	GET    /timer/script     content of the timer's script
//	PUT    /timer/script     replace the content of the timer's script
//	GET    /bindings         the whole binding table
//	GET    /bindings/{id}    one binding
//	PUT    /bindings/{id}    {"location": "https://..."}
//	DELETE /bindings/{id}
//	GET    /cache            cached script locations and function identifiers
//	DELETE /cache            drop all cached scripts and functions
//	DELETE /cache/functions/{identifier}
//	GET    /metrics          Prometheus metrics
//	GET    /healthz
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openfroyo/webscript/pkg/invoker"
	"github.com/openfroyo/webscript/pkg/script"
	"github.com/openfroyo/webscript/pkg/telemetry"
)

// ScriptHeader names the script reference of a POST /webscript request.
const ScriptHeader = "ScriptURL"

// Config configures a Server.
type Config struct {
	// Address is the listen address. Defaults to ":8080".
	Address string

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration

	// MaxPayloadBytes bounds request bodies. Defaults to 1MiB.
	MaxPayloadBytes int64

	// Functions, when set, exposes the compiled-function cache under
	// /cache.
	Functions FunctionCache

	// HealthChecks run on every /healthz request, keyed by name.
	HealthChecks map[string]HealthCheck

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// FunctionCache is the cache of compiled functions.
// *resolver.CachingResolver implements it.
type FunctionCache interface {
	Identifiers() []string
	InvalidateIdentifier(identifier string) int
	InvalidateAll() int
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server is the webscript HTTP front end.
type Server struct {
	invoker  *invoker.Invoker
	pipeline *script.Pipeline
	timer    *invoker.Timer
	funcs    FunctionCache
	checks   map[string]HealthCheck

	address         string
	shutdownTimeout time.Duration
	maxPayload      int64
	logger          zerolog.Logger
	metrics         *telemetry.Metrics

	handler http.Handler
}

// New creates a server. timer may be nil, in which case the timer routes
// report 404.
func New(inv *invoker.Invoker, pipeline *script.Pipeline, timer *invoker.Timer, cfg Config) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}

	s := &Server{
		invoker:         inv,
		pipeline:        pipeline,
		timer:           timer,
		funcs:           cfg.Functions,
		checks:          cfg.HealthChecks,
		address:         cfg.Address,
		shutdownTimeout: cfg.ShutdownTimeout,
		maxPayload:      cfg.MaxPayloadBytes,
		logger:          cfg.Logger.With().Str("component", "server").Logger(),
		metrics:         cfg.Metrics,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webscript", s.handleInvoke)

	mux.HandleFunc("GET /timer", s.handleGetTimer)
	mux.HandleFunc("PUT /timer", s.handlePutTimer)
	mux.HandleFunc("GET /timer/script", s.handleGetTimerScript)
	mux.HandleFunc("PUT /timer/script", s.handlePutTimerScript)

	mux.HandleFunc("GET /bindings", s.handleListBindings)
	mux.HandleFunc("GET /bindings/{id}", s.handleGetBinding)
	mux.HandleFunc("PUT /bindings/{id}", s.handlePutBinding)
	mux.HandleFunc("DELETE /bindings/{id}", s.handleDeleteBinding)

	mux.HandleFunc("GET /cache", s.handleListCache)
	mux.HandleFunc("DELETE /cache", s.handleClearCache)
	mux.HandleFunc("DELETE /cache/functions/{identifier...}", s.handleInvalidateFunction)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return otelhttp.NewHandler(s.accessLog(mux), "webscript",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Run serves on the configured address until ctx ends, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", ln.Addr().String()).Msg("HTTP server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := telemetry.NewTimer()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", rec.bytes).
			Dur("duration", timer.Duration()).
			Str("trace_id", telemetry.TraceID(r.Context())).
			Msg("request")
	})
}
