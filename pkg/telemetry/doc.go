// Package telemetry provides observability instrumentation for webscript.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus).
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// Components receive tel.Logger.Zerolog() and tag it with their name:
//
//	logger := base.With().Str("component", "resolver").Logger()
//	logger.Debug().Str("signature", sig.String()).Msg("cache miss")
//
// # Tracing
//
// StartOperation opens a span on the global tracer provider. Log tags a
// component logger with the span's trace ids:
//
//	op := telemetry.StartOperation(ctx, "script.fetch",
//	    telemetry.AttrLocation.String(location))
//	defer func() { op.End(err) }()
//	log := op.Log(logger)
//	log.Debug().Msg("fetched")
//
// # Metrics
//
// Metrics are recorded through nil-safe methods on *Metrics, so components
// may be constructed without metrics:
//
//	metrics.RecordCacheHit(telemetry.CacheSignature)
//	metrics.RecordFetch("https", "ok", elapsed)
//
// Available metrics:
//   - webscript_cache_hits_total / cache_misses_total / cache_shared_loads_total
//   - webscript_fetches_total, webscript_fetch_duration_seconds
//   - webscript_compilations_total, webscript_compile_duration_seconds
//   - webscript_resolution_failures_total
//   - webscript_invocations_total, webscript_invocation_duration_seconds
//   - webscript_active_invocations
//   - webscript_errors_by_class_total, webscript_errors_by_code_total
package telemetry
