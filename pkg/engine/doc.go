// Package engine provides the core types and interfaces for the webscript
// resolution engine.
//
// # Overview
//
// Webscript resolves an opaque logical identifier to something executable,
// runs it with a payload, and caches the resolution so that repeated
// requests avoid fetching and compiling again. The engine appears in two
// shapes that share the types in this package:
//
//  1. Script locations - a script reference ("script:orders") is rebound
//     through a persisted binding table to a location, whose content is
//     fetched once and cached (see package script).
//  2. Typed functions - a Signature (identifier, input type, output type) is
//     resolved through a chain of Resolvers, compiled on demand, cached, and
//     verified against the requested types (see packages resolver and
//     provider).
//
// # Core Types
//
//   - TypeDescriptor: a comparable, first-class type value with a pure
//     AssignableFrom relation
//   - Signature: the structural cache key for typed functions
//   - Executable: a runnable artifact with declared input/output types
//   - TypedCallable: an executable verified by Convert
//   - Future: the asynchronous result handed back by Invoker
//
// # Errors
//
// Every failure is reported as a typed error that carries the identifier or
// location it concerns: UnboundIdentifierError, FetchError,
// CompilationError, InstantiationError, TypeMismatchError, ResolutionError,
// TimeoutError, DeniedError and ExecutionError. Errors are classified as
// transient or permanent; use IsRetryable to decide whether to retry.
//
// Example:
//
//	callable, err := engine.Convert("double", exe, engine.Int, engine.Int)
//	if err != nil {
//		var mismatch *engine.TypeMismatchError
//		if errors.As(err, &mismatch) {
//			log.Printf("%s slot: declared %s", mismatch.Slot, mismatch.Declared)
//		}
//		return err
//	}
//	out, err := callable.Call(ctx, int64(21))
package engine
