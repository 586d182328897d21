package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/webscript/pkg/engine"
)

// WithTimeout runs fn with a deadline of d. If fn does not return in time
// the call fails with *engine.TimeoutError and fn is left to finish in the
// background; its result is discarded. A zero d runs fn unbounded.
func WithTimeout[T any](
	ctx context.Context,
	d time.Duration,
	identifier, operation string,
	fn func(context.Context) (T, error),
) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	go func() {
		val, err := fn(ctx)
		done <- result{val: val, err: err}
	}()

	var zero T
	timeout := &engine.TimeoutError{Identifier: identifier, Operation: operation, After: d}
	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return zero, timeout
		}
		return r.val, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return zero, ctx.Err()
		}
		return zero, timeout
	}
}
