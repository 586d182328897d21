package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Future holds the eventual result of an asynchronous invocation.
type Future struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

// NewFuture creates an incomplete future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future already completed with v.
func Resolved(v any) *Future {
	f := NewFuture()
	f.Complete(v, nil)
	return f
}

// Failed returns a future already completed with err.
func Failed(err error) *Future {
	f := NewFuture()
	f.Complete(nil, err)
	return f
}

// Complete sets the result. Only the first call has an effect; it reports
// whether this call completed the future.
func (f *Future) Complete(v any, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future completes or ctx is done.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the result without blocking. ok is false while the future
// is incomplete.
func (f *Future) Result() (value any, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		return nil, nil, false
	}
}

// AllOf completes with the list of all results once every future succeeds,
// or with the first failure.
func AllOf(futures ...*Future) *Future {
	all := NewFuture()
	if len(futures) == 0 {
		all.Complete([]any{}, nil)
		return all
	}

	results := make([]any, len(futures))
	var remaining atomic.Int64
	remaining.Store(int64(len(futures)))

	for i, f := range futures {
		go func(i int, f *Future) {
			<-f.done
			if f.err != nil {
				all.Complete(nil, f.err)
				return
			}
			results[i] = f.value
			if remaining.Add(-1) == 0 {
				all.Complete(results, nil)
			}
		}(i, f)
	}
	return all
}

// AnyOf completes with the first successful result, or with the joined
// failures when every future fails.
func AnyOf(futures ...*Future) *Future {
	anyf := NewFuture()
	if len(futures) == 0 {
		anyf.Complete(nil, errors.New("any_of: no futures"))
		return anyf
	}

	errs := make([]error, len(futures))
	var remaining atomic.Int64
	remaining.Store(int64(len(futures)))

	for i, f := range futures {
		go func(i int, f *Future) {
			<-f.done
			if f.err == nil {
				anyf.Complete(f.value, nil)
				return
			}
			errs[i] = f.err
			if remaining.Add(-1) == 0 {
				anyf.Complete(nil, errors.Join(errs...))
			}
		}(i, f)
	}
	return anyf
}
