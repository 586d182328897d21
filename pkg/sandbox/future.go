package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"

	"github.com/openfroyo/webscript/pkg/engine"
)

// futureValue exposes an engine.Future to Starlark.
type futureValue struct {
	f *engine.Future
}

var (
	_ starlark.Value    = (*futureValue)(nil)
	_ starlark.HasAttrs = (*futureValue)(nil)
)

func (fv *futureValue) String() string {
	if _, _, ok := fv.f.Result(); ok {
		return "<future done>"
	}
	return "<future pending>"
}

func (fv *futureValue) Type() string         { return "future" }
func (fv *futureValue) Freeze()              {}
func (fv *futureValue) Truth() starlark.Bool { return starlark.True }

func (fv *futureValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: future")
}

func (fv *futureValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "done":
		return starlark.NewBuiltin("done", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			_, _, ok := fv.f.Result()
			return starlark.Bool(ok), nil
		}), nil
	case "result":
		return starlark.NewBuiltin("result", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var timeout float64
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "timeout?", &timeout); err != nil {
				return nil, err
			}
			return await(thread, fv.f, timeout)
		}), nil
	}
	return nil, nil
}

func (fv *futureValue) AttrNames() []string {
	return []string{"done", "result"}
}

// Suspender is implemented by invoke capabilities that hold a slot in a
// bounded pool. A script waiting on a future gives its slot back for the
// duration of the wait.
type Suspender interface {
	Suspend() (resume func())
}

// await blocks the script until f completes, the evaluation is cancelled,
// or the optional timeout (seconds) elapses.
func await(thread *starlark.Thread, f *engine.Future, timeout float64) (starlark.Value, error) {
	ctx := ThreadContext(thread)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
		defer cancel()
	}

	if _, _, done := f.Result(); !done {
		if s, ok := thread.Local(invokerKey).(Suspender); ok {
			resume := s.Suspend()
			defer resume()
		}
	}

	v, err := f.Await(ctx)
	if err != nil {
		return nil, err
	}
	return ToValue(v)
}

func toFuture(v starlark.Value) (*engine.Future, error) {
	fv, ok := v.(*futureValue)
	if !ok {
		return nil, fmt.Errorf("expected future, got %s", v.Type())
	}
	return fv.f, nil
}

func toFutures(name string, args starlark.Tuple) ([]*engine.Future, error) {
	// all_of([a, b]) and all_of(a, b) are both accepted
	if len(args) == 1 {
		if list, ok := args[0].(*starlark.List); ok {
			args = make(starlark.Tuple, list.Len())
			for i := range args {
				args[i] = list.Index(i)
			}
		}
	}

	futures := make([]*engine.Future, len(args))
	for i, arg := range args {
		f, err := toFuture(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", name, i, err)
		}
		futures[i] = f
	}
	return futures, nil
}
