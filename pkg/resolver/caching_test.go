package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/webscript/pkg/engine"
)

// countingResolver counts fallback calls and optionally blocks until
// released.
type countingResolver struct {
	calls   atomic.Int64
	release chan struct{}
	err     error
}

func (r *countingResolver) Resolve(ctx context.Context, sig engine.Signature) (engine.Executable, error) {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return engine.Func(sig.Input, sig.Output, func(context.Context, any) (any, error) {
		return sig.Identifier, nil
	}), nil
}

func TestCachingResolver_HitSkipsFallback(t *testing.T) {
	fallback := &countingResolver{}
	cache := NewCachingResolver(fallback, CachingConfig{})
	sig := engine.NewSignature("double", engine.Int, engine.Int)

	first, err := cache.Resolve(context.Background(), sig)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := cache.Resolve(context.Background(), sig)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if first != second {
		t.Error("cache hit should return the same executable")
	}
	if got := fallback.calls.Load(); got != 1 {
		t.Errorf("expected 1 fallback call, got %d", got)
	}
	if cache.Len() != 1 {
		t.Errorf("expected 1 cached entry, got %d", cache.Len())
	}
}

func TestCachingResolver_SingleFlight(t *testing.T) {
	fallback := &countingResolver{release: make(chan struct{})}
	cache := NewCachingResolver(fallback, CachingConfig{})
	sig := engine.NewSignature("slow", engine.Any, engine.Any)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]engine.Executable, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Resolve(context.Background(), sig)
		}(i)
	}

	// let the callers pile up on the in-flight load
	time.Sleep(50 * time.Millisecond)
	close(fallback.release)
	wg.Wait()

	if got := fallback.calls.Load(); got != 1 {
		t.Errorf("expected fallback to run once, ran %d times", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("caller %d got a different executable", i)
		}
	}
}

func TestCachingResolver_DistinctKeysInParallel(t *testing.T) {
	// The fallback blocks until both keys are in flight; a resolver that
	// serialized distinct keys would deadlock here.
	var started sync.WaitGroup
	started.Add(2)
	fallback := engine.ResolverFunc(func(ctx context.Context, sig engine.Signature) (engine.Executable, error) {
		started.Done()
		started.Wait()
		return engine.Func(engine.Any, engine.Any, nil), nil
	})
	cache := NewCachingResolver(fallback, CachingConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := cache.Resolve(ctx, engine.NewSignature(id, engine.Any, engine.Any)); err != nil {
				t.Errorf("Resolve(%s): %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

func TestCachingResolver_FailuresNotCached(t *testing.T) {
	boom := &engine.CompilationError{Identifier: "broken", Err: errors.New("syntax error")}
	fallback := &countingResolver{err: boom}
	cache := NewCachingResolver(fallback, CachingConfig{})
	sig := engine.NewSignature("broken", engine.Any, engine.Any)

	for i := 0; i < 3; i++ {
		_, err := cache.Resolve(context.Background(), sig)
		if !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected compilation error, got %v", i, err)
		}
	}

	if got := fallback.calls.Load(); got != 3 {
		t.Errorf("expected every attempt to reach the fallback, got %d calls", got)
	}
	if cache.Len() != 0 {
		t.Errorf("failure must not be cached, have %d entries", cache.Len())
	}

	// a later success is cached
	fallback.err = nil
	if _, err := cache.Resolve(context.Background(), sig); err != nil {
		t.Fatalf("Resolve after recovery: %v", err)
	}
	if cache.Len() != 1 {
		t.Errorf("expected recovered entry cached")
	}
}

func TestCachingResolver_Timeout(t *testing.T) {
	fallback := &countingResolver{release: make(chan struct{})}
	defer close(fallback.release)
	cache := NewCachingResolver(fallback, CachingConfig{Timeout: 20 * time.Millisecond})

	_, err := cache.Resolve(context.Background(), engine.NewSignature("stuck", engine.Any, engine.Any))

	var timeout *engine.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Identifier != "stuck" {
		t.Errorf("unexpected identifier %q", timeout.Identifier)
	}
	if !engine.IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
	if cache.Len() != 0 {
		t.Error("timed-out resolution must not be cached")
	}
}

func TestCachingResolver_CallerCancellation(t *testing.T) {
	fallback := &countingResolver{release: make(chan struct{})}
	cache := NewCachingResolver(fallback, CachingConfig{})
	sig := engine.NewSignature("shared", engine.Any, engine.Any)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(ctx, sig)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	// the shared load keeps going and is cached for the next caller
	close(fallback.release)
	if _, err := cache.Resolve(context.Background(), sig); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := fallback.calls.Load(); got != 1 {
		t.Errorf("expected 1 fallback call, got %d", got)
	}
}

func TestCachingResolver_Invalidate(t *testing.T) {
	fallback := &countingResolver{}
	cache := NewCachingResolver(fallback, CachingConfig{})

	for _, out := range []engine.TypeDescriptor{engine.Int, engine.String} {
		if _, err := cache.Resolve(context.Background(), engine.NewSignature("f", engine.Any, out)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := cache.Resolve(context.Background(), engine.NewSignature("g", engine.Any, engine.Any)); err != nil {
		t.Fatal(err)
	}

	if n := cache.InvalidateIdentifier("f"); n != 2 {
		t.Errorf("expected 2 entries dropped, got %d", n)
	}
	cache.Invalidate(engine.NewSignature("g", engine.Any, engine.Any))
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d", cache.Len())
	}
}

func ExampleCachingResolver() {
	compiles := 0
	fallback := engine.ResolverFunc(func(_ context.Context, sig engine.Signature) (engine.Executable, error) {
		compiles++
		return engine.Func(engine.Int, engine.Int, func(_ context.Context, in any) (any, error) {
			return in.(int) * 2, nil
		}), nil
	})
	cache := NewCachingResolver(fallback, CachingConfig{})
	sig := engine.NewSignature("double", engine.Int, engine.Int)

	for i := 1; i <= 3; i++ {
		exe, _ := cache.Resolve(context.Background(), sig)
		out, _ := exe.Invoke(context.Background(), i)
		fmt.Println(out)
	}
	fmt.Println("compiles:", compiles)
	// Output:
	// 2
	// 4
	// 6
	// compiles: 1
}

// generationResolver returns executables tagged with the call number. The
// first call signals started and blocks until released.
type generationResolver struct {
	calls   atomic.Int64
	started chan struct{}
	release chan struct{}
}

func (r *generationResolver) Resolve(ctx context.Context, sig engine.Signature) (engine.Executable, error) {
	n := r.calls.Add(1)
	if n == 1 {
		close(r.started)
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return engine.Func(sig.Input, sig.Output, func(context.Context, any) (any, error) {
		return n, nil
	}), nil
}

func TestCachingResolver_InvalidationDuringLoad(t *testing.T) {
	tests := []struct {
		name       string
		invalidate func(*CachingResolver, engine.Signature)
	}{
		{"signature", func(c *CachingResolver, sig engine.Signature) { c.Invalidate(sig) }},
		{"identifier", func(c *CachingResolver, sig engine.Signature) { c.InvalidateIdentifier(sig.Identifier) }},
		{"all", func(c *CachingResolver, _ engine.Signature) { c.InvalidateAll() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fallback := &generationResolver{started: make(chan struct{}), release: make(chan struct{})}
			cache := NewCachingResolver(fallback, CachingConfig{})
			sig := engine.NewSignature("f", engine.Any, engine.Any)
			ctx := context.Background()

			done := make(chan engine.Executable, 1)
			go func() {
				exe, err := cache.Resolve(ctx, sig)
				if err != nil {
					t.Errorf("first Resolve: %v", err)
				}
				done <- exe
			}()

			<-fallback.started
			tt.invalidate(cache, sig)
			close(fallback.release)

			stale := <-done
			if got, _ := stale.Invoke(ctx, nil); got != int64(1) {
				t.Fatalf("first Resolve generation = %v, want 1", got)
			}
			if cache.Len() != 0 {
				t.Errorf("executable invalidated during load was cached")
			}

			fresh, err := cache.Resolve(ctx, sig)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got, _ := fresh.Invoke(ctx, nil); got != int64(2) {
				t.Errorf("Resolve after invalidation generation = %v, want 2", got)
			}
			if cache.Len() != 1 {
				t.Errorf("expected the fresh executable to be cached, got %d entries", cache.Len())
			}
		})
	}
}

func TestCachingResolver_InvalidateAllAndIdentifiers(t *testing.T) {
	cache := NewCachingResolver(&countingResolver{}, CachingConfig{})
	ctx := context.Background()

	for _, sig := range []engine.Signature{
		engine.NewSignature("b", engine.Any, engine.Any),
		engine.NewSignature("a", engine.Int, engine.Int),
		engine.NewSignature("a", engine.Any, engine.Any),
	} {
		if _, err := cache.Resolve(ctx, sig); err != nil {
			t.Fatalf("Resolve(%v): %v", sig, err)
		}
	}

	if got := cache.Identifiers(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Identifiers() = %v, want [a b]", got)
	}
	if n := cache.InvalidateAll(); n != 3 {
		t.Errorf("InvalidateAll() = %d, want 3", n)
	}
	if cache.Len() != 0 {
		t.Errorf("cache holds %d entries after InvalidateAll", cache.Len())
	}
}
