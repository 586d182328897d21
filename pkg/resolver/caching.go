package resolver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/webscript/pkg/engine"
	"github.com/openfroyo/webscript/pkg/telemetry"
)

// CachingConfig configures a CachingResolver.
type CachingConfig struct {
	// Timeout bounds a single fallback resolution. Zero disables the bound.
	Timeout time.Duration

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// CachingResolver memoizes successful resolutions of a fallback resolver.
//
// A cached executable is returned as-is. Concurrent misses for the same
// signature share one fallback call; misses for different signatures run in
// parallel. Failures are never cached.
type CachingResolver struct {
	fallback engine.Resolver
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *telemetry.Metrics

	mu      sync.RWMutex
	entries map[engine.Signature]engine.Executable
	group   singleflight.Group

	// A load caches its result only if no invalidation touched its
	// signature while it ran.
	epoch       uint64
	generations map[engine.Signature]uint64
	loading     map[engine.Signature]int
}

// NewCachingResolver wraps fallback with a cache.
func NewCachingResolver(fallback engine.Resolver, cfg CachingConfig) *CachingResolver {
	return &CachingResolver{
		fallback: fallback,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With().Str("component", "caching-resolver").Logger(),
		metrics:  cfg.Metrics,
		entries:  make(map[engine.Signature]engine.Executable),

		generations: make(map[engine.Signature]uint64),
		loading:     make(map[engine.Signature]int),
	}
}

// Resolve implements engine.Resolver.
func (c *CachingResolver) Resolve(ctx context.Context, sig engine.Signature) (engine.Executable, error) {
	if exe, ok := c.lookup(sig); ok {
		c.metrics.RecordCacheHit(telemetry.CacheSignature)
		return exe, nil
	}
	c.metrics.RecordCacheMiss(telemetry.CacheSignature)

	// The shared load is detached from the caller that starts it. Callers
	// stop waiting when their own ctx ends.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(sig.Key(), func() (interface{}, error) {
		if exe, ok := c.lookup(sig); ok {
			return exe, nil
		}

		stamp := c.beginLoad(sig)
		exe, err := WithTimeout(loadCtx, c.timeout, sig.Identifier, "resolve", func(ctx context.Context) (engine.Executable, error) {
			return c.fallback.Resolve(ctx, sig)
		})
		stored := c.endLoad(sig, stamp, exe, err == nil)
		if err != nil {
			c.logger.Debug().Err(err).Str("signature", sig.String()).Msg("resolution failed")
			return nil, err
		}
		if stored {
			c.logger.Debug().Str("signature", sig.String()).Msg("cached executable")
		}
		return exe, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.RecordCacheShared(telemetry.CacheSignature)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(engine.Executable), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *CachingResolver) lookup(sig engine.Signature) (engine.Executable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exe, ok := c.entries[sig]
	return exe, ok
}

type loadStamp struct {
	epoch, generation uint64
}

func (c *CachingResolver) beginLoad(sig engine.Signature) loadStamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading[sig]++
	return loadStamp{epoch: c.epoch, generation: c.generations[sig]}
}

func (c *CachingResolver) endLoad(sig engine.Signature, stamp loadStamp, exe engine.Executable, ok bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := stamp == loadStamp{epoch: c.epoch, generation: c.generations[sig]}
	if c.loading[sig]--; c.loading[sig] <= 0 {
		delete(c.loading, sig)
		delete(c.generations, sig)
	}
	if !ok || !current {
		return false
	}
	c.entries[sig] = exe
	return true
}

// discard makes an in-flight load of sig uncacheable and unjoinable.
// c.mu must be held.
func (c *CachingResolver) discard(sig engine.Signature) {
	if c.loading[sig] > 0 {
		c.generations[sig]++
		c.group.Forget(sig.Key())
	}
}

// Invalidate drops the cached entry for sig.
func (c *CachingResolver) Invalidate(sig engine.Signature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discard(sig)
	delete(c.entries, sig)
}

// InvalidateIdentifier drops every cached entry for identifier, whatever
// the requested types.
func (c *CachingResolver) InvalidateIdentifier(identifier string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sig := range c.loading {
		if sig.Identifier == identifier {
			c.discard(sig)
		}
	}
	n := 0
	for sig := range c.entries {
		if sig.Identifier == identifier {
			delete(c.entries, sig)
			n++
		}
	}
	if n > 0 {
		c.logger.Debug().Str("identifier", identifier).Int("entries", n).Msg("invalidated executables")
	}
	return n
}

// InvalidateAll empties the cache and returns the number of dropped
// entries.
func (c *CachingResolver) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	for sig := range c.loading {
		c.group.Forget(sig.Key())
	}
	n := len(c.entries)
	c.entries = make(map[engine.Signature]engine.Executable)
	return n
}

// Identifiers returns the identifiers with cached executables, sorted.
func (c *CachingResolver) Identifiers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool, len(c.entries))
	out := make([]string, 0, len(c.entries))
	for sig := range c.entries {
		if !seen[sig.Identifier] {
			seen[sig.Identifier] = true
			out = append(out, sig.Identifier)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of cached entries.
func (c *CachingResolver) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
