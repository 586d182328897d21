// Package script resolves script references to script content.
//
// A reference is either a location (a URL or path understood by the
// fetcher) or a logical reference "script:<id>". Logical references are
// rebound through the binding table, which is re-read from the store on
// every resolution. Content is cached by location; concurrent misses for
// one location share a single fetch.
package script

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/webscript/pkg/engine"
	"github.com/openfroyo/webscript/pkg/resolver"
	"github.com/openfroyo/webscript/pkg/telemetry"
)

// Prefix marks a logical script reference.
const Prefix = "script:"

// ParseReference reports whether reference is a logical script reference
// and returns its script id. The prefix is matched case-insensitively and
// leading slashes are dropped, so "SCRIPT:///echo" names "echo".
func ParseReference(reference string) (string, bool) {
	if len(reference) < len(Prefix) || !strings.EqualFold(reference[:len(Prefix)], Prefix) {
		return "", false
	}
	return strings.TrimLeft(reference[len(Prefix):], "/"), true
}

// Reference returns the logical reference for id.
func Reference(id string) string {
	return Prefix + id
}

// FetchGate authorizes fetches. *policy.Engine implements it.
type FetchGate interface {
	AllowFetch(ctx context.Context, location string) error
}

// Resolution is the outcome of resolving a reference.
type Resolution struct {
	Reference string `json:"reference"`

	// ScriptID is set when Reference was a logical reference.
	ScriptID string `json:"script_id,omitempty"`

	Location string `json:"location"`
	Content  []byte `json:"-"`

	// Cached reports whether Content came from the content cache.
	Cached bool `json:"cached"`
}

// Name returns the name used to label the script in errors and logs.
func (r *Resolution) Name() string {
	if r.ScriptID != "" {
		return r.ScriptID
	}
	return r.Location
}

// Config configures a Pipeline.
type Config struct {
	// MaxConcurrentFetches bounds fetches in progress. Defaults to 8.
	MaxConcurrentFetches int

	// FetchTimeout bounds each fetch attempt. Zero disables the bound.
	FetchTimeout time.Duration

	// Gate, when set, is consulted before every fetch.
	Gate FetchGate

	// FileRoot resolves relative file locations for Watch. It should match
	// the root of the file fetcher.
	FileRoot string

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Pipeline resolves references through the binding table, the content
// cache and the fetcher, in that order.
type Pipeline struct {
	store   engine.BindingStore
	fetcher engine.Fetcher
	gate    FetchGate
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	fileRoot string

	mu      sync.RWMutex
	content map[string][]byte
	group   singleflight.Group

	// epoch and generations advance on invalidation. A load stores its
	// result only if neither moved while it ran.
	epoch       uint64
	generations map[string]uint64
	loading     map[string]int

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	watched map[string]bool
}

// NewPipeline creates a pipeline over store and fetcher.
func NewPipeline(store engine.BindingStore, fetcher engine.Fetcher, cfg Config) *Pipeline {
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = 8
	}
	return &Pipeline{
		store:    store,
		fetcher:  fetcher,
		gate:     cfg.Gate,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentFetches)),
		timeout:  cfg.FetchTimeout,
		logger:   cfg.Logger.With().Str("component", "script-pipeline").Logger(),
		metrics:  cfg.Metrics,
		fileRoot: cfg.FileRoot,
		content:  make(map[string][]byte),
		watched:  make(map[string]bool),

		generations: make(map[string]uint64),
		loading:     make(map[string]int),
	}
}

// ResolveLocation resolves reference to script content.
//
// A logical reference is rebound from a fresh read of the binding table and
// fails with *engine.UnboundIdentifierError when the id is not bound.
// Content is then served from the cache, or fetched and cached. Fetch
// failures are reported as *engine.FetchError and are not cached.
func (p *Pipeline) ResolveLocation(ctx context.Context, reference string) (res *Resolution, err error) {
	op := telemetry.StartOperation(ctx, "script.resolve_location",
		telemetry.AttrIdentifier.String(reference),
	)
	defer func() { op.End(err) }()
	ctx = op.Ctx

	res, err = p.Bind(ctx, reference)
	if err != nil {
		return nil, err
	}

	res.Content, res.Cached, err = p.Content(ctx, res.Location)
	if err != nil {
		return nil, err
	}
	op.Span.SetAttributes(
		telemetry.AttrLocation.String(res.Location),
		telemetry.AttrCacheHit.Bool(res.Cached),
	)
	return res, nil
}

// Bind maps reference to a location without fetching. Locations map to
// themselves.
func (p *Pipeline) Bind(ctx context.Context, reference string) (*Resolution, error) {
	id, ok := ParseReference(reference)
	if !ok {
		return &Resolution{Reference: reference, Location: reference}, nil
	}

	location, err := p.Binding(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Resolution{Reference: reference, ScriptID: id, Location: location}, nil
}

// Content returns the content at location from the cache, fetching and
// caching it on a miss. The second result reports a cache hit.
func (p *Pipeline) Content(ctx context.Context, location string) ([]byte, bool, error) {
	if body, ok := p.lookup(location); ok {
		p.metrics.RecordCacheHit(telemetry.CacheContent)
		return body, true, nil
	}
	p.metrics.RecordCacheMiss(telemetry.CacheContent)

	loadCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan(location, func() (interface{}, error) {
		if body, ok := p.lookup(location); ok {
			return body, nil
		}

		stamp := p.beginLoad(location)
		body, err := p.Fetch(loadCtx, location)
		stored := p.endLoad(location, stamp, body, err == nil)
		if err != nil {
			return nil, err
		}
		if !stored {
			p.logger.Debug().Str("location", location).Msg("content invalidated during fetch; not cached")
			return body, nil
		}

		p.watchLocation(location)
		p.logger.Debug().Str("location", location).Int("bytes", len(body)).Msg("cached content")
		return body, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			p.metrics.RecordCacheShared(telemetry.CacheContent)
		}
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]byte), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Fetch retrieves the current content at location, bypassing the cache.
// The fetch is authorized by the gate, bounded by the fetch pool and timed
// out per attempt.
func (p *Pipeline) Fetch(ctx context.Context, location string) (body []byte, err error) {
	op := telemetry.StartOperation(ctx, "script.fetch", telemetry.AttrLocation.String(location))
	defer func() { op.End(err) }()
	ctx = op.Ctx

	if p.gate != nil {
		if err := p.gate.AllowFetch(ctx, location); err != nil {
			return nil, err
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	body, err = resolver.WithTimeout(ctx, p.timeout, location, "fetch", func(ctx context.Context) ([]byte, error) {
		return p.fetcher.Fetch(ctx, location)
	})
	if err != nil {
		logger := op.Log(p.logger)
		logger.Debug().Err(err).Msg("fetch failed")
		return nil, fetchError(location, err)
	}
	return body, nil
}

// Store replaces the content at location through the fetcher and drops the
// cached copy. Fetchers that cannot write report *engine.ReadOnlyError.
func (p *Pipeline) Store(ctx context.Context, location string, body []byte) (err error) {
	op := telemetry.StartOperation(ctx, "script.store", telemetry.AttrLocation.String(location))
	defer func() { op.End(err) }()

	storer, ok := p.fetcher.(engine.Storer)
	if !ok {
		return &engine.ReadOnlyError{Location: location}
	}
	if err := storer.Store(op.Ctx, location, body); err != nil {
		return fetchError(location, err)
	}
	p.Invalidate(location)
	logger := op.Log(p.logger)
	logger.Info().Int("bytes", len(body)).Msg("script content replaced")
	return nil
}

// fetchError reports err as *engine.FetchError unless it is already
// classified.
func fetchError(location string, err error) error {
	var classified engine.Classified
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &engine.FetchError{Location: location, Err: err}
}

type loadStamp struct {
	epoch, generation uint64
}

func (p *Pipeline) beginLoad(location string) loadStamp {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading[location]++
	return loadStamp{epoch: p.epoch, generation: p.generations[location]}
}

// endLoad caches body when ok and no invalidation touched location since
// stamp was taken. It reports whether body was cached.
func (p *Pipeline) endLoad(location string, stamp loadStamp, body []byte, ok bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := stamp == loadStamp{epoch: p.epoch, generation: p.generations[location]}
	if p.loading[location]--; p.loading[location] <= 0 {
		delete(p.loading, location)
		delete(p.generations, location)
	}
	if !ok || !current {
		return false
	}
	p.content[location] = body
	return true
}

func (p *Pipeline) lookup(location string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	body, ok := p.content[location]
	return body, ok
}

// Invalidate drops the cached content for location. A fetch of location
// already in flight is not cached, and later callers do not join it. The
// result reports whether an entry was cached.
func (p *Pipeline) Invalidate(location string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loading[location] > 0 {
		p.generations[location]++
		p.group.Forget(location)
	}
	if _, ok := p.content[location]; !ok {
		return false
	}
	delete(p.content, location)
	p.logger.Debug().Str("location", location).Msg("invalidated content")
	return true
}

// InvalidateAll empties the content cache, discards fetches in flight and
// returns the number of dropped entries.
func (p *Pipeline) InvalidateAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.epoch++
	for location := range p.loading {
		p.group.Forget(location)
	}
	n := len(p.content)
	p.content = make(map[string][]byte)
	return n
}

// Cached returns the cached locations, sorted.
func (p *Pipeline) Cached() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.content))
	for location := range p.content {
		out = append(out, location)
	}
	sort.Strings(out)
	return out
}

// Bindings reads the whole binding table.
func (p *Pipeline) Bindings(ctx context.Context) (engine.Bindings, error) {
	return p.store.Load(ctx)
}

// Binding returns the location bound to id.
func (p *Pipeline) Binding(ctx context.Context, id string) (string, error) {
	table, err := p.store.Load(ctx)
	if err != nil {
		return "", err
	}
	location, ok := table[id]
	if !ok || location == "" {
		return "", &engine.UnboundIdentifierError{ScriptID: id}
	}
	return location, nil
}

// SetBinding binds id to location.
func (p *Pipeline) SetBinding(ctx context.Context, id, location string) error {
	if id == "" {
		return fmt.Errorf("script id must not be empty")
	}
	if location == "" {
		return fmt.Errorf("location for %q must not be empty", id)
	}
	err := p.store.Update(ctx, func(table engine.Bindings) error {
		table[id] = location
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Info().Str("script", id).Str("location", location).Msg("binding set")
	return nil
}

// RemoveBinding removes the binding for id. Removing an unbound id fails
// with *engine.UnboundIdentifierError.
func (p *Pipeline) RemoveBinding(ctx context.Context, id string) error {
	err := p.store.Update(ctx, func(table engine.Bindings) error {
		if _, ok := table[id]; !ok {
			return &engine.UnboundIdentifierError{ScriptID: id}
		}
		delete(table, id)
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Info().Str("script", id).Msg("binding removed")
	return nil
}
