// Package fetch retrieves raw script content from locations.
//
// A location is a URL. Fetchers are registered per scheme on a Mux:
//
//	file:///srv/scripts/echo.star
//	https://scripts.example.com/echo.star
//	sftp://deploy@build-host:22/opt/scripts/echo.star
//
// A location without a scheme is treated as a local file path.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/webscript/pkg/engine"
	"github.com/openfroyo/webscript/pkg/telemetry"
)

// DefaultMaxBytes bounds the size of fetched content.
const DefaultMaxBytes = 4 << 20

// Mux dispatches fetches by URL scheme.
type Mux struct {
	mu       sync.RWMutex
	fetchers map[string]engine.Fetcher
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

var (
	_ engine.Fetcher = (*Mux)(nil)
	_ engine.Storer  = (*Mux)(nil)
)

// NewMux creates an empty scheme mux.
func NewMux(logger zerolog.Logger, metrics *telemetry.Metrics) *Mux {
	return &Mux{
		fetchers: make(map[string]engine.Fetcher),
		logger:   logger.With().Str("component", "fetch").Logger(),
		metrics:  metrics,
	}
}

// Handle registers f for scheme, replacing any earlier registration.
func (m *Mux) Handle(scheme string, f engine.Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchers[strings.ToLower(scheme)] = f
}

// Schemes returns the registered schemes.
func (m *Mux) Schemes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.fetchers))
	for s := range m.fetchers {
		out = append(out, s)
	}
	return out
}

// Fetch implements engine.Fetcher. Every failure is reported as
// *engine.FetchError carrying location.
func (m *Mux) Fetch(ctx context.Context, location string) ([]byte, error) {
	scheme := Scheme(location)

	m.mu.RLock()
	f, ok := m.fetchers[scheme]
	m.mu.RUnlock()
	if !ok {
		m.metrics.RecordFetch(scheme, "unsupported", 0)
		return nil, &engine.FetchError{Location: location, Err: fmt.Errorf("unsupported scheme %q", scheme)}
	}

	timer := telemetry.NewTimer()
	body, err := f.Fetch(ctx, location)
	if err != nil {
		m.metrics.RecordFetch(scheme, "error", timer.Duration())
		m.logger.Debug().Err(err).Str("location", location).Msg("fetch failed")
		return nil, asFetchError(location, err)
	}

	m.metrics.RecordFetch(scheme, "ok", timer.Duration())
	m.logger.Debug().
		Str("location", location).
		Int("bytes", len(body)).
		Dur("duration", timer.Duration()).
		Msg("fetched")
	return body, nil
}

// Store implements engine.Storer by dispatching to the fetcher of the
// location's scheme. Schemes whose fetcher cannot write report
// *engine.ReadOnlyError.
func (m *Mux) Store(ctx context.Context, location string, body []byte) error {
	scheme := Scheme(location)

	m.mu.RLock()
	f := m.fetchers[scheme]
	m.mu.RUnlock()
	storer, ok := f.(engine.Storer)
	if !ok {
		return &engine.ReadOnlyError{Location: location}
	}

	if err := storer.Store(ctx, location, body); err != nil {
		m.logger.Debug().Err(err).Str("location", location).Msg("store failed")
		return asFetchError(location, err)
	}
	m.logger.Info().Str("location", location).Int("bytes", len(body)).Msg("stored")
	return nil
}

// Scheme returns the lower-cased scheme of location, or "file" when it has
// none.
func Scheme(location string) string {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// a single letter is a Windows drive, not a scheme
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

func asFetchError(location string, err error) error {
	var fe *engine.FetchError
	if errors.As(err, &fe) {
		return err
	}
	var te *engine.TimeoutError
	if errors.As(err, &te) {
		return err
	}
	var ro *engine.ReadOnlyError
	if errors.As(err, &ro) {
		return err
	}
	return &engine.FetchError{Location: location, Err: err}
}

// readAll reads r up to max bytes, honouring ctx between reads.
func readAll(ctx context.Context, r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxBytes
	}

	var out []byte
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			if int64(len(out)+n) > max {
				return nil, fmt.Errorf("content exceeds %d bytes", max)
			}
			out = append(out, buf[:n]...)
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
