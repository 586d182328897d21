// Package locator finds source candidates for identifiers.
package locator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openfroyo/webscript/pkg/engine"
)

// DefaultExtensions maps the file extensions a DirLocator tries to languages.
var DefaultExtensions = map[string]string{
	".star": engine.LanguageStarlark,
	".wasm": engine.LanguageWASM,
}

var defaultOrder = []string{".star", ".wasm"}

// DirLocator finds "<identifier>.star" and "<identifier>.wasm" in a file
// tree. Identifiers may contain "/" to address subdirectories.
type DirLocator struct {
	fsys fs.FS
	root string
}

var _ engine.SourceLocator = (*DirLocator)(nil)

// NewDirLocator creates a locator rooted at dir.
func NewDirLocator(dir string) *DirLocator {
	return &DirLocator{fsys: os.DirFS(dir), root: dir}
}

// NewFSLocator creates a locator over fsys.
func NewFSLocator(fsys fs.FS) *DirLocator {
	return &DirLocator{fsys: fsys}
}

// Locate implements engine.SourceLocator. A missing file is not an error;
// an identifier with no files yields no candidates.
func (l *DirLocator) Locate(ctx context.Context, identifier string) ([]engine.Source, error) {
	name := strings.TrimPrefix(identifier, "/")
	if name == "" || !fs.ValidPath(name) {
		return nil, nil
	}

	var sources []engine.Source
	for _, ext := range defaultOrder {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		file := name + ext
		body, err := fs.ReadFile(l.fsys, file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &engine.FetchError{Location: l.origin(file), Err: err}
		}
		sources = append(sources, engine.Source{
			Origin:   l.origin(file),
			Language: DefaultExtensions[ext],
			Body:     body,
		})
	}
	return sources, nil
}

func (l *DirLocator) origin(file string) string {
	if l.root == "" {
		return file
	}
	return filepath.Join(l.root, filepath.FromSlash(file))
}

// MapLocator serves sources from memory. It is safe for concurrent use.
type MapLocator struct {
	mu      sync.RWMutex
	sources map[string][]engine.Source
}

var _ engine.SourceLocator = (*MapLocator)(nil)

// NewMapLocator creates an empty in-memory locator.
func NewMapLocator() *MapLocator {
	return &MapLocator{sources: make(map[string][]engine.Source)}
}

// Add appends a candidate for identifier.
func (l *MapLocator) Add(identifier string, src engine.Source) {
	if src.Origin == "" {
		src.Origin = fmt.Sprintf("mem:%s", identifier)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[identifier] = append(l.sources[identifier], src)
}

// AddStarlark appends a Starlark candidate for identifier.
func (l *MapLocator) AddStarlark(identifier, body string) {
	l.Add(identifier, engine.Source{Language: engine.LanguageStarlark, Body: []byte(body)})
}

// Remove drops every candidate for identifier.
func (l *MapLocator) Remove(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sources, identifier)
}

// Locate implements engine.SourceLocator.
func (l *MapLocator) Locate(_ context.Context, identifier string) ([]engine.Source, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]engine.Source(nil), l.sources[identifier]...), nil
}
