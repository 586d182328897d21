package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/magiconair/properties"

	"github.com/openfroyo/webscript/pkg/engine"
)

// PropertiesStore implements engine.BindingStore on a properties file with
// one "scriptId=location" entry per binding. A missing file is an empty
// table. Writes replace the file atomically.
type PropertiesStore struct {
	path string
	mu   sync.RWMutex
}

var _ engine.BindingStore = (*PropertiesStore)(nil)

// NewPropertiesStore creates a store backed by path.
func NewPropertiesStore(path string) *PropertiesStore {
	return &PropertiesStore{path: path}
}

// Path returns the backing file.
func (s *PropertiesStore) Path() string {
	return s.path
}

// Load implements engine.BindingStore. The file is read on every call.
func (s *PropertiesStore) Load(_ context.Context) (engine.Bindings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, err := s.read()
	if err != nil {
		return nil, storeError("load", err)
	}
	return b, nil
}

// Update implements engine.BindingStore.
func (s *PropertiesStore) Update(_ context.Context, fn func(engine.Bindings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.read()
	if err != nil {
		return storeError("update", err)
	}
	if err := fn(table); err != nil {
		return err
	}
	if err := s.write(table); err != nil {
		return storeError("update", err)
	}
	return nil
}

func (s *PropertiesStore) read() (engine.Bindings, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return engine.Bindings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	loader := properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return engine.Bindings(p.Map()), nil
}

func (s *PropertiesStore) write(table engine.Bindings) error {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := properties.NewProperties()
	p.DisableExpansion = true
	for _, k := range keys {
		if _, _, err := p.Set(k, table[k]); err != nil {
			return fmt.Errorf("failed to set %s: %w", k, err)
		}
	}

	var buf bytes.Buffer
	if _, err := p.Write(&buf, properties.UTF8); err != nil {
		return fmt.Errorf("failed to encode bindings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write bindings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}
