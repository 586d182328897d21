// Package registry provides a concurrent, name-keyed table of executables.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/openfroyo/webscript/pkg/engine"
)

// Registry maps identifiers to executables. It is safe for concurrent use;
// registering an identifier twice replaces the earlier entry.
//
// Identifiers may carry a semantic version suffix ("tax@1.2.0"). Lookup
// accepts version constraints in place of an exact version; prereleases
// order below their release:
//   - Latest: "tax" (when no unversioned entry exists), "tax@latest"
//   - Tilde range: "tax@~1.2" (matches 1.2.x)
//   - Caret range: "tax@^1" (matches 1.x.x)
type Registry struct {
	mu      sync.RWMutex
	entries map[string]engine.Executable
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]engine.Executable)}
}

// Register stores exe under identifier.
func (r *Registry) Register(identifier string, exe engine.Executable) error {
	if identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if exe == nil {
		return fmt.Errorf("executable for %s is nil", identifier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[identifier] = exe
	return nil
}

// Unregister removes identifier. It reports whether an entry was removed.
func (r *Registry) Unregister(identifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[identifier]; !ok {
		return false
	}
	delete(r.entries, identifier)
	return true
}

// Lookup returns the executable registered for identifier.
func (r *Registry) Lookup(identifier string) (engine.Executable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if exe, ok := r.entries[identifier]; ok {
		return exe, true
	}

	name, constraint, _ := strings.Cut(identifier, "@")
	key, err := r.resolveVersion(name, constraint)
	if err != nil {
		return nil, false
	}
	return r.entries[key], true
}

// List returns the registered identifiers in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Resolve returns the entry for name that best satisfies constraint along
// with the key it is registered under.
func (r *Registry) Resolve(name, constraint string) (engine.Executable, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, err := r.resolveVersion(name, constraint)
	if err != nil {
		return nil, "", err
	}
	return r.entries[key], key, nil
}

// resolveVersion resolves a version constraint to a registered key.
// Callers must hold r.mu.
func (r *Registry) resolveVersion(name, constraint string) (string, error) {
	switch {
	case constraint == "" || constraint == "latest":
		return r.findBest(name, func(string) bool { return true })

	case strings.HasPrefix(constraint, "~"):
		want := canonical(constraint[1:])
		if want == "" || !strings.Contains(constraint, ".") {
			return "", fmt.Errorf("invalid version format: %s", constraint)
		}
		return r.findBest(name, func(v string) bool { return semver.MajorMinor(v) == semver.MajorMinor(want) })

	case strings.HasPrefix(constraint, "^"):
		want := canonical(constraint[1:])
		if want == "" {
			return "", fmt.Errorf("invalid version format: %s", constraint)
		}
		return r.findBest(name, func(v string) bool { return semver.Major(v) == semver.Major(want) })

	default:
		want := canonical(constraint)
		if want == "" {
			return "", fmt.Errorf("%s@%s not found", name, constraint)
		}
		return r.findBest(name, func(v string) bool { return semver.Compare(v, want) == 0 })
	}
}

// findBest returns the key of the highest semantic version of name accepted
// by match. Keys whose version is not a semantic version are skipped.
func (r *Registry) findBest(name string, match func(version string) bool) (string, error) {
	var best, bestVersion string
	for key := range r.entries {
		n, raw, ok := strings.Cut(key, "@")
		if !ok || n != name {
			continue
		}
		v := canonical(raw)
		if v == "" || !match(v) {
			continue
		}
		if best == "" || semver.Compare(v, bestVersion) > 0 {
			best, bestVersion = key, v
		}
	}
	if best == "" {
		return "", fmt.Errorf("%s not found", name)
	}
	return best, nil
}

// canonical returns version in canonical "vMAJOR.MINOR.PATCH[-pre]" form,
// or "" when it is not a semantic version. The "v" prefix is optional.
func canonical(version string) string {
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return semver.Canonical(version)
}
