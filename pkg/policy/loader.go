package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 300 * time.Millisecond

// Loader reads gate policies from .rego files and JSON policy definitions.
// Files are re-parsed only when their size or modification time changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	files map[string]loadedFile
}

type loadedFile struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// NewLoader creates a loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		files:  make(map[string]loadedFile),
	}
}

// isPolicyFile reports whether name has a policy file extension.
func isPolicyFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".rego" || ext == ".json"
}

// Load reads every policy under paths. A path may be a policy file or a
// directory, which is walked recursively. Two files defining the same
// policy name are an error.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	origin := make(map[string]string)

	for _, root := range paths {
		files, err := policyFiles(root)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p, err := l.file(file)
			if err != nil {
				return nil, err
			}
			if prev, dup := origin[p.Name]; dup {
				return nil, fmt.Errorf("policy %q is defined in both %s and %s", p.Name, prev, file)
			}
			origin[p.Name] = file
			policies = append(policies, p)
		}
	}

	l.forget(origin)
	l.logger.Debug().Int("policies", len(policies)).Strs("paths", paths).Msg("Policies read")
	return policies, nil
}

// policyFiles lists the policy files at root in lexical order.
func policyFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("policy path %s: %w", root, err)
	}
	if !info.IsDir() {
		if !isPolicyFile(root) {
			return nil, fmt.Errorf("unsupported policy file %s: want .rego or .json", root)
		}
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("policy path %s: %w", root, err)
	}
	return files, nil
}

// file returns the policy in path, reusing the last parse when the file is
// unchanged.
func (l *Loader) file(path string) (Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
	}

	l.mu.Lock()
	cached, ok := l.files[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	p, err := parsePolicy(path, data)
	if err != nil {
		return Policy{}, err
	}
	p.UpdatedAt = info.ModTime()

	l.mu.Lock()
	l.files[path] = loadedFile{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()
	return p, nil
}

// forget drops cached files that the last load did not see.
func (l *Loader) forget(seen map[string]string) {
	keep := make(map[string]bool, len(seen))
	for _, file := range seen {
		keep[file] = true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for path := range l.files {
		if !keep[path] {
			delete(l.files, path)
		}
	}
}

// parsePolicy builds a policy from a file. A .rego file is named after the
// file and described by its leading comment block; a .json file holds a
// full Policy.
func parsePolicy(path string, data []byte) (Policy, error) {
	switch filepath.Ext(path) {
	case ".rego":
		return Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
			Description: regoDescription(string(data)),
			Rego:        string(data),
			Severity:    SeverityError,
			Enabled:     true,
			Metadata:    map[string]interface{}{"source": path},
		}, nil

	case ".json":
		p := Policy{Enabled: true}
		if err := json.Unmarshal(data, &p); err != nil {
			return Policy{}, fmt.Errorf("policy file %s: %w", path, err)
		}
		if p.Name == "" {
			return Policy{}, fmt.Errorf("policy file %s: name is required", path)
		}
		if strings.TrimSpace(p.Rego) == "" {
			return Policy{}, fmt.Errorf("policy file %s: rego is required", path)
		}
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		return p, nil

	default:
		return Policy{}, fmt.Errorf("unsupported policy file %s: want .rego or .json", path)
	}
}

// regoDescription joins the comment lines that precede the first
// statement of a Rego module.
func regoDescription(src string) string {
	var parts []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(parts) > 0 {
				break
			}
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		if comment = strings.TrimSpace(comment); comment != "" {
			parts = append(parts, comment)
		}
	}
	return strings.Join(parts, " ")
}

// Watch calls apply with a fresh Load of paths whenever a policy file under
// them is written, created, removed or renamed, until ctx ends. A failed
// reload is logged and the previous policies stay in force.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	var dirs []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("policy path %s: %w", root, err)
		}
		if !info.IsDir() {
			// editors replace files, so the parent is watched
			dirs = append(dirs, filepath.Dir(root))
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				dirs = append(dirs, path)
			}
			return err
		})
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("policy path %s: %w", root, err)
		}
	}

	slices.Sort(dirs)
	for _, dir := range slices.Compact(dirs) {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	go l.watch(ctx, watcher, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy files")
	return nil
}

func (l *Loader) watch(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer watcher.Close()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	timer := time.NewTimer(reloadDelay)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&relevant == 0 || !isPolicyFile(event.Name) || !under(event.Name, paths) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			timer.Reset(reloadDelay)

		case <-timer.C:
			policies, err := l.Load(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed; keeping previous policies")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}

// under reports whether name is one of paths or lies beneath one of them.
func under(name string, paths []string) bool {
	for _, p := range paths {
		rel, err := filepath.Rel(p, name)
		if err == nil && (rel == "." || !strings.HasPrefix(rel, "..")) {
			return true
		}
	}
	return false
}
