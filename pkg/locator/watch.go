package locator

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch calls changed with the identifier of every source file under the
// locator's directory that is written, created, removed or renamed, until
// ctx ends. Subdirectories created later are watched as they appear.
func (l *DirLocator) Watch(ctx context.Context, logger zerolog.Logger, changed func(identifier string)) error {
	if l.root == "" {
		return fmt.Errorf("locator has no directory to watch")
	}
	root, err := filepath.Abs(l.root)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := addTree(watcher, root); err != nil {
		_ = watcher.Close()
		return err
	}

	logger = logger.With().Str("component", "locator").Str("dir", root).Logger()
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) {
					// new subdirectories hold sources too
					_ = addTree(watcher, event.Name)
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if id, ok := Identifier(root, event.Name); ok {
					logger.Info().Str("identifier", id).Str("op", event.Op.String()).Msg("Function source changed")
					changed(id)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("Watcher error")
			}
		}
	}()

	logger.Info().Msg("Watching function sources")
	return nil
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// Identifier returns the identifier a source file under root serves:
// its slash-separated path relative to root without the extension.
func Identifier(root, path string) (string, bool) {
	ext := filepath.Ext(path)
	if _, ok := DefaultExtensions[ext]; !ok {
		return "", false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(strings.TrimSuffix(rel, ext)), true
}
