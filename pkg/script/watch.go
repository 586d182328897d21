package script

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/webscript/pkg/fetch"
)

// Watch invalidates cached content of local file locations when the file
// changes on disk, until ctx ends. Directories are watched as file
// locations enter the cache.
func (p *Pipeline) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	p.watchMu.Lock()
	if p.watcher != nil {
		p.watchMu.Unlock()
		_ = watcher.Close()
		return fmt.Errorf("already watching")
	}
	p.watcher = watcher
	p.watchMu.Unlock()

	for _, location := range p.Cached() {
		p.watchLocation(location)
	}

	go p.processEvents(ctx, watcher)

	p.logger.Info().Msg("Watching local script files")
	return nil
}

// watchLocation adds the directory of a cached file location to the
// watcher.
func (p *Pipeline) watchLocation(location string) {
	path, ok := p.localPath(location)
	if !ok {
		return
	}
	dir := filepath.Dir(path)

	p.watchMu.Lock()
	defer p.watchMu.Unlock()

	if p.watcher == nil || p.watched[dir] {
		return
	}
	if err := p.watcher.Add(dir); err != nil {
		p.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory")
		return
	}
	p.watched[dir] = true
}

// localPath returns the absolute path of a file location.
func (p *Pipeline) localPath(location string) (string, bool) {
	if fetch.Scheme(location) != "file" {
		return "", false
	}
	path, err := fetch.FilePath(location)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(path) && p.fileRoot != "" {
		path = filepath.Join(p.fileRoot, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	return abs, true
}

func (p *Pipeline) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() {
		p.watchMu.Lock()
		_ = watcher.Close()
		p.watcher = nil
		p.watched = make(map[string]bool)
		p.watchMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			p.invalidatePath(filepath.Clean(event.Name))

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// invalidatePath drops every cached location that names path.
func (p *Pipeline) invalidatePath(path string) {
	for _, location := range p.Cached() {
		if local, ok := p.localPath(location); ok && local == path {
			if p.Invalidate(location) {
				p.logger.Info().Str("location", location).Msg("Script changed on disk")
			}
		}
	}
}
