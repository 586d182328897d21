package fetch

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileFetcher reads local files.
type FileFetcher struct {
	// Root, when set, confines fetches to files beneath it.
	Root string

	// MaxBytes bounds the file size. Defaults to DefaultMaxBytes.
	MaxBytes int64
}

// Fetch reads the file named by a file: URL or a plain path.
func (f *FileFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	path, err := FilePath(location)
	if err != nil {
		return nil, err
	}
	if f.Root != "" {
		if path, err = f.confine(path); err != nil {
			return nil, err
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readAll(ctx, file, f.MaxBytes)
}

// Store replaces the file named by location. The content is written to a
// temporary file in the same directory and renamed into place.
func (f *FileFetcher) Store(_ context.Context, location string, body []byte) error {
	path, err := FilePath(location)
	if err != nil {
		return err
	}
	if f.Root != "" {
		if path, err = f.confine(path); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (f *FileFetcher) confine(path string) (string, error) {
	root, err := filepath.Abs(f.Root)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	rel, err := filepath.Rel(root, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", path, root)
	}
	return filepath.Join(root, rel), nil
}

// FilePath returns the local path named by location.
func FilePath(location string) (string, error) {
	if Scheme(location) != "file" {
		return "", fmt.Errorf("not a file location: %s", location)
	}
	if !strings.HasPrefix(strings.ToLower(location), "file:") {
		return filepath.FromSlash(location), nil
	}

	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid file location %q: %w", location, err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("remote file host %q is not supported", u.Host)
	}
	path := u.Path
	if path == "" {
		// file:relative/path
		path = u.Opaque
	}
	if path == "" {
		return "", fmt.Errorf("empty file location %q", location)
	}
	return filepath.FromSlash(path), nil
}
