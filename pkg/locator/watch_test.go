package locator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestIdentifier(t *testing.T) {
	root := filepath.FromSlash("/srv/functions")
	tests := []struct {
		path string
		id   string
		ok   bool
	}{
		{"/srv/functions/double.star", "double", true},
		{"/srv/functions/tools/trim.wasm", "tools/trim", true},
		{"/srv/functions/notes.txt", "", false},
		{"/srv/other/double.star", "", false},
	}
	for _, tt := range tests {
		id, ok := Identifier(root, filepath.FromSlash(tt.path))
		if id != tt.id || ok != tt.ok {
			t.Errorf("Identifier(%q) = %q, %v, want %q, %v", tt.path, id, ok, tt.id, tt.ok)
		}
	}
}

func TestDirLocator_Watch(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "tools"), 0o755); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 16)
	l := NewDirLocator(dir)
	if err := l.Watch(ctx, zerolog.Nop(), func(id string) { changed <- id }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "tools", "trim.star"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case id := <-changed:
			if id == "tools/trim" {
				return
			}
		case <-deadline:
			t.Fatal("no change reported for tools/trim.star")
		}
	}
}

func TestDirLocator_WatchWithoutDirectory(t *testing.T) {
	if err := NewFSLocator(os.DirFS(t.TempDir())).Watch(context.Background(), zerolog.Nop(), func(string) {}); err == nil {
		t.Error("Watch on an fs.FS locator should fail")
	}
}
