package testutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// File describes a file to materialise in a test tree. A zero ModTime leaves
// the modification time as written by the OS.
type File struct {
	Content string
	ModTime time.Time
}

// WriteTree creates files below root. Keys are slash separated relative paths.
func WriteTree(t testing.TB, root string, files map[string]File) {
	t.Helper()
	for rel, f := range files {
		WriteFile(t, root, rel, f)
	}
}

// WriteFile creates or replaces a single file below root.
func WriteFile(t testing.TB, root, rel string, f File) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	if !f.ModTime.IsZero() {
		if err := os.Chtimes(path, f.ModTime, f.ModTime); err != nil {
			t.Fatalf("chtimes %s: %v", rel, err)
		}
	}
}

// ReadTree returns the content of every regular file below root, keyed by
// slash separated relative path.
func ReadTree(t testing.TB, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("read tree %s: %v", root, err)
	}
	return out
}

// At returns a deterministic timestamp sec seconds after the Unix epoch.
func At(sec int64) time.Time {
	return time.Unix(sec, 0)
}
