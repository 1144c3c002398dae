package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile creates a file with the given content under dir, creating parent
// directories as needed, and returns its path.
func WriteFile(t testing.TB, dir, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", name, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// NewMediaFile creates a small stand-in media file and returns its path.
func NewMediaFile(t testing.TB, name string) string {
	t.Helper()
	return WriteFile(t, t.TempDir(), name, []byte("not actually video data"))
}
