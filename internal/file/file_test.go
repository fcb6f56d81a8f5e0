package file

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "status.json")
	in := map[string]any{"id": "j1", "progress": 40}
	if err := WriteJSONAtomic(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	// overwrite must replace, not append
	in["progress"] = 100
	if err := WriteJSONAtomic(path, in); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	var out struct {
		ID       string `json:"id"`
		Progress int    `json:"progress"`
	}
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.ID != "j1" || out.Progress != 100 {
		t.Fatalf("unexpected content: %+v", out)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left, got %d entries", len(entries))
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b.pdf")
	if err := WriteFileAtomic(path, []byte("%PDF-1.4")); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "%PDF-1.4" {
		t.Fatalf("got %q", b)
	}
}

func TestEmptyPaths(t *testing.T) {
	if err := EnsureDir(""); err == nil {
		t.Fatalf("expected error for empty dir")
	}
	if err := WriteFileAtomic("", nil); err == nil {
		t.Fatalf("expected error for empty filename")
	}
}
