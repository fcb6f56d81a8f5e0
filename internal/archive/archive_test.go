package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestDeriveFilename(t *testing.T) {
	cases := []struct {
		in   string
		idx  int
		want string
	}{
		{"a.pdf", 0, "a.pdf"},
		{"dir/sub/b.pdf", 1, "b.pdf"},
		{`C:\docs\c.pdf`, 1, "c.pdf"},
		{"   ", 2, "file-3"},
		{"..", 3, "file-4"},
	}
	for _, c := range cases {
		if got := deriveFilename(c.in, c.idx); got != c.want {
			t.Fatalf("deriveFilename(%q,%d)=%q want %q", c.in, c.idx, got, c.want)
		}
	}
}

func TestBuild_SuccessAndFailures(t *testing.T) {
	entries := []Entry{
		{Name: "ok.pdf", Data: []byte("hello")},
		{Name: "empty.pdf"},
		{Name: "ok.pdf", Data: []byte("world")},
	}

	data, results, err := Build(entries)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != "" || results[1].Err == "" || results[2].Err != "" {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].Filename == results[2].Filename {
		t.Fatalf("expected unique filenames in results, got %q and %q", results[0].Filename, results[2].Filename)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("expected 2 zip entries, got %d", len(zr.File))
	}
	rc, err := zr.File[1].Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "world" || zr.File[1].Name != "ok (2).pdf" {
		t.Fatalf("unexpected second entry %q: %q", zr.File[1].Name, body)
	}
}

func TestWrite_NoEntries(t *testing.T) {
	_, err := Write(io.Discard, nil)
	if !errors.Is(err, ErrNoEntries) {
		t.Fatalf("expected ErrNoEntries, got %v", err)
	}
}
