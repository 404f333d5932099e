package hostmodule

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestFS_ReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	mod := NewFS()

	if _, err := mod.Functions["writeFile"](context.Background(), nil, []any{path, "contents"}); err != nil {
		t.Fatalf("writeFile failed: %v", err)
	}

	results, err := mod.Functions["readFile"](context.Background(), nil, []any{path})
	if err != nil {
		t.Fatalf("readFile failed: %v", err)
	}
	if len(results) != 1 || results[0] != "contents" {
		t.Fatalf("results = %#v, want [\"contents\"]", results)
	}
}

func TestFS_ReadFile_NotFound(t *testing.T) {
	dir := t.TempDir()
	mod := NewFS()
	_, err := mod.Functions["readFile"](context.Background(), nil, []any{filepath.Join(dir, "missing.txt")})
	if err == nil {
		t.Fatal("expected error reading a nonexistent file")
	}
}

func TestFS_ReadDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	mod := NewFS()
	results, err := mod.Functions["readDir"](context.Background(), nil, []any{dir})
	if err != nil {
		t.Fatalf("readDir failed: %v", err)
	}
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.(string)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Fatalf("names = %v, want [a.txt b.txt]", names)
	}
}

func TestFS_RemoveFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	mod := NewFS()
	if _, err := mod.Functions["removeFile"](context.Background(), nil, []any{path}); err != nil {
		t.Fatalf("removeFile failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file should no longer exist after removeFile")
	}
}

func TestFS_Metadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	mod := NewFS()
	results, err := mod.Functions["metadata"](context.Background(), nil, []any{path})
	if err != nil {
		t.Fatalf("metadata failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("metadata returned %d values, want 3", len(results))
	}
	size, ok := results[0].(float64)
	if !ok || size != 5 {
		t.Errorf("size = %v, want 5", results[0])
	}
	isDir, ok := results[1].(bool)
	if !ok || isDir {
		t.Errorf("isDir = %v, want false", results[1])
	}
	if _, ok := results[2].(float64); !ok {
		t.Errorf("modifiedUnix = %T, want float64", results[2])
	}
}

func TestFS_Metadata_Dir(t *testing.T) {
	dir := t.TempDir()
	mod := NewFS()
	results, err := mod.Functions["metadata"](context.Background(), nil, []any{dir})
	if err != nil {
		t.Fatalf("metadata failed: %v", err)
	}
	if isDir, _ := results[1].(bool); !isDir {
		t.Error("isDir should be true for a directory")
	}
}
