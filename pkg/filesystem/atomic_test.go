package filesystem

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicCreatesFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	if err := WriteFileAtomic(target, []byte("hello"), 0600); err != nil {
		t.Fatal("unable to write file:", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal("unable to read written file:", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestWriteFileAtomicReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	if err := os.WriteFile(target, []byte("old"), 0600); err != nil {
		t.Fatal("setup:", err)
	}
	if err := WriteFileAtomic(target, []byte("new"), 0600); err != nil {
		t.Fatal("unable to write file:", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal("unable to read written file:", err)
	}
	if string(data) != "new" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestRenameRejectsEmptyPaths(t *testing.T) {
	if err := Rename("", "target"); err == nil {
		t.Fatal("expected error for empty source")
	}
	if err := Rename("source", ""); err == nil {
		t.Fatal("expected error for empty target")
	}
}
