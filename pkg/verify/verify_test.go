package verify

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/corvus-build/pipcache/pkg/artifact"
	"github.com/corvus-build/pipcache/pkg/fingerprint"
	"github.com/corvus-build/pipcache/pkg/logging"
)

func writeTempFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func hashBytes(b []byte) fingerprint.ContentHash {
	sum := sha256.Sum256(b)
	return fingerprint.ContentHash{Type: fingerprint.HashTypeSHA256, Bytes: sum}
}

func TestVerifySourceFileMatch(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello world")
	path := writeTempFile(t, dir, "a.txt", content)

	v := New(logging.NewLogger(logging.LevelDisabled))
	f := artifact.FileArtifact{Path: path}
	mismatch, err := v.VerifySourceFile(f, hashBytes(content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mismatch != nil {
		t.Fatalf("expected no mismatch, got %+v", mismatch)
	}
}

func TestVerifySourceFileContentMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "a.txt", []byte("actual content"))

	v := New(logging.NewLogger(logging.LevelDisabled))
	f := artifact.FileArtifact{Path: path}
	mismatch, err := v.VerifySourceFile(f, hashBytes([]byte("expected content")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mismatch == nil {
		t.Fatalf("expected a mismatch")
	}
	if mismatch.Kind != SourceFileMismatch {
		t.Fatalf("expected SourceFileMismatch for a source artifact, got %v", mismatch.Kind)
	}
}

func TestVerifySourceFileExpectedExistence(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.txt")

	v := New(logging.NewLogger(logging.LevelDisabled))
	f := artifact.FileArtifact{Path: missing}
	mismatch, err := v.VerifySourceFile(f, hashBytes([]byte("something")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mismatch == nil || mismatch.Kind != ExpectedExistenceMismatch {
		t.Fatalf("expected ExpectedExistenceMismatch, got %+v", mismatch)
	}
}

func TestVerifySourceFileExpectedNonExistence(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "a.txt", []byte("shouldn't be here"))

	v := New(logging.NewLogger(logging.LevelDisabled))
	f := artifact.FileArtifact{Path: path}
	mismatch, err := v.VerifySourceFile(f, fingerprint.AbsentFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mismatch == nil || mismatch.Kind != ExpectedNonExistenceMismatch {
		t.Fatalf("expected ExpectedNonExistenceMismatch, got %+v", mismatch)
	}
}

func TestVerifySourceFileAbsentFileMatchesMissing(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.txt")

	v := New(logging.NewLogger(logging.LevelDisabled))
	f := artifact.FileArtifact{Path: missing}
	mismatch, err := v.VerifySourceFile(f, fingerprint.AbsentFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mismatch != nil {
		t.Fatalf("expected no mismatch for absent file matching AbsentFile expectation, got %+v", mismatch)
	}
}

func TestVerifyAllCollectsAllMismatches(t *testing.T) {
	dir := t.TempDir()
	okPath := writeTempFile(t, dir, "ok.txt", []byte("ok content"))
	badPath := writeTempFile(t, dir, "bad.txt", []byte("actual"))

	okArtifact := artifact.FileArtifact{Path: okPath}
	badArtifact := artifact.FileArtifact{Path: badPath}

	expected := map[artifact.FileArtifact]fingerprint.ContentHash{
		okArtifact:  hashBytes([]byte("ok content")),
		badArtifact: hashBytes([]byte("expected")),
	}

	v := New(logging.NewLogger(logging.LevelDisabled))
	mismatches, err := v.VerifyAll(expected)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Artifact != badArtifact {
		t.Fatalf("expected exactly one mismatch for %+v, got %+v", badArtifact, mismatches)
	}
}
