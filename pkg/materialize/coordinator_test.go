package materialize

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/corvus-build/pipcache/pkg/artifact"
	"github.com/corvus-build/pipcache/pkg/config"
	"github.com/corvus-build/pipcache/pkg/content"
	"github.com/corvus-build/pipcache/pkg/filehash"
	"github.com/corvus-build/pipcache/pkg/fingerprint"
	"github.com/corvus-build/pipcache/pkg/logging"
	"github.com/corvus-build/pipcache/pkg/sealeddir"
)

// fakeStore is a minimal in-memory content.Store for coordinator tests.
type fakeStore struct {
	mu        sync.Mutex
	blobs     map[fingerprint.ContentHash][]byte
	available map[fingerprint.ContentHash]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		blobs:     make(map[fingerprint.ContentHash][]byte),
		available: make(map[fingerprint.ContentHash]bool),
	}
}

func (s *fakeStore) put(data []byte) fingerprint.ContentHash {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := fingerprint.Of(data)
	s.blobs[hash] = data
	s.available[hash] = true
	return hash
}

func (s *fakeStore) LoadAvailable(ctx context.Context, hashes []fingerprint.ContentHash) (content.AvailabilityReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report := content.AvailabilityReport{PerHash: make(map[fingerprint.ContentHash]content.PerHashAvailability), AllAvailable: true}
	for _, h := range hashes {
		avail := s.available[h]
		report.PerHash[h] = content.PerHashAvailability{Available: avail}
		if !avail {
			report.AllAvailable = false
		}
	}
	return report, nil
}

func (s *fakeStore) StoreBytes(ctx context.Context, data []byte, expected *fingerprint.ContentHash) (fingerprint.ContentHash, error) {
	return s.put(data), nil
}

func (s *fakeStore) StoreStream(ctx context.Context, r io.Reader, expected *fingerprint.ContentHash) (fingerprint.ContentHash, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return fingerprint.ContentHash{}, err
	}
	return s.put(data), nil
}

func (s *fakeStore) OpenStream(ctx context.Context, hash fingerprint.ContentHash) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(newByteReader(data)), nil
}

func (s *fakeStore) Materialize(ctx context.Context, hash fingerprint.ContentHash, mode content.RealizationMode, targetPath string, track bool) (content.MaterializeResult, error) {
	s.mu.Lock()
	data, ok := s.blobs[hash]
	s.mu.Unlock()
	if !ok {
		return content.MaterializeResult{}, os.ErrNotExist
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return content.MaterializeResult{}, err
	}
	if err := os.WriteFile(targetPath, data, 0o644); err != nil {
		return content.MaterializeResult{}, err
	}
	return content.MaterializeResult{Origin: content.DeployedFromCache}, nil
}

func (s *fakeStore) Contains(hash fingerprint.ContentHash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available[hash], nil
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// fakeHost is a minimal HostAdapter for coordinator tests.
type fakeHost struct {
	copySources map[artifact.FileArtifact]artifact.FileArtifact
}

func (h fakeHost) HashLocalFile(path string) (fingerprint.ContentHash, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fingerprint.ContentHash{}, false, nil
		}
		return fingerprint.ContentHash{}, false, err
	}
	return fingerprint.Of(data), true, nil
}

func (h fakeHost) CopySourceOf(f artifact.FileArtifact) (artifact.FileArtifact, bool) {
	src, ok := h.copySources[f]
	return src, ok
}

func newCoordinator(t *testing.T, store *fakeStore, host HostAdapter) *Coordinator {
	t.Helper()
	cfg := config.Default()
	cfg.MaterializationConcurrency = 4
	logger := logging.NewLogger(logging.LevelDisabled)
	hashes := filehash.New(logger, filehash.Strict)
	seals := sealeddir.New(logger)
	return New(store, hashes, seals, host, cfg, logger)
}

func TestMaterializeDependenciesPlacesFile(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	hash := store.put([]byte("payload"))
	coord := newCoordinator(t, store, fakeHost{})

	target := filepath.Join(dir, "out.txt")
	report, err := coord.MaterializeDependencies(context.Background(), Request{
		Files: []FileRequest{{
			Artifact:     artifact.FileArtifact{Path: target},
			ExpectedHash: hash,
			TargetPath:   target,
		}},
	})
	if err != nil {
		t.Fatalf("MaterializeDependencies: %v", err)
	}
	if len(report.Files) != 1 || report.Files[0].Err != nil {
		t.Fatalf("unexpected report: %+v", report.Files)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("expected file to be placed: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestMaterializeDependenciesDeletesAbsentExpected(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "stale.txt")
	if err := os.WriteFile(target, []byte("old"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	store := newFakeStore()
	coord := newCoordinator(t, store, fakeHost{})

	report, err := coord.MaterializeDependencies(context.Background(), Request{
		Files: []FileRequest{{
			Artifact:     artifact.FileArtifact{Path: target},
			ExpectedHash: fingerprint.AbsentFile,
			TargetPath:   target,
		}},
	})
	if err != nil {
		t.Fatalf("MaterializeDependencies: %v", err)
	}
	if len(report.Files) != 1 || report.Files[0].Err != nil {
		t.Fatalf("unexpected report: %+v", report.Files)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("expected stale file to be removed")
	}
}

func TestMaterializeDependenciesCleansDirectoryPreservingDeclared(t *testing.T) {
	dir := t.TempDir()
	keepArtifact := artifact.FileArtifact{Path: filepath.Join(dir, "keep.txt")}
	if err := os.WriteFile(keepArtifact.Path, []byte("keep"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	stalePath := filepath.Join(dir, "stale.txt")
	if err := os.WriteFile(stalePath, []byte("stale"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	store := newFakeStore()
	hash := store.put([]byte("keep"))
	coord := newCoordinator(t, store, fakeHost{})

	_, err := coord.MaterializeDependencies(context.Background(), Request{
		Directories: []DirectoryRequest{{
			Directory:     artifact.DirectoryArtifact{Path: dir},
			DeclaredFiles: []artifact.FileArtifact{keepArtifact},
		}},
		Files: []FileRequest{{
			Artifact:     keepArtifact,
			ExpectedHash: hash,
			TargetPath:   keepArtifact.Path,
			ReuseOutputsOnDisk: true,
		}},
	})
	if err != nil {
		t.Fatalf("MaterializeDependencies: %v", err)
	}

	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Fatalf("expected stale undeclared file to be cleaned from directory")
	}
	if _, err := os.Stat(keepArtifact.Path); err != nil {
		t.Fatalf("expected declared file to survive cleanup: %v", err)
	}
	if !coord.IsDirectoryMaterialized(artifact.DirectoryArtifact{Path: dir}) {
		t.Fatalf("expected directory to be marked materialized once all declared files succeed")
	}
}

func TestMaterializeDependenciesReportsUnavailableContent(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	var missing fingerprint.ContentHash
	missing.Type = fingerprint.HashTypeSHA256
	missing.Bytes[0] = 0xAB

	coord := newCoordinator(t, store, fakeHost{})
	target := filepath.Join(dir, "out.txt")

	report, err := coord.MaterializeDependencies(context.Background(), Request{
		Files: []FileRequest{{
			Artifact:     artifact.FileArtifact{Path: target},
			ExpectedHash: missing,
			TargetPath:   target,
		}},
	})
	if err != nil {
		t.Fatalf("MaterializeDependencies: %v", err)
	}
	if len(report.Files) != 1 || report.Files[0].Err == nil {
		t.Fatalf("expected an error outcome for unavailable content, got %+v", report.Files)
	}
}

func TestPlaceOneRewriteOrdering(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	firstHash := store.put([]byte("v1"))
	secondHash := store.put([]byte("v2"))
	coord := newCoordinator(t, store, fakeHost{})

	target := filepath.Join(dir, "rewritten.txt")
	path := target

	firstOutcome := coord.placeOne(context.Background(), FileRequest{
		Artifact:     artifact.FileArtifact{Path: path, RewriteCount: 0},
		ExpectedHash: firstHash,
		TargetPath:   target,
	})
	if firstOutcome.Err != nil {
		t.Fatalf("first placement: %v", firstOutcome.Err)
	}

	secondOutcome := coord.placeOne(context.Background(), FileRequest{
		Artifact:     artifact.FileArtifact{Path: path, RewriteCount: 1},
		ExpectedHash: secondHash,
		TargetPath:   target,
	})
	if secondOutcome.Err != nil {
		t.Fatalf("second placement: %v", secondOutcome.Err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(data) != "v2" {
		t.Fatalf("expected final content to reflect the later rewrite, got %q", data)
	}
}
