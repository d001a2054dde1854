package sealeddir

import (
	"testing"

	"github.com/corvus-build/pipcache/pkg/artifact"
	"github.com/corvus-build/pipcache/pkg/logging"
)

func TestRegisterStaticIdempotent(t *testing.T) {
	r := New(logging.NewLogger(logging.LevelDisabled))
	dir := artifact.DirectoryArtifact{Path: "/root"}
	contents := []artifact.FileArtifact{
		{Path: "/root/a", RewriteCount: 1},
		{Path: "/root/b", RewriteCount: 1},
	}

	if err := r.RegisterStatic(dir, contents); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.RegisterStatic(dir, contents); err != nil {
		t.Fatalf("idempotent re-register: %v", err)
	}

	got := r.ListContents(dir)
	if len(got) != 2 || got[0].Path != "/root/a" || got[1].Path != "/root/b" {
		t.Fatalf("unexpected contents: %+v", got)
	}
}

func TestRegisterStaticConflictingRewriteCount(t *testing.T) {
	r := New(logging.NewLogger(logging.LevelDisabled))
	dir := artifact.DirectoryArtifact{Path: "/root"}

	if err := r.RegisterStatic(dir, []artifact.FileArtifact{{Path: "/root/a", RewriteCount: 1}}); err != nil {
		t.Fatalf("first register: %v", err)
	}

	dir2 := artifact.DirectoryArtifact{Path: "/root", PartialSealID: 2}
	if err := r.RegisterStatic(dir2, []artifact.FileArtifact{{Path: "/root/a", RewriteCount: 2}}); err == nil {
		t.Fatalf("expected conflict error for re-sealed path with different rewrite count")
	}
}

func TestRegisterDynamicSetOrGet(t *testing.T) {
	r := New(logging.NewLogger(logging.LevelDisabled))
	dir := artifact.DirectoryArtifact{Path: "/opaque", IsSharedOpaque: false}

	first := []artifact.FileArtifact{{Path: "/opaque/out", RewriteCount: 1}}
	got1, err := r.RegisterDynamic(dir, first)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}

	second := []artifact.FileArtifact{{Path: "/opaque/different", RewriteCount: 1}}
	got2, err := r.RegisterDynamic(dir, second)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}

	if len(got2) != 1 || got2[0].Path != got1[0].Path {
		t.Fatalf("expected set-or-get to return the first winner's contents, got %+v", got2)
	}

	if dyn, ok := r.DynamicDirectoryOf(first[0]); !ok || dyn != dir {
		t.Fatalf("expected reverse map to point back to %+v, got %+v (ok=%v)", dir, dyn, ok)
	}
}

func TestListContentsMissingDynamicReturnsEmpty(t *testing.T) {
	r := New(logging.NewLogger(logging.LevelDisabled))
	dir := artifact.DirectoryArtifact{Path: "/opaque"}

	got := r.ListContents(dir)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice for unregistered dynamic directory, got %+v", got)
	}
}

func TestTrySourceSealAncestor(t *testing.T) {
	r := New(logging.NewLogger(logging.LevelDisabled))
	srcDir := artifact.DirectoryArtifact{Path: "/src"}
	r.RegisterSourceSeal(srcDir, true)

	dir, ok := r.TrySourceSealAncestor("/src/nested/file.go")
	if !ok || dir != srcDir {
		t.Fatalf("expected to find source seal ancestor, got %+v (ok=%v)", dir, ok)
	}

	if _, ok := r.TrySourceSealAncestor("/other/file.go"); ok {
		t.Fatalf("expected no source seal ancestor for unrelated path")
	}
}

func TestTrySourceSealAncestorTopOnly(t *testing.T) {
	r := New(logging.NewLogger(logging.LevelDisabled))
	srcDir := artifact.DirectoryArtifact{Path: "/src"}
	r.RegisterSourceSeal(srcDir, false)

	if _, ok := r.TrySourceSealAncestor("/src/direct.go"); !ok {
		t.Fatalf("expected top-level file to match top-only source seal")
	}
	if _, ok := r.TrySourceSealAncestor("/src/nested/deep.go"); ok {
		t.Fatalf("expected nested file to not match top-only source seal")
	}
}
