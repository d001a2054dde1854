// Package filehash implements the file-hash registry (C6, spec.md §4.6):
// the map from FileArtifact identity to FileMaterializationInfo, with
// conflict detection on re-report (I1, P1). Grounded on the teacher's
// "one record per identity, conflict on mismatch" discipline
// (pkg/synchronization/core's modification-cache shape), generalized from
// path-keyed records to FileArtifact-keyed ones and backed by
// github.com/alphadose/haxmap for the concurrent maps (per SPEC_FULL.md's
// C6 section).
package filehash

import (
	"fmt"
	"strings"
	"sync"

	"github.com/corvus-build/pipcache/pkg/alphadose"
	"github.com/corvus-build/pipcache/pkg/artifact"
	"github.com/corvus-build/pipcache/pkg/failure"
	"github.com/corvus-build/pipcache/pkg/fingerprint"
	"github.com/corvus-build/pipcache/pkg/logging"
)

// Origin describes how a FileArtifact's content was reported to the
// registry: whether it has actually been materialized on disk yet.
type Origin int

const (
	// NotMaterialized records an artifact's hash without asserting that its
	// bytes are present on disk (e.g. a hash observed during fingerprinting).
	NotMaterialized Origin = iota
	// Materialized asserts that the artifact's bytes are present on disk
	// with the reported hash.
	Materialized
)

// ReparsePointInfo mirrors the spec's optional reparse-point metadata
// carried alongside a FileMaterializationInfo.
type ReparsePointInfo struct {
	Target string
}

// Info is FileMaterializationInfo (§3): everything the engine knows about a
// single materialized (or to-be-materialized) file identity.
type Info struct {
	ContentHash                                fingerprint.ContentHash
	Length                                      uint64
	HasLength                                   bool
	FileName                                    string
	ReparsePoint                                *ReparsePointInfo
	IsExecutable                                bool
	IsUndeclaredFileRewrite                     bool
	OpaqueDirectoryRoot                         string
	DynamicOutputCaseSensitiveRelativeDirectory string
}

// ConflictPolicy controls how Report handles a second, contradictory report
// for the same FileArtifact (§4.6, §7 Conflict).
type ConflictPolicy int

const (
	// Strict raises a contract violation (returns a *failure.Failure of
	// kind Conflict) on any hash mismatch.
	Strict ConflictPolicy = iota
	// Lax logs a warning and reports the conflict as "not added", retaining
	// the original report.
	Lax
)

// Registry is the C6 file-hash registry.
type Registry struct {
	logger *logging.Logger
	policy ConflictPolicy

	fileHashes                  *alphadose.Map[artifact.FileArtifact, Info]
	allCacheContentHashes       *alphadose.Set[fingerprint.ContentHash]
	contentQueriedDirectoryPaths *alphadose.Set[string]
	pathsWithoutFileArtifact     *alphadose.Set[string]

	materializedMu sync.Mutex
	materialized   map[artifact.FileArtifact]bool
}

// New creates an empty file-hash registry.
func New(logger *logging.Logger, policy ConflictPolicy) *Registry {
	return &Registry{
		logger:                       logger,
		policy:                       policy,
		fileHashes:                   alphadose.NewMap[artifact.FileArtifact, Info](),
		allCacheContentHashes:        alphadose.NewSet[fingerprint.ContentHash](),
		contentQueriedDirectoryPaths: alphadose.NewSet[string](),
		pathsWithoutFileArtifact:     alphadose.NewSet[string](),
		materialized:                 make(map[artifact.FileArtifact]bool),
	}
}

// ReportContent implements report_content (§4.6). It returns true if the
// report was accepted (first report, or a matching reaffirmation) and false
// if it was a conflict downgraded to a warning under the Lax policy.
func (r *Registry) ReportContent(f artifact.FileArtifact, info Info, origin Origin) (bool, error) {
	existing, had := r.fileHashes.Get(f)
	if !had {
		r.fileHashes.Set(f, info)
		r.allCacheContentHashes.Add(info.ContentHash)
		if origin != NotMaterialized {
			r.markMaterialized(f)
		}
		return true, nil
	}

	if existing.ContentHash == info.ContentHash {
		if existing.HasLength && info.HasLength && existing.Length != info.Length {
			return false, failure.New(failure.Conflict, fmt.Sprintf(
				"file %s: same hash but conflicting lengths %d and %d", f.Path, existing.Length, info.Length))
		}
		if existing.FileName != "" && info.FileName != "" &&
			!strings.EqualFold(existing.FileName, info.FileName) {
			return false, failure.New(failure.Conflict, fmt.Sprintf(
				"file %s: same hash but conflicting file names %q and %q", f.Path, existing.FileName, info.FileName))
		}
		if origin != NotMaterialized {
			r.markMaterialized(f)
		}
		return true, nil
	}

	// Different hash: a genuine conflict (I1).
	msg := fmt.Sprintf("file artifact %s reported with conflicting hashes %s and %s", f.Path, existing.ContentHash, info.ContentHash)
	if r.policy == Strict {
		return false, failure.New(failure.Conflict, msg)
	}
	r.logger.Warnf("FileArtifactContentMismatch: %s", msg)
	return false, nil
}

func (r *Registry) markMaterialized(f artifact.FileArtifact) {
	r.materializedMu.Lock()
	r.materialized[f] = true
	r.materializedMu.Unlock()
}

// IsMaterialized reports whether f has been recorded as materialized on
// disk (as opposed to merely hashed).
func (r *Registry) IsMaterialized(f artifact.FileArtifact) bool {
	r.materializedMu.Lock()
	defer r.materializedMu.Unlock()
	return r.materialized[f]
}

// GetInputContent is get_input_content (§4.6): a contract-violation if the
// caller never recorded content for f.
func (r *Registry) GetInputContent(f artifact.FileArtifact) (Info, error) {
	info, ok := r.fileHashes.Get(f)
	if !ok {
		return Info{}, failure.New(failure.Conflict, fmt.Sprintf("no content recorded for file artifact %s", f.Path))
	}
	return info, nil
}

// FindByHash returns any FileArtifact previously reported with the given
// content hash, used by content recovery (§4.7.3) to find an alternate
// source for unavailable content. It is a linear scan over every recorded
// artifact; the registry does not maintain a hash->artifact reverse index.
func (r *Registry) FindByHash(hash fingerprint.ContentHash) (artifact.FileArtifact, Info, bool) {
	var found artifact.FileArtifact
	var foundInfo Info
	var ok bool
	r.fileHashes.ForEach(func(f artifact.FileArtifact, info Info) bool {
		if info.ContentHash == hash {
			found, foundInfo, ok = f, info, true
			return false
		}
		return true
	})
	return found, foundInfo, ok
}

// HasCachedHash reports whether hash is known to the registry at all
// (all_cache_content_hashes, §4.6).
func (r *Registry) HasCachedHash(hash fingerprint.ContentHash) bool {
	return r.allCacheContentHashes.Contains(hash)
}

// MarkQueriedDirectory records that path was probed and found to be a
// directory rather than a file (§4.6's Untracked sentinel path).
func (r *Registry) MarkQueriedDirectory(path string) {
	r.contentQueriedDirectoryPaths.Add(path)
}

// WasQueriedAsDirectory reports whether path was previously found to be a
// directory.
func (r *Registry) WasQueriedAsDirectory(path string) bool {
	return r.contentQueriedDirectoryPaths.Contains(path)
}

// MarkRequestedWithoutArtifact records that path was requested before any
// FileArtifact was registered for it, for later late-materialization retry
// diagnostics.
func (r *Registry) MarkRequestedWithoutArtifact(path string) {
	r.pathsWithoutFileArtifact.Add(path)
}

// WasRequestedWithoutArtifact reports whether path was ever requested
// before registration.
func (r *Registry) WasRequestedWithoutArtifact(path string) bool {
	return r.pathsWithoutFileArtifact.Contains(path)
}

// SealLookup abstracts the sealed-directory registry queries that
// TryQuerySealedOrUndeclared needs, so this package doesn't import
// pkg/sealeddir directly (*sealeddir.Registry satisfies it structurally).
type SealLookup interface {
	FileSeal(path string) (artifact.FileArtifact, bool)
	TrySourceSealAncestor(path string) (artifact.DirectoryArtifact, bool)
}

// QueryResult is the outcome of TryQuerySealedOrUndeclared.
type QueryResult struct {
	Artifact  artifact.FileArtifact
	Hash      fingerprint.ContentHash
	NotFound  bool
	Untracked bool
}

// TryQuerySealedOrUndeclared implements §4.6's try_query_sealed_or_undeclared:
// resolve path to content, preferring a declared seal, falling back to an
// undeclared source read when permitted. exists reports whether path exists
// on disk and whether it is a directory; hashFile computes the content hash
// of a regular file at path.
func (r *Registry) TryQuerySealedOrUndeclared(
	seals SealLookup,
	path string,
	allowUndeclaredReads bool,
	exists func(path string) (present bool, isDir bool, err error),
	hashFile func(path string) (fingerprint.ContentHash, error),
) (QueryResult, error) {
	if fa, ok := seals.FileSeal(path); ok {
		info, err := r.GetInputContent(fa)
		if err != nil {
			return QueryResult{}, err
		}
		return QueryResult{Artifact: fa, Hash: info.ContentHash}, nil
	}

	_, hasSourceAncestor := seals.TrySourceSealAncestor(path)
	if !hasSourceAncestor && !allowUndeclaredReads {
		return QueryResult{NotFound: true}, nil
	}

	if allowUndeclaredReads {
		present, isDir, err := exists(path)
		if err != nil {
			return QueryResult{}, fmt.Errorf("filehash: unable to probe %s: %w", path, err)
		}
		if !present {
			return QueryResult{NotFound: true}, nil
		}
		if isDir {
			r.MarkQueriedDirectory(path)
			return QueryResult{Untracked: true, Hash: fingerprint.UntrackedFile}, nil
		}
	}

	hash, err := hashFile(path)
	if err != nil {
		return QueryResult{}, fmt.Errorf("filehash: unable to hash source file %s: %w", path, err)
	}

	fa := artifact.FileArtifact{Path: path, RewriteCount: 0}
	if _, err := r.ReportContent(fa, Info{ContentHash: hash}, Materialized); err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Artifact: fa, Hash: hash}, nil
}
