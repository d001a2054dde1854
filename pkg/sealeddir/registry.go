// Package sealeddir implements the sealed-directory registry: tracking the
// contents of static, dynamic (opaque), and source-sealed directories, and
// answering membership and ancestor queries over them. It follows the same
// fixed-identity, conflict-on-mismatch concurrent map discipline used
// throughout this codebase's other registries (pkg/filehash).
package sealeddir

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/corvus-build/pipcache/pkg/alphadose"
	"github.com/corvus-build/pipcache/pkg/artifact"
	"github.com/corvus-build/pipcache/pkg/logging"
)

// Registry tracks sealed-directory membership per spec.md §4.5.
type Registry struct {
	logger *logging.Logger

	// sealedFiles maps a path to the FileArtifact sealed at that path.
	sealedFiles *alphadose.Map[string, artifact.FileArtifact]

	// registeredSealDirectories is the set of every directory artifact ever
	// registered (static or dynamic).
	registeredSealDirectories *alphadose.Set[artifact.DirectoryArtifact]

	// sealedSourceDirectories maps a path to its source seal directory
	// artifact, recording whether it covers only its top level or all
	// descendant directories.
	sealedSourceDirectories *alphadose.Map[string, sourceSeal]

	// sealContents maps a directory artifact to its path-sorted contents.
	// Writes are serialized per-directory via contentLocks so that
	// register_dynamic's set-or-get semantics (I3) are atomic.
	sealContents *alphadose.Map[artifact.DirectoryArtifact, []artifact.FileArtifact]

	// dynamicOutputFileDirectories is the reverse map from a dynamic
	// output's file artifact back to the directory artifact that contains
	// it, queried through DynamicDirectoryOf.
	dynamicOutputFileDirectories *alphadose.Map[artifact.FileArtifact, artifact.DirectoryArtifact]

	contentLocks   sync.Map // artifact.DirectoryArtifact -> *sync.Mutex
	ancestorCache  sync.Map // string (parent directory path) -> ancestorAnswer
}

type sourceSeal struct {
	dir     artifact.DirectoryArtifact
	allDirs bool
}

type ancestorAnswer struct {
	dir   artifact.DirectoryArtifact
	found bool
}

// New creates an empty sealed-directory registry.
func New(logger *logging.Logger) *Registry {
	return &Registry{
		logger:                       logger,
		sealedFiles:                  alphadose.NewMap[string, artifact.FileArtifact](),
		registeredSealDirectories:    alphadose.NewSet[artifact.DirectoryArtifact](),
		sealedSourceDirectories:      alphadose.NewMap[string, sourceSeal](),
		sealContents:                 alphadose.NewMap[artifact.DirectoryArtifact, []artifact.FileArtifact](),
		dynamicOutputFileDirectories: alphadose.NewMap[artifact.FileArtifact, artifact.DirectoryArtifact](),
	}
}

func (r *Registry) lockFor(dir artifact.DirectoryArtifact) *sync.Mutex {
	lock, _ := r.contentLocks.LoadOrStore(dir, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// RegisterStatic records dir's contents at pip-graph time. It is idempotent:
// re-registering the same directory artifact with the same contents is a
// no-op. Per-path conflicts (the same path sealed twice with a different
// rewrite count) are a contract violation (I3's "write-once" extends to
// per-file identity within a seal).
func (r *Registry) RegisterStatic(dir artifact.DirectoryArtifact, contents []artifact.FileArtifact) error {
	sorted := sortedCopy(contents)

	lock := r.lockFor(dir)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := r.sealContents.Get(dir); ok {
		if !sameContents(existing, sorted) {
			return fmt.Errorf("sealeddir: directory %s already registered with different contents", dir.Path)
		}
		return nil
	}

	for _, f := range sorted {
		if err := r.recordSealedFile(f); err != nil {
			return err
		}
	}

	r.sealContents.Set(dir, sorted)
	r.registeredSealDirectories.Add(dir)
	return nil
}

// RegisterDynamic records the contents of a dynamic (opaque) directory at
// pip-completion time. If a concurrent caller already set the contents
// first, RegisterDynamic returns that caller's result instead of
// overwriting it (set-or-get, I3).
func (r *Registry) RegisterDynamic(dir artifact.DirectoryArtifact, contents []artifact.FileArtifact) ([]artifact.FileArtifact, error) {
	sorted := sortedCopy(contents)

	lock := r.lockFor(dir)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := r.sealContents.Get(dir); ok {
		return existing, nil
	}

	for _, f := range sorted {
		if err := r.recordSealedFile(f); err != nil {
			return nil, err
		}
		r.dynamicOutputFileDirectories.Set(f, dir)
	}

	r.sealContents.Set(dir, sorted)
	r.registeredSealDirectories.Add(dir)
	return sorted, nil
}

func (r *Registry) recordSealedFile(f artifact.FileArtifact) error {
	if existing, ok := r.sealedFiles.Get(f.Path); ok {
		if existing.RewriteCount != f.RewriteCount {
			return fmt.Errorf("sealeddir: path %s sealed with conflicting rewrite counts %d and %d", f.Path, existing.RewriteCount, f.RewriteCount)
		}
		return nil
	}
	r.sealedFiles.Set(f.Path, f)
	return nil
}

// RegisterSourceSeal records dir as a source-sealed directory, either
// top-only or covering all descendant directories.
func (r *Registry) RegisterSourceSeal(dir artifact.DirectoryArtifact, allDirectories bool) {
	r.sealedSourceDirectories.Set(dir.Path, sourceSeal{dir: dir, allDirs: allDirectories})
	r.registeredSealDirectories.Add(dir)
}

// ListContents returns the cached, path-sorted contents of dir. A dynamic
// directory that hasn't been registered yet (it may have been produced on
// another worker) returns an empty, non-nil slice rather than an error.
func (r *Registry) ListContents(dir artifact.DirectoryArtifact) []artifact.FileArtifact {
	if contents, ok := r.sealContents.Get(dir); ok {
		return contents
	}
	return []artifact.FileArtifact{}
}

// FileSeal returns the file artifact sealed at path, if any.
func (r *Registry) FileSeal(path string) (artifact.FileArtifact, bool) {
	return r.sealedFiles.Get(path)
}

// DynamicDirectoryOf returns the dynamic output directory that f was
// reported to belong to, if any.
func (r *Registry) DynamicDirectoryOf(f artifact.FileArtifact) (artifact.DirectoryArtifact, bool) {
	return r.dynamicOutputFileDirectories.Get(f)
}

// TrySourceSealAncestor walks path's parents until it finds a registered
// source-sealed directory that covers it, returning that directory artifact.
// The initial path's answer is cached so repeated lookups for files in the
// same directory don't re-walk.
func (r *Registry) TrySourceSealAncestor(path string) (artifact.DirectoryArtifact, bool) {
	key := filepath.Dir(path)
	if cached, ok := r.ancestorCache.Load(key); ok {
		answer := cached.(ancestorAnswer)
		return answer.dir, answer.found
	}

	current := path
	depth := 0
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		if seal, ok := r.sealedSourceDirectories.Get(parent); ok {
			if depth == 0 || seal.allDirs {
				answer := ancestorAnswer{dir: seal.dir, found: true}
				r.ancestorCache.Store(key, answer)
				return seal.dir, true
			}
		}
		current = parent
		depth++
	}

	r.ancestorCache.Store(key, ancestorAnswer{found: false})
	return artifact.DirectoryArtifact{}, false
}

// ScrubFull deletes, via remove, every entry under root that is not present
// in sealedFiles, per the full-seal scrub behavior (§4.5). remove is called
// once per path to delete and should report the deleted path to the caller's
// diagnostic stream; list enumerates root's current on-disk file paths.
func (r *Registry) ScrubFull(root string, list func() ([]string, error), remove func(path string) error) ([]string, error) {
	paths, err := list()
	if err != nil {
		return nil, fmt.Errorf("sealeddir: unable to list %s for full-seal scrub: %w", root, err)
	}

	var deleted []string
	for _, p := range paths {
		if _, sealed := r.sealedFiles.Get(p); sealed {
			continue
		}
		if !strings.HasPrefix(p, root) {
			continue
		}
		if err := remove(p); err != nil {
			r.logger.Warnf("sealeddir: unable to scrub unsealed file %s: %v", p, err)
			continue
		}
		deleted = append(deleted, p)
	}
	return deleted, nil
}

func sortedCopy(contents []artifact.FileArtifact) []artifact.FileArtifact {
	sorted := make([]artifact.FileArtifact, len(contents))
	copy(sorted, contents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	return sorted
}

func sameContents(a, b []artifact.FileArtifact) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
