// Package materialize implements the materialization coordinator (C7, spec.md
// §4.7): the largest component in this engine. It runs the
// delete-then-place pipeline for a pip's declared inputs, enforcing
// per-path single-writer reservations (§4.7.1, I2), dynamic-directory
// deletion ordering (§4.7.4, P7), content recovery for locally-unavailable
// hashes (§4.7.3), and cooperative cancellation.
//
// Grounded directly on the teacher's staging coordinator
// (pkg/synchronization/endpoint/local/staging: Stager, prefix-sharded
// placement, atomic rename via content.Store.Materialize), with the
// reservation-map discipline built on the pkg/future package (itself
// grounded on pkg/state's single-run/latch idiom). Directory cleanup uses
// plain os.* calls rather than pkg/filesystem, since it walks and removes
// arbitrary on-disk trees rather than performing the rename/atomic-write/
// hidden-marking operations that package is scoped to.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/corvus-build/pipcache/pkg/artifact"
	"github.com/corvus-build/pipcache/pkg/config"
	"github.com/corvus-build/pipcache/pkg/content"
	"github.com/corvus-build/pipcache/pkg/filehash"
	"github.com/corvus-build/pipcache/pkg/fingerprint"
	"github.com/corvus-build/pipcache/pkg/future"
	"github.com/corvus-build/pipcache/pkg/logging"
	"github.com/corvus-build/pipcache/pkg/sealeddir"
	"github.com/corvus-build/pipcache/pkg/verify"
)

// VirtualizationState enumerates the states a materialized path can be in
// when virtualization is enabled (§4.7).
type VirtualizationState int

const (
	FullMaterialized VirtualizationState = iota
	Virtual
	Hydrated
	PendingVirtual
	PendingHydration
	PendingFullMaterialization
)

// FileRequest describes a single file the caller wants materialized.
type FileRequest struct {
	Artifact     artifact.FileArtifact
	ExpectedHash fingerprint.ContentHash
	TargetPath   string // defaults to Artifact.Path if empty
	IsExecutable bool
	// ReparseTarget, if non-empty, requests placement as a reparse point
	// (e.g. a symbolic link) rather than regular file content.
	ReparseTarget string
	// AllowVirtualization is carried on the request but not read by the
	// coordinator: every file is placed with full content, and no virtual
	// placeholder is ever created.
	AllowVirtualization bool
	// ReuseOutputsOnDisk, PreserveOutputs, and OutputsNotStoredToCache gate
	// the "skip if already correct on disk" and recovery-without-caching
	// policies of §4.7.2 step 7 and §4.7.3.
	ReuseOutputsOnDisk     bool
	PreserveOutputs        bool
	OutputsNotStoredToCache bool
}

func (r FileRequest) targetPath() string {
	if r.TargetPath != "" {
		return r.TargetPath
	}
	return r.Artifact.Path
}

// DirectoryRequest describes a dynamic (opaque) output directory whose
// existing contents must be deleted (except declared files) before the
// pip's declared outputs are placed into it.
type DirectoryRequest struct {
	Directory       artifact.DirectoryArtifact
	PreserveOutputs bool
	// DeclaredFiles are file artifacts the pip declares under Directory;
	// they must survive the directory's cleanup pass (§4.7.2 step 1).
	DeclaredFiles []artifact.FileArtifact
}

// Request bundles everything MaterializeDependencies needs for one pass of
// the pipeline (§4.7.2).
type Request struct {
	Files              []FileRequest
	Directories        []DirectoryRequest
	DistributedWorker  bool
	HydrationPaths     map[string]bool
	AllowUndeclaredReads bool
}

// FileOutcome is the per-file result of a materialization pass.
type FileOutcome struct {
	Artifact artifact.FileArtifact
	Origin   content.Origin
	Err      error
}

// Report is the aggregate result of MaterializeDependencies.
type Report struct {
	Files             []FileOutcome
	FailedDirectories []artifact.DirectoryArtifact
	Mismatches        []verify.Mismatch
}

// HostAdapter is the narrow slice of host (sandbox executor / filesystem)
// capabilities the coordinator needs but does not own, per spec.md's
// "external collaborators" boundary (§1): reading a local file's bytes for
// content recovery, and resolving a copy-source chain backward.
type HostAdapter interface {
	// HashLocalFile hashes the file currently on disk at path, or returns
	// ok=false if it doesn't exist or isn't a regular file.
	HashLocalFile(path string) (hash fingerprint.ContentHash, ok bool, err error)
	// CopySourceOf returns the FileArtifact that f was declared as a copy
	// of, if any, for following copy-source chains backward (§4.7.3 step 2).
	CopySourceOf(f artifact.FileArtifact) (artifact.FileArtifact, bool)
}

// Coordinator is the C7 materialization coordinator.
type Coordinator struct {
	content content.Store
	hashes  *filehash.Registry
	seals   *sealeddir.Registry
	host    HostAdapter
	verify  *verify.Verifier
	cfg     config.Config
	logger  *logging.Logger

	fileTasks       *future.Reserver[artifact.FileArtifact, content.Origin]
	dirDeleteTasks  *future.Reserver[artifact.DirectoryArtifact, bool]
	fileHashTasks   *future.Reserver[artifact.FileArtifact, *filehash.Info]

	materializedDirs sync.Map // artifact.DirectoryArtifact -> bool
	virtualizedDirs  sync.Map // artifact.DirectoryArtifact -> bool
	vstates          sync.Map // path -> VirtualizationState

	semaphore chan struct{}
}

// New constructs a Coordinator. cfg.MaterializationConcurrency bounds the
// number of files placed simultaneously (the global materialization
// semaphore, §5); a zero value is treated as 1.
func New(store content.Store, hashes *filehash.Registry, seals *sealeddir.Registry, host HostAdapter, cfg config.Config, logger *logging.Logger) *Coordinator {
	concurrency := int(cfg.MaterializationConcurrency)
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Coordinator{
		content:        store,
		hashes:         hashes,
		seals:          seals,
		host:           host,
		verify:         verify.New(logger.Sublogger("verify")),
		cfg:            cfg,
		logger:         logger,
		fileTasks:      future.NewReserver[artifact.FileArtifact, content.Origin](),
		dirDeleteTasks: future.NewReserver[artifact.DirectoryArtifact, bool](),
		fileHashTasks:  future.NewReserver[artifact.FileArtifact, *filehash.Info](),
		semaphore:      make(chan struct{}, concurrency),
	}
}

// HashFile hashes f's current on-disk content, reserving the operation so
// that concurrent callers hashing the same artifact share a single result
// rather than racing (the transient file_artifact_hash_tasks map of §4.7).
func (c *Coordinator) HashFile(ctx context.Context, f artifact.FileArtifact) (*filehash.Info, error) {
	completion, outcome := c.fileHashTasks.Reserve(f)
	if outcome == future.Observed {
		return completion.Wait(ctx)
	}

	hash, ok, err := c.host.HashLocalFile(f.Path)
	if err != nil {
		completion.Complete(nil, err)
		c.fileHashTasks.Forget(f)
		return nil, err
	}
	if !ok {
		err := fmt.Errorf("materialize: %s does not exist", f.Path)
		completion.Complete(nil, err)
		c.fileHashTasks.Forget(f)
		return nil, err
	}

	info := &filehash.Info{ContentHash: hash}
	completion.Complete(info, nil)
	c.fileHashTasks.Forget(f)
	return info, nil
}

// MaterializeDependencies runs the full pipeline of §4.7.2 over req.
func (c *Coordinator) MaterializeDependencies(ctx context.Context, req Request) (*Report, error) {
	report := &Report{}

	// Step: build the path->artifact preserve set for declared directory
	// contents, so directory cleanup never deletes a file about to be
	// placed (§4.7.2 step 1).
	preserve := make(map[string]bool)
	for _, dirReq := range req.Directories {
		for _, f := range dirReq.DeclaredFiles {
			preserve[f.Path] = true
		}
	}

	// Step: prepare directories (delete-then-place ordering, P7, §4.7.2
	// step 3). This must complete before any file placement into those
	// directories begins.
	for _, dirReq := range req.Directories {
		if dirReq.PreserveOutputs {
			continue
		}
		if err := c.prepareDirectory(ctx, dirReq, preserve); err != nil {
			report.FailedDirectories = append(report.FailedDirectories, dirReq.Directory)
			c.logger.Warnf("materialize: failed to prepare directory %s: %v", dirReq.Directory.Path, err)
		}
	}

	// Step: verify source files on distributed workers (§4.7.2 step 4).
	if req.DistributedWorker {
		expected := make(map[artifact.FileArtifact]fingerprint.ContentHash)
		for _, f := range req.Files {
			if f.Artifact.IsSource() {
				expected[f.Artifact] = f.ExpectedHash
			}
		}
		mismatches, err := c.verify.VerifyAll(expected)
		if err != nil {
			return report, fmt.Errorf("materialize: source verification failed: %w", err)
		}
		report.Mismatches = mismatches
	}
	mismatched := make(map[artifact.FileArtifact]bool)
	for _, m := range report.Mismatches {
		mismatched[m.Artifact] = true
	}

	// Step: delete absent files and split out the remaining outstanding set
	// (§4.7.2 step 5).
	var outstanding []FileRequest
	for _, f := range req.Files {
		if mismatched[f.Artifact] {
			continue
		}
		if f.ExpectedHash == fingerprint.AbsentFile {
			origin, err := c.deleteAbsent(f.targetPath())
			report.Files = append(report.Files, FileOutcome{Artifact: f.Artifact, Origin: origin, Err: err})
			continue
		}
		outstanding = append(outstanding, f)
	}

	// Step: batch-query availability and recover what's missing (§4.7.2
	// step 6).
	hashes := make([]fingerprint.ContentHash, 0, len(outstanding))
	seen := make(map[fingerprint.ContentHash]bool)
	for _, f := range outstanding {
		if !seen[f.ExpectedHash] {
			seen[f.ExpectedHash] = true
			hashes = append(hashes, f.ExpectedHash)
		}
	}
	unavailable := make(map[fingerprint.ContentHash]bool)
	if len(hashes) > 0 {
		availability, err := c.content.LoadAvailable(ctx, hashes)
		if err != nil {
			return report, fmt.Errorf("materialize: unable to query content availability: %w", err)
		}
		for _, h := range hashes {
			if !availability.PerHash[h].Available {
				unavailable[h] = true
			}
		}
	}

	for _, f := range outstanding {
		if unavailable[f.ExpectedHash] {
			if recovered, err := c.recoverContent(ctx, f); err != nil {
				c.logger.Warnf("FailedToLoadFileContentWarning: %s: %v", f.Artifact.Path, err)
			} else if recovered {
				delete(unavailable, f.ExpectedHash)
			}
		}
	}

	// Step: place files (§4.7.2 step 7), honoring reservation discipline
	// and concurrency bound.
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, f := range outstanding {
		f := f
		if unavailable[f.ExpectedHash] {
			mu.Lock()
			report.Files = append(report.Files, FileOutcome{Artifact: f.Artifact, Origin: content.NotMaterialized, Err: fmt.Errorf("content unavailable for hash %s", f.ExpectedHash)})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := c.placeOne(ctx, f)
			mu.Lock()
			report.Files = append(report.Files, outcome)
			mu.Unlock()

			if req.HydrationPaths[f.targetPath()] && outcome.Err == nil {
				c.hydrate(ctx, f.targetPath())
			}
		}()
	}
	wg.Wait()

	// Step: mark directories materialized when all declared contents were
	// placed without error (§4.7.2 step 9).
	failed := make(map[artifact.FileArtifact]bool)
	for _, fo := range report.Files {
		if fo.Err != nil {
			failed[fo.Artifact] = true
		}
	}
	for _, dirReq := range req.Directories {
		complete := true
		for _, f := range dirReq.DeclaredFiles {
			if failed[f] {
				complete = false
				break
			}
		}
		if complete {
			c.materializedDirs.Store(dirReq.Directory, true)
		}
	}

	return report, nil
}

// IsDirectoryMaterialized reports whether dir's contents have been fully
// placed by a prior MaterializeDependencies call.
func (c *Coordinator) IsDirectoryMaterialized(dir artifact.DirectoryArtifact) bool {
	v, _ := c.materializedDirs.Load(dir)
	b, _ := v.(bool)
	return b
}

func (c *Coordinator) deleteAbsent(path string) (content.Origin, error) {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return content.UpToDate, nil
		}
		return content.NotMaterialized, fmt.Errorf("materialize: unable to stat %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return content.NotMaterialized, fmt.Errorf("materialize: unable to delete absent-expected file %s: %w", path, err)
	}
	return content.DeployedFromCache, nil
}

// prepareDirectory implements §4.7.2 step 3: reserve the directory's
// deletion, recursively delete its existing contents (skipping declared
// paths), or mkdir -p it if it doesn't exist, then resolve the reservation.
func (c *Coordinator) prepareDirectory(ctx context.Context, req DirectoryRequest, preserve map[string]bool) error {
	completion, outcome := c.dirDeleteTasks.Reserve(req.Directory)
	if outcome == future.Observed {
		_, err := completion.Wait(ctx)
		return err
	}

	err := c.cleanDirectory(req.Directory.Path, preserve)
	completion.Complete(err == nil, err)
	return err
}

func (c *Coordinator) cleanDirectory(root string, preserve map[string]bool) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(root, 0755)
		}
		if isNotADirectory(err) {
			if err := os.Remove(root); err != nil {
				return fmt.Errorf("materialize: unable to remove colliding file at %s: %w", root, err)
			}
			return os.MkdirAll(root, 0755)
		}
		return fmt.Errorf("materialize: unable to read directory %s: %w", root, err)
	}

	for _, entry := range entries {
		p := filepath.Join(root, entry.Name())
		if preserve[p] {
			continue
		}
		if entry.IsDir() {
			if err := os.RemoveAll(p); err != nil {
				return fmt.Errorf("materialize: unable to remove %s: %w", p, err)
			}
			continue
		}
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("materialize: unable to remove %s: %w", p, err)
		}
	}
	return nil
}

func isNotADirectory(err error) bool {
	pathErr, ok := err.(*os.PathError)
	return ok && pathErr.Err.Error() == "not a directory"
}

// placeOne materializes a single file, honoring the per-path reservation
// (I2: await the prior rewrite count's completion before this one starts)
// and the global materialization semaphore.
func (c *Coordinator) placeOne(ctx context.Context, f FileRequest) FileOutcome {
	completion, outcome := c.fileTasks.Reserve(f.Artifact)
	if outcome == future.Observed {
		origin, err := completion.Wait(ctx)
		return FileOutcome{Artifact: f.Artifact, Origin: origin, Err: err}
	}

	if f.Artifact.RewriteCount > 0 {
		prior := artifact.FileArtifact{Path: f.Artifact.Path, RewriteCount: f.Artifact.RewriteCount - 1}
		if priorCompletion, ok := c.fileTasks.Lookup(prior); ok {
			if _, err := priorCompletion.Wait(ctx); err != nil {
				completion.Complete(content.NotMaterialized, err)
				return FileOutcome{Artifact: f.Artifact, Origin: content.NotMaterialized, Err: err}
			}
		}
	}

	select {
	case c.semaphore <- struct{}{}:
	case <-ctx.Done():
		completion.Complete(content.NotMaterialized, ctx.Err())
		return FileOutcome{Artifact: f.Artifact, Origin: content.NotMaterialized, Err: ctx.Err()}
	}
	defer func() { <-c.semaphore }()

	origin, err := c.place(ctx, f)
	completion.Complete(origin, err)
	return FileOutcome{Artifact: f.Artifact, Origin: origin, Err: err}
}

func (c *Coordinator) place(ctx context.Context, f FileRequest) (content.Origin, error) {
	target := f.targetPath()

	if f.ReparseTarget != "" {
		if err := os.Symlink(f.ReparseTarget, target); err != nil && !os.IsExist(err) {
			return content.NotMaterialized, fmt.Errorf("materialize: unable to place reparse point at %s: %w", target, err)
		}
		return content.Produced, nil
	}

	if f.ReuseOutputsOnDisk || f.PreserveOutputs || f.OutputsNotStoredToCache {
		if hash, ok, err := c.host.HashLocalFile(target); err == nil && ok && hash == f.ExpectedHash {
			return content.UpToDate, nil
		}
	}

	mode := content.HardLinkOrCopy
	if target != f.Artifact.Path || f.PreserveOutputs || f.IsExecutable {
		mode = content.Copy
	}

	result, err := c.content.Materialize(ctx, f.ExpectedHash, mode, target, true)
	if err != nil {
		return content.NotMaterialized, fmt.Errorf("materialize: unable to place %s: %w", target, err)
	}

	c.hashes.ReportContent(f.Artifact, filehash.Info{
		ContentHash:  f.ExpectedHash,
		IsExecutable: f.IsExecutable,
	}, filehash.Materialized)

	return result.Origin, nil
}

func (c *Coordinator) hydrate(ctx context.Context, path string) {
	c.vstates.Store(path, PendingHydration)
	file, err := os.Open(path)
	if err != nil {
		c.logger.Warnf("materialize: unable to hydrate %s: %v", path, err)
		return
	}
	defer file.Close()

	buf := make([]byte, 1)
	if _, err := file.Read(buf); err != nil && !errors.Is(err, io.EOF) {
		c.logger.Warnf("materialize: unable to hydrate %s: %v", path, err)
		return
	}
	c.vstates.Store(path, Hydrated)
}
