// Package execution implements the execution-result carrier (C9, spec.md
// §4.9): a builder-with-seal-bit aggregate of a pip's status, output
// content, directory outputs, two-phase caching info, metadata descriptor,
// dynamic observations, and performance counters. Grounded on the teacher's
// builder-with-seal-bit idiom seen across pkg/synchronization/core's
// entry/diff-building passes, generalized to a single-result object.
package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/corvus-build/pipcache/pkg/artifact"
	"github.com/corvus-build/pipcache/pkg/content"
	"github.com/corvus-build/pipcache/pkg/fingerprint"
)

// Status is the overall outcome of a pip's execution.
type Status int

const (
	StatusSucceeded Status = iota
	StatusFailed
	StatusCancelled
	StatusSkipped
)

// OutputContent pairs an output FileArtifact with its content hash, the
// unit carried in a result's output-content tuples (§4.9).
type OutputContent struct {
	Artifact artifact.FileArtifact
	Hash     fingerprint.ContentHash
}

// DirectoryOutput pairs a DirectoryArtifact with the file artifacts observed
// inside it at completion time (relevant for opaque directories, whose
// contents are only known after the pip runs).
type DirectoryOutput struct {
	Directory artifact.DirectoryArtifact
	Contents  []artifact.FileArtifact
}

// TwoPhaseInfo carries the two-phase caching identifiers a result was
// produced or retrieved under.
type TwoPhaseInfo struct {
	Weak               fingerprint.WeakFingerprint
	Strong             fingerprint.StrongFingerprint
	PathSetHash        fingerprint.ContentHash
	MetadataHash       fingerprint.ContentHash
	OriginatingCacheID string
}

// Perf holds free-running performance counters for a single execution,
// merged (not overwritten) across inline retries.
type Perf struct {
	mu               sync.RWMutex
	WallTime         time.Duration
	UserTime         time.Duration
	SystemTime       time.Duration
	MaximumRSSBytes  uint64
}

// Merge folds other's counters into p, taking the maximum of peak-style
// values (MaximumRSSBytes) and summing additive values (wall/user/system
// time across retries). Guarded by a read/write lock per §5's "per-tree
// perf counters" shared-resource policy: write lock on merge, read lock on
// snapshot.
func (p *Perf) Merge(other Perf) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WallTime += other.WallTime
	p.UserTime += other.UserTime
	p.SystemTime += other.SystemTime
	if other.MaximumRSSBytes > p.MaximumRSSBytes {
		p.MaximumRSSBytes = other.MaximumRSSBytes
	}
}

// Snapshot returns a copy of p's current counters.
func (p *Perf) Snapshot() Perf {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Perf{
		WallTime:        p.WallTime,
		UserTime:        p.UserTime,
		SystemTime:      p.SystemTime,
		MaximumRSSBytes: p.MaximumRSSBytes,
	}
}

// FileAccessViolation records an unexpected file access observed during
// execution (e.g. an undeclared read), unioned across retries at seal time.
type FileAccessViolation struct {
	Path        string
	Description string
}

// SharedDynamicWrite records a write observed into a shared-opaque
// directory, unioned across retries at seal time.
type SharedDynamicWrite struct {
	Directory artifact.DirectoryArtifact
	Path      string
}

// Result is the C9 execution-result carrier. It is mutable until Seal is
// called; afterward every accessor asserts the sealed state, matching the
// teacher's builder-with-seal-bit idiom.
type Result struct {
	mu     sync.Mutex
	sealed bool

	status Status

	// originCounts tallies how many output placements fell into each
	// content.Origin category, used to derive the overall origin at seal
	// time via the Produced > DeployedFromCache > UpToDate > NotMaterialized
	// precedence order.
	originCounts [4]int

	outputs             []OutputContent
	directoryOutputs    []DirectoryOutput
	weak                fingerprint.WeakFingerprint
	twoPhase            TwoPhaseInfo
	metadata            content.Descriptor
	createdDirectories  []string
	accessViolations    []FileAccessViolation
	sharedDynamicWrites []SharedDynamicWrite
	perf                Perf

	overallOrigin content.Origin
}

// New creates an unsealed Result for the given weak fingerprint.
func New(weak fingerprint.WeakFingerprint) *Result {
	return &Result{weak: weak}
}

func (r *Result) assertUnsealed(op string) {
	if r.sealed {
		panic(fmt.Sprintf("execution: %s called on a sealed result", op))
	}
}

func (r *Result) assertSealed(op string) {
	if !r.sealed {
		panic(fmt.Sprintf("execution: %s called on an unsealed result", op))
	}
}

// SetStatus records the pip's overall status.
func (r *Result) SetStatus(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertUnsealed("SetStatus")
	r.status = status
}

// AddOutput records a single output file's content and the origin category
// its placement fell into (contributing to the seal-time origin precedence).
func (r *Result) AddOutput(output OutputContent, origin content.Origin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertUnsealed("AddOutput")
	r.outputs = append(r.outputs, output)
	r.originCounts[origin]++
}

// AddDirectoryOutput records a dynamic directory's observed contents.
func (r *Result) AddDirectoryOutput(dir DirectoryOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertUnsealed("AddDirectoryOutput")
	r.directoryOutputs = append(r.directoryOutputs, dir)
}

// SetTwoPhaseInfo records the caching identifiers under which this result
// was produced or retrieved.
func (r *Result) SetTwoPhaseInfo(info TwoPhaseInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertUnsealed("SetTwoPhaseInfo")
	r.twoPhase = info
}

// SetMetadata records the sealed metadata descriptor pointed to by the
// result's metadata hash.
func (r *Result) SetMetadata(metadata content.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertUnsealed("SetMetadata")
	r.metadata = metadata
}

// AddCreatedDirectory records a directory path created as a side effect of
// execution.
func (r *Result) AddCreatedDirectory(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertUnsealed("AddCreatedDirectory")
	r.createdDirectories = append(r.createdDirectories, path)
}

// MergeObservations unions file-access violations and shared-dynamic-opaque
// writes observed on an inline retry attempt into this result, per §4.9's
// "merge results from inline retries" behavior.
func (r *Result) MergeObservations(violations []FileAccessViolation, writes []SharedDynamicWrite) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertUnsealed("MergeObservations")
	r.accessViolations = append(r.accessViolations, violations...)
	r.sharedDynamicWrites = append(r.sharedDynamicWrites, writes...)
}

// MergePerf folds another attempt's performance counters into this result.
func (r *Result) MergePerf(perf Perf) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertUnsealed("MergePerf")
	r.perf.Merge(perf)
}

// Seal derives the overall origin via the Produced > DeployedFromCache >
// UpToDate > NotMaterialized precedence order and freezes the result; after
// Seal, every accessor is read-only and mutators panic.
func (r *Result) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertUnsealed("Seal")

	precedence := []content.Origin{content.Produced, content.DeployedFromCache, content.UpToDate, content.NotMaterialized}
	r.overallOrigin = content.NotMaterialized
	for _, origin := range precedence {
		if r.originCounts[origin] > 0 {
			r.overallOrigin = origin
			break
		}
	}

	r.sealed = true
}

// Sealed reports whether Seal has been called.
func (r *Result) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Origin returns the overall derived origin; panics if unsealed.
func (r *Result) Origin() content.Origin {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertSealed("Origin")
	return r.overallOrigin
}

// Status returns the pip's recorded status; panics if unsealed.
func (r *Result) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertSealed("Status")
	return r.status
}

// Outputs returns the sealed result's output content tuples; panics if
// unsealed.
func (r *Result) Outputs() []OutputContent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertSealed("Outputs")
	out := make([]OutputContent, len(r.outputs))
	copy(out, r.outputs)
	return out
}

// DirectoryOutputs returns the sealed result's directory outputs; panics if
// unsealed.
func (r *Result) DirectoryOutputs() []DirectoryOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertSealed("DirectoryOutputs")
	out := make([]DirectoryOutput, len(r.directoryOutputs))
	copy(out, r.directoryOutputs)
	return out
}

// TwoPhaseInfo returns the sealed result's caching info; panics if unsealed.
func (r *Result) TwoPhaseInfo() TwoPhaseInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertSealed("TwoPhaseInfo")
	return r.twoPhase
}

// Metadata returns the sealed result's metadata descriptor; panics if
// unsealed.
func (r *Result) Metadata() content.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertSealed("Metadata")
	return r.metadata
}

// Perf returns a snapshot of the sealed result's performance counters;
// panics if unsealed.
func (r *Result) Perf() Perf {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertSealed("Perf")
	return r.perf.Snapshot()
}

// WeakFingerprint returns the weak fingerprint this result was constructed
// for. Available whether or not the result is sealed.
func (r *Result) WeakFingerprint() fingerprint.WeakFingerprint {
	return r.weak
}

// CreateSealedConverged implements §4.9's create_sealed_converged: it
// builds a new, already-sealed Result that replaces output content,
// directory outputs, two-phase info, and metadata with those of other,
// while keeping the receiver's own observations (access violations, shared
// dynamic writes) and performance counters. Both r and other must already
// be sealed.
func (r *Result) CreateSealedConverged(other *Result) *Result {
	r.mu.Lock()
	ownViolations := append([]FileAccessViolation(nil), r.accessViolations...)
	ownWrites := append([]SharedDynamicWrite(nil), r.sharedDynamicWrites...)
	ownPerf := r.perf.Snapshot()
	r.mu.Unlock()
	r.assertSealedFor("CreateSealedConverged", r)
	other.assertSealedFor("CreateSealedConverged", other)

	converged := New(other.weak)
	converged.outputs = other.Outputs()
	converged.directoryOutputs = other.DirectoryOutputs()
	converged.twoPhase = other.TwoPhaseInfo()
	converged.metadata = other.Metadata()
	converged.status = other.Status()
	converged.accessViolations = ownViolations
	converged.sharedDynamicWrites = ownWrites
	converged.perf = ownPerf
	converged.originCounts = other.originCounts
	converged.Seal()
	return converged
}

func (r *Result) assertSealedFor(op string, target *Result) {
	target.mu.Lock()
	sealed := target.sealed
	target.mu.Unlock()
	if !sealed {
		panic(fmt.Sprintf("execution: %s requires a sealed result", op))
	}
}
