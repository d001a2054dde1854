// Package content implements the artifact content cache adapter (C1): the
// pinned-content contract the rest of the cache and materialization engine
// builds on, plus a concrete disk-backed reference implementation (LocalCAS)
// adapted from the teacher's content-addressed staging store.
package content

import (
	"context"
	"io"

	"github.com/corvus-build/pipcache/pkg/fingerprint"
)

// RealizationMode selects how Materialize should place content on disk.
type RealizationMode int

const (
	// HardLinkOrCopy hard-links the cached blob into place when possible,
	// falling back to a copy (e.g. across filesystems or when the target
	// must be independently writable).
	HardLinkOrCopy RealizationMode = iota
	// Copy always produces an independent copy of the content.
	Copy
)

// Origin categorizes the outcome of a Materialize call.
type Origin int

const (
	UpToDate Origin = iota
	DeployedFromCache
	Produced
	NotMaterialized
)

func (o Origin) String() string {
	switch o {
	case UpToDate:
		return "UpToDate"
	case DeployedFromCache:
		return "DeployedFromCache"
	case Produced:
		return "Produced"
	case NotMaterialized:
		return "NotMaterialized"
	default:
		return "Unknown"
	}
}

// TrackedFileContentInfo describes a materialized file for callers that
// asked to track it (e.g. so a later verification pass can re-hash it).
type TrackedFileContentInfo struct {
	Path   string
	Hash   fingerprint.ContentHash
	Length uint64
}

// MaterializeResult is the result of a single Materialize call.
type MaterializeResult struct {
	Origin     Origin
	Tracked    TrackedFileContentInfo
	Virtualized bool
}

// PerHashAvailability reports whether a single hash is available locally (or
// was fetched to become so), and how many bytes were transferred to make it so.
type PerHashAvailability struct {
	Available        bool
	Source           string
	BytesTransferred uint64
}

// AvailabilityReport is the result of a batch LoadAvailable call.
type AvailabilityReport struct {
	PerHash     map[fingerprint.ContentHash]PerHashAvailability
	AllAvailable bool
}

// Store is the C1 contract: pin, store, load, and open-stream content by
// hash, plus batch availability queries. The underlying blob store and its
// transfer mechanics are out of scope (§1); this interface is the boundary
// the rest of the engine consumes.
type Store interface {
	// LoadAvailable pins the given hashes locally, transferring over the
	// network if the backing store is remote, and reports per-hash outcome.
	LoadAvailable(ctx context.Context, hashes []fingerprint.ContentHash) (AvailabilityReport, error)

	// StoreBytes stores data and returns its content hash. If expected is
	// non-nil, the store integrity-checks data against it rather than
	// trusting the caller.
	StoreBytes(ctx context.Context, data []byte, expected *fingerprint.ContentHash) (fingerprint.ContentHash, error)

	// StoreStream is the streaming form of StoreBytes.
	StoreStream(ctx context.Context, r io.Reader, expected *fingerprint.ContentHash) (fingerprint.ContentHash, error)

	// OpenStream opens hash for reading. It fails if the hash is absent
	// locally after a pin (callers should LoadAvailable first).
	OpenStream(ctx context.Context, hash fingerprint.ContentHash) (io.ReadCloser, error)

	// Materialize places hash's content at targetPath using mode, returning
	// the outcome origin and, if track is true, a TrackedFileContentInfo.
	Materialize(ctx context.Context, hash fingerprint.ContentHash, mode RealizationMode, targetPath string, track bool) (MaterializeResult, error)

	// Contains reports whether hash is present in local storage without
	// attempting a remote fetch.
	Contains(hash fingerprint.ContentHash) (bool, error)
}
