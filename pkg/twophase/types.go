// Package twophase implements the two-phase fingerprint store (C2) contract
// and the pip two-phase cache (C3) layered atop it and the content cache
// adapter (C1).
package twophase

import (
	"github.com/corvus-build/pipcache/pkg/fingerprint"
)

// CacheEntry is the published record pointed to by a (weak, pathSetHash,
// strong) triple.
type CacheEntry struct {
	MetadataHash             fingerprint.ContentHash
	OriginatingCacheID       string
	ReferencedContentHashes  []fingerprint.ContentHash
}

// PublishedEntry is the minimal (strong, pathSetHash) pair enumerated by
// ListPublished.
type PublishedEntry struct {
	Strong      fingerprint.StrongFingerprint
	PathSetHash fingerprint.ContentHash
}

// Locality distinguishes where a PublishedEntryRef was found.
type Locality int

const (
	Local Locality = iota
	Remote
)

// PublishedEntryRef is a PublishedEntry annotated with provenance.
type PublishedEntryRef struct {
	PublishedEntry
	OriginatingCacheID string
	Locality           Locality
}

// PublishMode controls conflict behavior for TryPublish.
type PublishMode int

const (
	CreateNew PublishMode = iota
	CreateOrReplace
)

// PublishOutcome is the result of TryPublish.
type PublishOutcome int

const (
	Published PublishOutcome = iota
	ExistedAlready
)

// PublishResult carries the outcome of TryPublish, including the
// conflicting entry when the key already existed.
type PublishResult struct {
	Outcome    PublishOutcome
	Conflicting CacheEntry
}

// Hints is an opaque bag of lookup hints (e.g. preferred locality); the core
// only needs to thread it through to the underlying Store.
type Hints map[string]string
