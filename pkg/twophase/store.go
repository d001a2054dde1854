package twophase

import (
	"context"

	"github.com/corvus-build/pipcache/pkg/fingerprint"
)

// Store is the C2 contract: a persistent map from weak fingerprints to
// candidate (strong, pathset) pairs and on to cache entries. Implementations
// may be purely local, purely remote, or a blend of both (§4.2); the core
// only depends on this interface.
type Store interface {
	// ListPublished enumerates candidate entries for weak, local results
	// first if any, in a cache-defined but stable order suitable for
	// duplicate suppression by the caller.
	ListPublished(ctx context.Context, weak fingerprint.WeakFingerprint, hints Hints) (<-chan PublishedEntryRef, error)

	// TryGetCacheEntry resolves a specific (weak, pathSetHash, strong)
	// triple to its cache entry, if published.
	TryGetCacheEntry(ctx context.Context, weak fingerprint.WeakFingerprint, pathSetHash fingerprint.ContentHash, strong fingerprint.StrongFingerprint, hints Hints) (CacheEntry, bool, error)

	// TryPublish attempts to publish entry under the given key.
	TryPublish(ctx context.Context, weak fingerprint.WeakFingerprint, pathSetHash fingerprint.ContentHash, strong fingerprint.StrongFingerprint, entry CacheEntry, mode PublishMode) (PublishResult, error)

	// TryPublishTemporal deposits a single "latest" blob per weak
	// fingerprint, used to persist the serialized historic cache blob
	// itself (§4.4).
	TryPublishTemporal(ctx context.Context, weak fingerprint.WeakFingerprint, entry CacheEntry) error

	// TryGetLatest is the symmetric read for TryPublishTemporal.
	TryGetLatest(ctx context.Context, weak fingerprint.WeakFingerprint) (CacheEntry, bool, error)
}
