// Package historic implements the historic metadata cache (C4): an
// in-memory acceleration layer over a recent window of published two-phase
// cache entries, backed by a persistent embedded key-value store with
// TTL-aged eviction, asynchronous content garbage collection, and rotating
// content-hash remap columns.
package historic

import (
	"context"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/corvus-build/pipcache/pkg/alphadose"
	"github.com/corvus-build/pipcache/pkg/config"
	"github.com/corvus-build/pipcache/pkg/fingerprint"
	"github.com/corvus-build/pipcache/pkg/future"
	"github.com/corvus-build/pipcache/pkg/logging"
	"github.com/corvus-build/pipcache/pkg/state"
)

var (
	defaultBucket = []byte("default")
	contentBucket = []byte("Content")
	remapBucketNames = [2][]byte{
		[]byte("BuildManifestHash_1"),
		[]byte("BuildManifestHash_2"),
	}
)

const (
	keyHistoricEntries      = "HistoricMetadataCacheEntriesKeys"
	keyFormatVersion        = "FormatVersion"
	keyAge                  = "Age"
	keyContentGCCursor      = "ContentGarbageCollectCursor"
	keyActiveRemapColumn    = "ActiveRemapColumn"

	formatVersion = 1
)

// Cache is the historic metadata cache. All public methods are safe for
// concurrent use; reads and writes issued before Load completes block on
// its single-run latch (§4.4.7).
type Cache struct {
	path   string
	config config.Config
	logger *logging.Logger

	db *bbolt.DB

	// In-memory indices (§4.4.1).
	weakStacks               *alphadose.Map[fingerprint.WeakFingerprint, *stack]
	fullFingerprintToMetadata *alphadose.Map[fingerprint.Fingerprint, fingerprint.ContentHash]
	semistableToWeak         *alphadose.Map[uint64, fingerprint.WeakFingerprint]
	weakToSemistable         *alphadose.Map[fingerprint.WeakFingerprint, uint64]
	newContentEntries        *alphadose.Map[fingerprint.ContentHash, bool]
	retainedContentHashCodes *alphadose.Set[uint32]
	existingContentEntries   *alphadose.Set[uint32]
	newFullFingerprints      *alphadose.Set[fingerprint.Fingerprint]

	age               uint64
	activeRemapColumn int

	accessed state.Marker
	disabled state.Marker

	loadOnce       sync.Once
	loadCompletion *future.Completion[struct{}]

	gcCancel context.CancelFunc
	gcDone   chan struct{}

	mu sync.Mutex // serializes Load/Close against each other
	closed bool
}

// New creates a historic cache rooted at the given embedded-database path.
// The database is opened and loaded lazily, exactly once, on first access
// (RemapLookup, RemapStore, or Close).
func New(path string, cfg config.Config, logger *logging.Logger) *Cache {
	return &Cache{
		path:                      path,
		config:                    cfg,
		logger:                    logger,
		weakStacks:                alphadose.NewMap[fingerprint.WeakFingerprint, *stack](),
		fullFingerprintToMetadata: alphadose.NewMap[fingerprint.Fingerprint, fingerprint.ContentHash](),
		semistableToWeak:          alphadose.NewMap[uint64, fingerprint.WeakFingerprint](),
		weakToSemistable:          alphadose.NewMap[fingerprint.WeakFingerprint, uint64](),
		newContentEntries:         alphadose.NewMap[fingerprint.ContentHash, bool](),
		retainedContentHashCodes:  alphadose.NewSet[uint32](),
		existingContentEntries:    alphadose.NewSet[uint32](),
		newFullFingerprints:       alphadose.NewSet[fingerprint.Fingerprint](),
		loadCompletion:            future.NewCompletion[struct{}](),
	}
}

// awaitLoad triggers Load exactly once and blocks until it completes,
// matching the single-run lazy promise discipline (§4.4.7, §9).
func (c *Cache) awaitLoad(ctx context.Context) error {
	c.loadOnce.Do(func() {
		err := c.load()
		c.loadCompletion.Complete(struct{}{}, err)
		if err == nil {
			c.startGC()
		}
	})
	_, err := c.loadCompletion.Wait(ctx)
	return err
}

// disabledErr is what checkEnabled reports once the cache has been disabled
// after a repeat open failure (§7). RemapLookup and RemapStore do not
// surface it: on a disabled cache they return without error as no-ops.
type disabledErr struct{}

func (disabledErr) Error() string { return "historic metadata cache disabled" }

func (c *Cache) checkEnabled() error {
	if c.disabled.Marked() {
		return disabledErr{}
	}
	return nil
}

// Close awaits any in-flight load, cancels and awaits GC, then saves
// (§4.4.7, §5). It is an error to use the cache after Close returns.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.awaitLoad(ctx); err != nil {
		if c.db != nil {
			c.db.Close()
		}
		return nil
	}

	if c.gcCancel != nil {
		c.gcCancel()
		<-c.gcDone
	}

	err := c.save()
	if closeErr := c.db.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("unable to close historic metadata cache database: %w", closeErr)
	}
	return err
}
