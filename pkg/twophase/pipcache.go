package twophase

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/corvus-build/pipcache/pkg/content"
	"github.com/corvus-build/pipcache/pkg/failure"
	"github.com/corvus-build/pipcache/pkg/fingerprint"
	"github.com/corvus-build/pipcache/pkg/logging"
)

// PathSetDescriptor adapts an ObservedPathSet to the content.Descriptor
// contract so it can move through C1's serialize_and_store /
// load_and_deserialize pair.
type PathSetDescriptor struct {
	Set    fingerprint.ObservedPathSet
	IsCorrupted bool
}

func (d *PathSetDescriptor) Encode() []byte   { return d.Set.Encode() }
func (d *PathSetDescriptor) Corrupted() bool  { return d.IsCorrupted }
func (d *PathSetDescriptor) Decode(data []byte) error {
	// The deterministic pathset encoding round-trips its own length-prefixed
	// fields; a malformed blob is reported as corrupted rather than
	// propagated as a decode panic.
	set, corrupted := decodePathSet(data)
	d.Set = set
	d.IsCorrupted = corrupted
	return nil
}

// PipCache is the C3 layer: it serializes pathsets and metadata descriptors
// through a content.Store (C1) and publishes the resulting hash triples to
// a twophase.Store (C2).
type PipCache struct {
	content Store2
	twoPhase Store
	retries  int
	logger   *logging.Logger
}

// Store2 is an alias for the full content.Store that PipCache depends on,
// named distinctly to avoid colliding with this package's own Store (C2)
// in call sites that import both.
type Store2 = content.Store

// NewPipCache constructs a PipCache layered atop the given content and
// two-phase stores.
func NewPipCache(contentStore content.Store, twoPhaseStore Store, deserializeRetries int, logger *logging.Logger) *PipCache {
	if deserializeRetries < 1 {
		deserializeRetries = 1
	}
	return &PipCache{content: contentStore, twoPhase: twoPhaseStore, retries: deserializeRetries, logger: logger}
}

// PublishParams bundles the inputs needed to publish a converged result.
type PublishParams struct {
	Weak        fingerprint.WeakFingerprint
	PathSet     fingerprint.ObservedPathSet
	Strong      fingerprint.StrongFingerprint
	Metadata    content.Descriptor
	OriginatingCacheID string
}

// PublishOutcomeResult is returned by Publish.
type PublishOutcomeResult struct {
	Entry     CacheEntry
	Converged bool
}

// Publish stores the pathset and metadata descriptors via C1, then attempts
// to publish the (weak, pathSetHash, strong, entry) tuple via C2. If the key
// already existed, the conflicting entry is returned and Converged is true:
// the caller's metadata hash is superseded by the prior result (§4.3).
func (c *PipCache) Publish(ctx context.Context, params PublishParams) (PublishOutcomeResult, error) {
	if params.OriginatingCacheID == "" {
		params.OriginatingCacheID = uuid.NewString()
	}

	pathSetHash, err := c.content.StoreBytes(ctx, params.PathSet.Encode(), nil)
	if err != nil {
		return PublishOutcomeResult{}, fmt.Errorf("unable to publish pathset: %w", err)
	}

	metadataHash, err := content.SerializeAndStore(ctx, c.content, params.Metadata)
	if err != nil {
		return PublishOutcomeResult{}, fmt.Errorf("unable to publish metadata: %w", err)
	}

	entry := CacheEntry{
		MetadataHash:       metadataHash,
		OriginatingCacheID: params.OriginatingCacheID,
	}

	result, err := c.twoPhase.TryPublish(ctx, params.Weak, pathSetHash, params.Strong, entry, CreateNew)
	if err != nil {
		return PublishOutcomeResult{}, fmt.Errorf("unable to publish cache entry: %w", err)
	}

	if result.Outcome == ExistedAlready {
		return PublishOutcomeResult{Entry: result.Conflicting, Converged: true}, nil
	}
	return PublishOutcomeResult{Entry: entry, Converged: false}, nil
}

// LoadPathSet retrieves and deserializes the pathset addressed by hash,
// retrying per the corruption-retry policy.
func (c *PipCache) LoadPathSet(ctx context.Context, hash fingerprint.ContentHash) (fingerprint.ObservedPathSet, error) {
	descriptor, err := content.LoadAndDeserialize(ctx, c.content, hash, func() content.Descriptor {
		return &PathSetDescriptor{}
	}, c.retries)
	if err != nil {
		return fingerprint.ObservedPathSet{}, failure.Wrap(failure.Corrupted, "deserializing corrupted pip fingerprint pathset entry", err)
	}
	return descriptor.(*PathSetDescriptor).Set, nil
}

// decodePathSet decodes the deterministic pathset encoding from pkg/fingerprint.
// It mirrors ObservedPathSet.Encode's layout; a structurally invalid blob is
// reported as corrupted rather than causing a panic.
func decodePathSet(data []byte) (fingerprint.ObservedPathSet, bool) {
	defer func() { recover() }()

	if len(data) < 4 {
		return fingerprint.ObservedPathSet{}, true
	}

	count := int(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24)
	pos := 4
	paths := make([]fingerprint.ObservedPath, 0, count)

	for i := 0; i < count; i++ {
		if pos+4 > len(data) {
			return fingerprint.ObservedPathSet{}, true
		}
		pathLen := int(uint32(data[pos]) | uint32(data[pos+1])<<8 | uint32(data[pos+2])<<16 | uint32(data[pos+3])<<24)
		pos += 4
		if pos+pathLen+2+fingerprint.Size > len(data) {
			return fingerprint.ObservedPathSet{}, true
		}
		path := string(data[pos : pos+pathLen])
		pos += pathLen
		flags := fingerprint.ObservationFlag(data[pos])
		pos++
		hashType := fingerprint.HashType(data[pos])
		pos++
		var hash fingerprint.ContentHash
		hash.Type = hashType
		copy(hash.Bytes[:], data[pos:pos+fingerprint.Size])
		pos += fingerprint.Size

		paths = append(paths, fingerprint.ObservedPath{Path: path, Flags: flags, Hash: hash})
	}

	return fingerprint.ObservedPathSet{Paths: paths}, false
}
