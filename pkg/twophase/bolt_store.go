package twophase

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/corvus-build/pipcache/pkg/fingerprint"
	"github.com/corvus-build/pipcache/pkg/logging"
)

var (
	publishedBucket = []byte("published")
	temporalBucket  = []byte("temporal")
)

// BoltStore is a concrete, embedded-database implementation of Store,
// playing the role of the "underlying ordered KV engine" the spec leaves
// pluggable (§1). It is the reference backing used when no remote cache
// tier is configured.
type BoltStore struct {
	db     *bbolt.DB
	logger *logging.Logger
}

// OpenBoltStore opens (creating if necessary) a BoltStore at path.
func OpenBoltStore(path string, logger *logging.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open two-phase cache database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(publishedBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(temporalBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to initialize two-phase cache buckets: %w", err)
	}

	return &BoltStore{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ListPublished implements Store.ListPublished.
func (s *BoltStore) ListPublished(ctx context.Context, weak fingerprint.WeakFingerprint, hints Hints) (<-chan PublishedEntryRef, error) {
	results := make(chan PublishedEntryRef)

	go func() {
		defer close(results)

		_ = s.db.View(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket(publishedBucket)
			cursor := bucket.Cursor()

			prefix := weak[:]
			for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				pathSetHash, strong, ok := splitEntryKey(weak, k)
				if !ok {
					continue
				}
				entry, err := decodeCacheEntry(v)
				if err != nil {
					continue
				}

				select {
				case results <- PublishedEntryRef{
					PublishedEntry:     PublishedEntry{Strong: strong, PathSetHash: pathSetHash},
					OriginatingCacheID: entry.OriginatingCacheID,
					Locality:           Local,
				}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}()

	return results, nil
}

func splitEntryKey(weak fingerprint.WeakFingerprint, key []byte) (fingerprint.ContentHash, fingerprint.StrongFingerprint, bool) {
	expectedLen := fingerprint.Size + 1 + fingerprint.Size + fingerprint.Size
	if len(key) != expectedLen {
		return fingerprint.ContentHash{}, fingerprint.StrongFingerprint{}, false
	}
	pos := fingerprint.Size
	var pathSetHash fingerprint.ContentHash
	pathSetHash.Type = fingerprint.HashType(key[pos])
	pos++
	copy(pathSetHash.Bytes[:], key[pos:pos+fingerprint.Size])
	pos += fingerprint.Size

	var strong fingerprint.StrongFingerprint
	copy(strong[:], key[pos:pos+fingerprint.Size])

	return pathSetHash, strong, true
}

// TryGetCacheEntry implements Store.TryGetCacheEntry.
func (s *BoltStore) TryGetCacheEntry(ctx context.Context, weak fingerprint.WeakFingerprint, pathSetHash fingerprint.ContentHash, strong fingerprint.StrongFingerprint, hints Hints) (CacheEntry, bool, error) {
	key := entryKey(weak, pathSetHash, strong)

	var entry CacheEntry
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(publishedBucket).Get(key)
		if v == nil {
			return nil
		}
		decoded, err := decodeCacheEntry(v)
		if err != nil {
			return err
		}
		entry, found = decoded, true
		return nil
	})
	return entry, found, err
}

// TryPublish implements Store.TryPublish.
func (s *BoltStore) TryPublish(ctx context.Context, weak fingerprint.WeakFingerprint, pathSetHash fingerprint.ContentHash, strong fingerprint.StrongFingerprint, entry CacheEntry, mode PublishMode) (PublishResult, error) {
	key := entryKey(weak, pathSetHash, strong)

	var result PublishResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(publishedBucket)
		existing := bucket.Get(key)
		if existing != nil {
			decoded, err := decodeCacheEntry(existing)
			if err != nil {
				return err
			}
			if mode == CreateNew {
				result = PublishResult{Outcome: ExistedAlready, Conflicting: decoded}
				return nil
			}
		}
		result = PublishResult{Outcome: Published}
		return bucket.Put(key, encodeCacheEntry(entry))
	})
	return result, err
}

// TryPublishTemporal implements Store.TryPublishTemporal.
func (s *BoltStore) TryPublishTemporal(ctx context.Context, weak fingerprint.WeakFingerprint, entry CacheEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(temporalBucket).Put(weak[:], encodeCacheEntry(entry))
	})
}

// TryGetLatest implements Store.TryGetLatest.
func (s *BoltStore) TryGetLatest(ctx context.Context, weak fingerprint.WeakFingerprint) (CacheEntry, bool, error) {
	var entry CacheEntry
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(temporalBucket).Get(weak[:])
		if v == nil {
			return nil
		}
		decoded, err := decodeCacheEntry(v)
		if err != nil {
			return err
		}
		entry, found = decoded, true
		return nil
	})
	return entry, found, err
}
