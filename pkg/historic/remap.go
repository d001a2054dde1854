package historic

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/corvus-build/pipcache/pkg/fingerprint"
)

// remapKey builds the Remap key: u8(hashType) || hashBytes(sourceHash) (§6.1).
func remapKey(hashType fingerprint.HashType, source fingerprint.ContentHash) []byte {
	key := make([]byte, 0, 1+1+fingerprint.Size)
	key = append(key, byte(hashType))
	key = append(key, byte(source.Type))
	key = append(key, source.Bytes[:]...)
	return key
}

// rotateRemapColumn drops and recreates the given column index, effecting
// its TTL (§4.4.6).
func (c *Cache) rotateRemapColumn(column int) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		name := remapBucketNames[column]
		if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(name)
		return err
	})
}

// RemapLookup probes the active remap column first, then the inactive one.
// If found only in the inactive column, it is copied into the active
// column, refreshing its lifetime (§4.4.6, P9).
func (c *Cache) RemapLookup(ctx context.Context, hashType fingerprint.HashType, source fingerprint.ContentHash) (fingerprint.ContentHash, bool, error) {
	if err := c.awaitLoad(ctx); err != nil {
		return fingerprint.ContentHash{}, false, err
	}
	if err := c.checkEnabled(); err != nil {
		return fingerprint.ContentHash{}, false, nil
	}

	key := remapKey(hashType, source)
	activeBucket := remapBucketNames[c.activeRemapColumn]
	inactiveBucket := remapBucketNames[1-c.activeRemapColumn]

	var target fingerprint.ContentHash
	var found bool
	err := c.db.Update(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(activeBucket).Get(key); v != nil {
			target = decodeRemapValue(v)
			found = true
			return nil
		}
		v := tx.Bucket(inactiveBucket).Get(key)
		if v == nil {
			return nil
		}
		target = decodeRemapValue(v)
		found = true
		return tx.Bucket(activeBucket).Put(key, v)
	})
	return target, found, err
}

// RemapStore writes a content-hash remap entry into the active column.
func (c *Cache) RemapStore(ctx context.Context, hashType fingerprint.HashType, source, target fingerprint.ContentHash) error {
	if err := c.awaitLoad(ctx); err != nil {
		return err
	}
	if err := c.checkEnabled(); err != nil {
		return nil
	}

	c.accessed.Mark()
	key := remapKey(hashType, source)
	value := encodeHashBytes(nil, target)

	activeBucket := remapBucketNames[c.activeRemapColumn]
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(activeBucket).Put(key, value)
	})
}

func decodeRemapValue(v []byte) fingerprint.ContentHash {
	if len(v) < 1+fingerprint.Size {
		return fingerprint.ContentHash{}
	}
	pos := 0
	return decodeHashBytes(v, &pos)
}

var _ = fmt.Sprintf // keep fmt import slot available for future diagnostics
