package historic

import (
	"encoding/binary"
	"fmt"
	"os"

	"go.etcd.io/bbolt"

	"github.com/corvus-build/pipcache/pkg/fingerprint"
)

// load implements the §4.4.3 load sequence. It is invoked at most once per
// Cache, behind the single-run latch in awaitLoad.
func (c *Cache) load() error {
	db, err := c.openWithVersionGuard()
	if err != nil {
		c.disabled.Mark()
		c.logger.Warnf("historic metadata cache disabled after repeated open failures: %s", err.Error())
		return nil
	}
	c.db = db

	var age uint64
	var priorActiveColumn int
	var blob []byte

	err = c.db.Update(func(tx *bbolt.Tx) error {
		defaultB := tx.Bucket(defaultBucket)

		age = readUint64(defaultB, keyAge)
		age++
		writeUint64(defaultB, keyAge, age)

		priorActiveColumn = int(readUint64(defaultB, keyActiveRemapColumn))
		blob = defaultB.Get([]byte(keyHistoricEntries))
		if blob != nil {
			// Copy out from under the transaction's mmap.
			cp := make([]byte, len(blob))
			copy(cp, blob)
			blob = cp
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("unable to read historic metadata cache header: %w", err)
	}

	c.age = age

	ttlForRemap := uint64(c.config.HistoricMetadataCacheDefaultTimeToLive)
	if ttlForRemap == 0 {
		ttlForRemap = 1
	}
	c.activeRemapColumn = int((age / ttlForRemap) % 2)

	if c.activeRemapColumn != priorActiveColumn {
		if err := c.rotateRemapColumn(c.activeRemapColumn); err != nil {
			return fmt.Errorf("unable to rotate remap column: %w", err)
		}
	}

	if blob != nil {
		if err := c.deserializeEntries(blob); err != nil {
			c.logger.Warnf("historic metadata cache entries blob corrupted, starting cold: %s", err.Error())
		}
	}

	return nil
}

// openWithVersionGuard opens the database, resetting it once on a
// FormatVersion mismatch or open failure before giving up (§4.4.3 step 1,
// §7 VersionMismatch).
func (c *Cache) openWithVersionGuard() (*bbolt.DB, error) {
	db, err := c.openOnce()
	if err == nil {
		return db, nil
	}

	c.logger.Warnf("resetting historic metadata cache after open failure: %s", err.Error())
	if removeErr := os.RemoveAll(c.path); removeErr != nil {
		return nil, fmt.Errorf("unable to reset historic metadata cache: %w", removeErr)
	}

	return c.openOnce()
}

func (c *Cache) openOnce() (*bbolt.DB, error) {
	db, err := bbolt.Open(c.path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	versionErr := db.Update(func(tx *bbolt.Tx) error {
		defaultB, err := tx.CreateBucketIfNotExists(defaultBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(contentBucket); err != nil {
			return err
		}
		for _, name := range remapBucketNames {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		existing := defaultB.Get([]byte(keyFormatVersion))
		if existing == nil {
			writeUint64(defaultB, keyFormatVersion, formatVersion)
			return nil
		}
		if binary.LittleEndian.Uint64(existing) != formatVersion {
			return fmt.Errorf("format version mismatch")
		}
		return nil
	})
	if versionErr != nil {
		db.Close()
		return nil, versionErr
	}

	return db, nil
}

func readUint64(bucket *bbolt.Bucket, key string) uint64 {
	v := bucket.Get([]byte(key))
	if v == nil || len(v) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

func writeUint64(bucket *bbolt.Bucket, key string, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	bucket.Put([]byte(key), buf[:])
}

// deserializeEntries decodes the historic entries blob (§6.1) and populates
// the in-memory indices, decrementing each stored TTL by one (floor at
// zero) per §4.4.3 step 4.
func (c *Cache) deserializeEntries(blob []byte) error {
	if len(blob) < 4 {
		return fmt.Errorf("historic entries blob too short")
	}
	pos := 0
	weakCount := binary.LittleEndian.Uint32(blob[pos : pos+4])
	pos += 4

	for i := uint32(0); i < weakCount; i++ {
		if pos+fingerprint.Size+8+4 > len(blob) {
			return fmt.Errorf("historic entries blob truncated in weak header")
		}
		var weak fingerprint.WeakFingerprint
		copy(weak[:], blob[pos:pos+fingerprint.Size])
		pos += fingerprint.Size

		semistable := binary.LittleEndian.Uint64(blob[pos : pos+8])
		pos += 8

		strongCount := binary.LittleEndian.Uint32(blob[pos : pos+4])
		pos += 4

		s := newStack()
		for j := uint32(0); j < strongCount; j++ {
			recordLen := fingerprint.Size + (1 + fingerprint.Size) + (1 + fingerprint.Size) + 1
			if pos+recordLen > len(blob) {
				return fmt.Errorf("historic entries blob truncated in strong record")
			}

			var strong fingerprint.StrongFingerprint
			copy(strong[:], blob[pos:pos+fingerprint.Size])
			pos += fingerprint.Size

			pathSetHash := decodeHashBytes(blob, &pos)
			metadataHash := decodeHashBytes(blob, &pos)

			ttl := blob[pos]
			pos++
			if ttl > 0 {
				ttl--
			}

			s.pushAscending(entry{Strong: strong, PathSetHash: pathSetHash, MetadataHash: metadataHash, TTL: ttl})

			full := fingerprint.Derive(weak, strong)
			c.fullFingerprintToMetadata.Set(full, metadataHash)
		}

		c.weakStacks.Set(weak, s)
		c.semistableToWeak.Set(semistable, weak)
		c.weakToSemistable.Set(weak, semistable)
	}

	return nil
}

func decodeHashBytes(blob []byte, pos *int) fingerprint.ContentHash {
	var h fingerprint.ContentHash
	h.Type = fingerprint.HashType(blob[*pos])
	*pos++
	copy(h.Bytes[:], blob[*pos:*pos+fingerprint.Size])
	*pos += fingerprint.Size
	return h
}

func encodeHashBytes(buf []byte, h fingerprint.ContentHash) []byte {
	buf = append(buf, byte(h.Type))
	buf = append(buf, h.Bytes[:]...)
	return buf
}

// save implements the §4.4.4 save sequence.
func (c *Cache) save() error {
	if !c.accessed.Marked() {
		return nil
	}

	// Step 2: mark short codes of hashes this session inserted as existing,
	// influencing retention on the next load.
	c.newContentEntries.ForEach(func(h fingerprint.ContentHash, insertedThisSession bool) bool {
		if insertedThisSession {
			c.existingContentEntries.Add(h.ShortCode())
		}
		return true
	})

	proactive := c.config.ProactivePurgeHistoricMetadataEntries
	defaultTTL := c.config.HistoricMetadataCacheDefaultTimeToLive

	type weakGroup struct {
		weak       fingerprint.WeakFingerprint
		semistable uint64
		entries    []entry
	}
	var groups []weakGroup

	totalGroups := 0
	expiredGroups := 0
	c.weakStacks.ForEach(func(weak fingerprint.WeakFingerprint, s *stack) bool {
		totalGroups++
		all := s.snapshotTopFirst()
		allExpired := true
		for _, e := range all {
			if e.TTL > 0 {
				allExpired = false
				break
			}
		}
		if allExpired {
			expiredGroups++
		}
		return true
	})

	purgeExpired := proactive
	if !proactive && totalGroups > 0 {
		purgeExpired = expiredGroups >= (totalGroups+1)/2
	}

	c.weakStacks.ForEach(func(weak fingerprint.WeakFingerprint, s *stack) bool {
		all := s.snapshotTopFirst()

		seen := make(map[string]bool, len(all))
		deduped := make([]entry, 0, len(all))
		for _, e := range all {
			if e.TTL == 0 && purgeExpired {
				continue
			}

			dedupKey := string(e.Strong[:]) + string(e.PathSetHash.Bytes[:])
			if seen[dedupKey] {
				continue
			}
			seen[dedupKey] = true

			if e.MetadataHash.IsZero() {
				continue
			}
			if !c.existingContentEntries.Contains(e.PathSetHash.ShortCode()) {
				continue
			}
			if !c.existingContentEntries.Contains(e.MetadataHash.ShortCode()) {
				continue
			}

			deduped = append(deduped, e)
		}

		if uint8(len(deduped)) > defaultTTL && defaultTTL > 0 {
			deduped = deduped[:defaultTTL]
		}

		if len(deduped) == 0 {
			return true
		}

		semistable, _ := c.weakToSemistable.Get(weak)
		// Reverse to ascending-TTL order for serialization (§4.4.4 step 5).
		ascending := make([]entry, len(deduped))
		for i, e := range deduped {
			ascending[len(deduped)-1-i] = e
		}

		groups = append(groups, weakGroup{weak: weak, semistable: semistable, entries: ascending})
		return true
	})

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(groups)))

	for _, g := range groups {
		buf = append(buf, g.weak[:]...)
		var semistableBuf [8]byte
		binary.LittleEndian.PutUint64(semistableBuf[:], g.semistable)
		buf = append(buf, semistableBuf[:]...)

		var countBuf [4]byte
		binary.LittleEndian.PutUint32(countBuf[:], uint32(len(g.entries)))
		buf = append(buf, countBuf[:]...)

		for _, e := range g.entries {
			buf = append(buf, e.Strong[:]...)
			buf = encodeHashBytes(buf, e.PathSetHash)
			buf = encodeHashBytes(buf, e.MetadataHash)
			buf = append(buf, e.TTL)
		}
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		defaultB := tx.Bucket(defaultBucket)
		if err := defaultB.Put([]byte(keyHistoricEntries), buf); err != nil {
			return err
		}
		writeUint64(defaultB, keyActiveRemapColumn, uint64(c.activeRemapColumn))
		return nil
	})
}
