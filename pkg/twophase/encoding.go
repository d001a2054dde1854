package twophase

import (
	"encoding/binary"
	"fmt"

	"github.com/corvus-build/pipcache/pkg/fingerprint"
)

// encodeCacheEntry produces the deterministic binary form of a CacheEntry:
//
//	u8 metadataHashType, hashBytes metadataHash
//	u32 originatingCacheIdLen, originatingCacheId bytes
//	u32 referencedCount, [u8 hashType, hashBytes]*
func encodeCacheEntry(e CacheEntry) []byte {
	buf := make([]byte, 0, 1+fingerprint.Size+4+len(e.OriginatingCacheID)+4+len(e.ReferencedContentHashes)*(1+fingerprint.Size))

	buf = append(buf, byte(e.MetadataHash.Type))
	buf = append(buf, e.MetadataHash.Bytes[:]...)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(e.OriginatingCacheID)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.OriginatingCacheID...)

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(e.ReferencedContentHashes)))
	buf = append(buf, lenBuf[:]...)
	for _, h := range e.ReferencedContentHashes {
		buf = append(buf, byte(h.Type))
		buf = append(buf, h.Bytes[:]...)
	}

	return buf
}

func decodeCacheEntry(data []byte) (CacheEntry, error) {
	var e CacheEntry
	if len(data) < 1+fingerprint.Size+4 {
		return e, fmt.Errorf("cache entry blob too short")
	}
	pos := 0
	e.MetadataHash.Type = fingerprint.HashType(data[pos])
	pos++
	copy(e.MetadataHash.Bytes[:], data[pos:pos+fingerprint.Size])
	pos += fingerprint.Size

	idLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if pos+idLen > len(data) {
		return e, fmt.Errorf("cache entry blob truncated in originating cache id")
	}
	e.OriginatingCacheID = string(data[pos : pos+idLen])
	pos += idLen

	if pos+4 > len(data) {
		return e, fmt.Errorf("cache entry blob truncated before referenced count")
	}
	count := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	pos += 4

	e.ReferencedContentHashes = make([]fingerprint.ContentHash, 0, count)
	for i := 0; i < count; i++ {
		if pos+1+fingerprint.Size > len(data) {
			return e, fmt.Errorf("cache entry blob truncated in referenced hashes")
		}
		var h fingerprint.ContentHash
		h.Type = fingerprint.HashType(data[pos])
		pos++
		copy(h.Bytes[:], data[pos:pos+fingerprint.Size])
		pos += fingerprint.Size
		e.ReferencedContentHashes = append(e.ReferencedContentHashes, h)
	}

	return e, nil
}

// entryKey builds the composite key used to address a published entry:
// weak || pathSetHash || strong.
func entryKey(weak fingerprint.WeakFingerprint, pathSetHash fingerprint.ContentHash, strong fingerprint.StrongFingerprint) []byte {
	key := make([]byte, 0, fingerprint.Size*2+1+fingerprint.Size)
	key = append(key, weak[:]...)
	key = append(key, byte(pathSetHash.Type))
	key = append(key, pathSetHash.Bytes[:]...)
	key = append(key, strong[:]...)
	return key
}
