package fingerprint

import (
	"encoding/binary"
	"sort"
)

// ObservationFlag records how a path was observed while forming a strong
// fingerprint: whether it was read, enumerated as a directory, or found
// absent.
type ObservationFlag uint8

const (
	ObservedExistence ObservationFlag = 1 << iota
	ObservedContent
	ObservedDirectoryEnumeration
	ObservedAbsence
)

// ObservedPath is a single entry in an ObservedPathSet.
type ObservedPath struct {
	Path  string
	Flags ObservationFlag
	Hash  ContentHash
}

// ObservedPathSet is the ordered observation list used to derive a strong
// fingerprint (the "pathset"). Paths are kept in the order they were
// observed; Encode is deterministic for a given ordering.
type ObservedPathSet struct {
	Paths []ObservedPath
}

// Sorted returns a copy of the set with paths ordered lexicographically,
// which is the canonical order used for hashing (PathSetHash) so that the
// same logical set always serializes identically regardless of observation
// order.
func (s ObservedPathSet) Sorted() ObservedPathSet {
	out := make([]ObservedPath, len(s.Paths))
	copy(out, s.Paths)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return ObservedPathSet{Paths: out}
}

// Encode produces the deterministic binary form of the pathset:
//
//	u32 count
//	for each path (in canonical sorted order):
//	  u32 pathLen, path bytes, u8 flags, u8 hashType, hash bytes
func (s ObservedPathSet) Encode() []byte {
	canonical := s.Sorted()

	buf := make([]byte, 4, 4+len(canonical.Paths)*64)
	binary.LittleEndian.PutUint32(buf, uint32(len(canonical.Paths)))

	for _, p := range canonical.Paths {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(p.Path)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, p.Path...)
		buf = append(buf, byte(p.Flags))
		buf = append(buf, byte(p.Hash.Type))
		buf = append(buf, p.Hash.Bytes[:]...)
	}

	return buf
}

// Hash computes the PathSetHash: the content hash of the pathset's
// deterministic encoding.
func (s ObservedPathSet) Hash() ContentHash {
	return Of(s.Encode())
}

// PathSetHash is an alias used at call sites where the spec's vocabulary
// ("PathSetHash") is clearer than the generic ContentHash name.
type PathSetHash = ContentHash
