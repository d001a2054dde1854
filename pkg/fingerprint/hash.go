// Package fingerprint implements the core content-addressing primitives used
// throughout the cache: fixed-width content hashes, the two-phase weak/strong
// fingerprint pair, and the deterministic pathset encoding used to derive a
// strong fingerprint from observed paths.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
)

// HashType tags the algorithm used to produce a ContentHash. It is recorded
// alongside the hash bytes so that remap-table lookups (pkg/historic) can
// distinguish hashes of the same content produced under different schemes.
type HashType uint8

const (
	// HashTypeSHA256 is the default, collision-resistant content-identity hash.
	HashTypeSHA256 HashType = iota
	// HashTypeXXH128 is a fast, non-cryptographic hash used for path digests
	// and other uses that don't require resistance to adversarial collisions.
	HashTypeXXH128
)

func (t HashType) String() string {
	switch t {
	case HashTypeSHA256:
		return "sha256"
	case HashTypeXXH128:
		return "xxh128"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Size is the fixed byte width used for all ContentHash, WeakFingerprint, and
// StrongFingerprint values. A single width across hash types keeps
// Fingerprint's in-place XOR well-defined regardless of which hash type
// produced either operand; see the Open Questions resolution in SPEC_FULL.md.
const Size = 32

// ContentHash is an opaque fixed-width digest identifying a blob by content.
type ContentHash struct {
	Type  HashType
	Bytes [Size]byte
}

// Zero is the placeholder hash used for missing fingerprints.
var Zero = ContentHash{}

// IsZero reports whether h is the zero-value sentinel.
func (h ContentHash) IsZero() bool {
	return h == Zero
}

// Compare provides a total order over ContentHash values, ordering first by
// hash type and then lexicographically by digest bytes.
func (h ContentHash) Compare(other ContentHash) int {
	if h.Type != other.Type {
		if h.Type < other.Type {
			return -1
		}
		return 1
	}
	return bytes.Compare(h.Bytes[:], other.Bytes[:])
}

// ShortCode returns the 32-bit short code used for compact set membership
// (e.g. the historic content cache's retention set). It is derived from an
// independent fast hash of the full digest so that short-code collisions
// aren't correlated with shared hash prefixes.
func (h ContentHash) ShortCode() uint32 {
	sum := xxh3.Hash128(append([]byte{byte(h.Type)}, h.Bytes[:]...))
	return uint32(sum.Lo)
}

// String returns a hex encoding of the hash, prefixed with its type.
func (h ContentHash) String() string {
	return fmt.Sprintf("%s:%s", h.Type, hex.EncodeToString(h.Bytes[:]))
}

// Of computes the default content hash (SHA-256) of data.
func Of(data []byte) ContentHash {
	sum := sha256.Sum256(data)
	return ContentHash{Type: HashTypeSHA256, Bytes: sum}
}

// FastOf computes a non-cryptographic XXH128 hash of data, used where
// collision resistance against adversarial input is unnecessary.
func FastOf(data []byte) ContentHash {
	sum := xxh3.Hash128(data)
	var out ContentHash
	out.Type = HashTypeXXH128
	b := sum.Bytes()
	copy(out.Bytes[:], b[:])
	return out
}

// WeakFingerprint is a fixed-width hash over the static, pre-observation
// inputs of a pip.
type WeakFingerprint [Size]byte

// StrongFingerprint is a fixed-width hash over a pathset plus the observed
// content at those paths.
type StrongFingerprint [Size]byte

// Fingerprint is the derived compact key weak XOR strong (I4).
type Fingerprint [Size]byte

// Derive computes weak XOR strong in place into a fresh array.
func Derive(weak WeakFingerprint, strong StrongFingerprint) Fingerprint {
	var result Fingerprint
	for i := 0; i < Size; i++ {
		result[i] = weak[i] ^ strong[i]
	}
	return result
}

func (f WeakFingerprint) String() string   { return hex.EncodeToString(f[:]) }
func (f StrongFingerprint) String() string { return hex.EncodeToString(f[:]) }
func (f Fingerprint) String() string       { return hex.EncodeToString(f[:]) }

// WellKnown content hash sentinels (§6.3).
var (
	// AbsentFile encodes "this path must not exist after materialization".
	AbsentFile = ContentHash{Type: HashTypeSHA256, Bytes: [Size]byte{0xff}}
	// UntrackedFile encodes "outside tracked scope; do not treat as a real hash".
	UntrackedFile = ContentHash{Type: HashTypeSHA256, Bytes: [Size]byte{0xfe}}
	// ZeroHash is the placeholder for missing fingerprints.
	ZeroHash = Zero
)
