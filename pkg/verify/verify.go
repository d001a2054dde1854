// Package verify implements the source-file verifier (C8, spec.md §4.8):
// on distributed workers, hash each declared source file locally and
// compare it against the coordinator-expected hash before materialization
// proceeds, reporting one of four PipInputVerificationMismatch diagnostics.
// Grounded on the pooled-hasher idiom used by the content store
// (pkg/content/localcas.go) over pkg/stream's HashedWriter.
package verify

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/corvus-build/pipcache/pkg/artifact"
	"github.com/corvus-build/pipcache/pkg/fingerprint"
	"github.com/corvus-build/pipcache/pkg/logging"
	"github.com/corvus-build/pipcache/pkg/stream"
)

// MismatchKind distinguishes the four verification-failure diagnostics
// named in §4.7.2 step 4 / §4.8.
type MismatchKind int

const (
	// ContentMismatch: the file exists and hashes to something other than
	// the expected hash.
	ContentMismatch MismatchKind = iota
	// SourceFileMismatch: the mismatch concerns a declared source file
	// specifically (as opposed to an output being verified for other
	// reasons), surfaced as PipInputVerificationMismatchForSourceFile.
	SourceFileMismatch
	// ExpectedExistenceMismatch: the expected hash was a real content hash
	// but the file does not exist (PipInputVerificationMismatchExpectedExistence).
	ExpectedExistenceMismatch
	// ExpectedNonExistenceMismatch: the expected hash was AbsentFile but the
	// file exists (PipInputVerificationMismatchExpectedNonExistence).
	ExpectedNonExistenceMismatch
)

func (k MismatchKind) String() string {
	switch k {
	case ContentMismatch:
		return "PipInputVerificationMismatch"
	case SourceFileMismatch:
		return "PipInputVerificationMismatchForSourceFile"
	case ExpectedExistenceMismatch:
		return "PipInputVerificationMismatchExpectedExistence"
	case ExpectedNonExistenceMismatch:
		return "PipInputVerificationMismatchExpectedNonExistence"
	default:
		return "PipInputVerificationMismatchUnknown"
	}
}

// Mismatch describes a single verification failure.
type Mismatch struct {
	Kind     MismatchKind
	Artifact artifact.FileArtifact
	Expected fingerprint.ContentHash
	Actual   fingerprint.ContentHash
}

func (m Mismatch) Error() string {
	return fmt.Sprintf("%s: %s expected %s, got %s", m.Kind, m.Artifact.Path, m.Expected, m.Actual)
}

// Verifier hashes local source files and compares them against an expected
// hash, for use on distributed workers before materialization places a pip's
// declared inputs (§4.7.2 step 4).
type Verifier struct {
	logger *logging.Logger
}

// New creates a Verifier.
func New(logger *logging.Logger) *Verifier {
	return &Verifier{logger: logger}
}

// VerifySourceFile hashes the file at f.Path (if it exists) and compares it
// to expected, returning a *Mismatch (nil on success) describing which of
// the four diagnostics applies.
func (v *Verifier) VerifySourceFile(f artifact.FileArtifact, expected fingerprint.ContentHash) (*Mismatch, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			if expected == fingerprint.AbsentFile {
				return nil, nil
			}
			return &Mismatch{Kind: ExpectedExistenceMismatch, Artifact: f, Expected: expected}, nil
		}
		return nil, fmt.Errorf("verify: unable to open %s: %w", f.Path, err)
	}
	defer file.Close()

	if expected == fingerprint.AbsentFile {
		return &Mismatch{Kind: ExpectedNonExistenceMismatch, Artifact: f, Expected: expected}, nil
	}

	actual, err := hashFile(file)
	if err != nil {
		return nil, fmt.Errorf("verify: unable to hash %s: %w", f.Path, err)
	}

	if actual != expected {
		kind := ContentMismatch
		if f.IsSource() {
			kind = SourceFileMismatch
		}
		return &Mismatch{Kind: kind, Artifact: f, Expected: expected, Actual: actual}, nil
	}

	return nil, nil
}

// VerifyAll verifies every entry in expected, logging each mismatch and
// returning the full set (rather than stopping at the first) so the caller
// can decide which materializations to abort.
func (v *Verifier) VerifyAll(expected map[artifact.FileArtifact]fingerprint.ContentHash) ([]Mismatch, error) {
	var mismatches []Mismatch
	for f, hash := range expected {
		m, err := v.VerifySourceFile(f, hash)
		if err != nil {
			return mismatches, err
		}
		if m != nil {
			v.logger.Warnf("%s", m.Error())
			mismatches = append(mismatches, *m)
		}
	}
	return mismatches, nil
}

func hashFile(r io.Reader) (fingerprint.ContentHash, error) {
	hasher := sha256.New()
	counting := stream.NewHashedWriter(io.Discard, hasher)
	if _, err := io.Copy(counting, r); err != nil {
		return fingerprint.ContentHash{}, err
	}
	var sum fingerprint.ContentHash
	sum.Type = fingerprint.HashTypeSHA256
	copy(sum.Bytes[:], hasher.Sum(nil))
	return sum, nil
}
