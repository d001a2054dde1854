// Package artifact defines the path-identity types shared by the
// sealed-directory registry (C5), file-hash registry (C6), and
// materialization coordinator (C7): FileArtifact and DirectoryArtifact
// (spec.md §3), plus the seal-directory kind enumeration (§3).
package artifact

// FileArtifact identifies a file by its absolute path and rewrite count.
// rewriteCount == 0 denotes a source file; any other value denotes an
// output, with artifacts sharing a path but differing rewrite counts being
// distinct identities ordered by rewrite count (§3, I2).
type FileArtifact struct {
	Path         string
	RewriteCount uint32
}

// IsSource reports whether the artifact is a source file (rewrite count 0).
func (f FileArtifact) IsSource() bool {
	return f.RewriteCount == 0
}

// Less orders artifacts first by path, then by rewrite count, giving the
// total order required to determine which version of a path materializes
// before another (I2, P2).
func (f FileArtifact) Less(other FileArtifact) bool {
	if f.Path != other.Path {
		return f.Path < other.Path
	}
	return f.RewriteCount < other.RewriteCount
}

// SealDirectoryKind enumerates the ways a directory can be sealed (§3).
type SealDirectoryKind int

const (
	// Full seals the complete contents of a directory: anything not listed
	// is scrubbed away when the seal is established.
	Full SealDirectoryKind = iota
	// Partial seals a declared subset of a directory's contents.
	Partial
	// SourceTopOnly seals only the immediate contents of a source directory.
	SourceTopOnly
	// SourceAllDirectories seals a source directory and all its descendant
	// directories.
	SourceAllDirectories
	// Opaque is a dynamic output directory whose contents are unknown until
	// the producing pip completes; exclusive to a single producer.
	Opaque
	// SharedOpaque is a dynamic output directory that multiple pips may
	// write into.
	SharedOpaque
)

func (k SealDirectoryKind) String() string {
	switch k {
	case Full:
		return "Full"
	case Partial:
		return "Partial"
	case SourceTopOnly:
		return "SourceTopOnly"
	case SourceAllDirectories:
		return "SourceAllDirectories"
	case Opaque:
		return "Opaque"
	case SharedOpaque:
		return "SharedOpaque"
	default:
		return "Unknown"
	}
}

// IsDynamic reports whether contents of this kind of directory are only
// known at pip-completion time rather than pip-graph-construction time.
func (k SealDirectoryKind) IsDynamic() bool {
	return k == Opaque || k == SharedOpaque
}

// DirectoryArtifact identifies a sealed directory by its root path, the
// partial-seal identifier that distinguishes multiple partial seals of the
// same root, and whether it is a shared opaque directory.
type DirectoryArtifact struct {
	Path           string
	PartialSealID  uint32
	IsSharedOpaque bool
}
