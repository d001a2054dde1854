package artifact

import "testing"

func TestFileArtifactIsSource(t *testing.T) {
	source := FileArtifact{Path: "/a", RewriteCount: 0}
	output := FileArtifact{Path: "/a", RewriteCount: 1}

	if !source.IsSource() {
		t.Fatalf("expected rewrite count 0 to be a source artifact")
	}
	if output.IsSource() {
		t.Fatalf("expected rewrite count 1 to not be a source artifact")
	}
}

func TestFileArtifactLess(t *testing.T) {
	cases := []struct {
		name string
		a, b FileArtifact
		want bool
	}{
		{"different path", FileArtifact{Path: "/a"}, FileArtifact{Path: "/b"}, true},
		{"same path lower rewrite", FileArtifact{Path: "/a", RewriteCount: 0}, FileArtifact{Path: "/a", RewriteCount: 1}, true},
		{"same path higher rewrite", FileArtifact{Path: "/a", RewriteCount: 1}, FileArtifact{Path: "/a", RewriteCount: 0}, false},
		{"identical", FileArtifact{Path: "/a", RewriteCount: 1}, FileArtifact{Path: "/a", RewriteCount: 1}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.a.Less(c.b); got != c.want {
				t.Fatalf("Less(%+v, %+v) = %v, want %v", c.a, c.b, got, c.want)
			}
		})
	}
}

func TestSealDirectoryKindIsDynamic(t *testing.T) {
	for kind, want := range map[SealDirectoryKind]bool{
		Full:                 false,
		Partial:              false,
		SourceTopOnly:        false,
		SourceAllDirectories: false,
		Opaque:               true,
		SharedOpaque:         true,
	} {
		if got := kind.IsDynamic(); got != want {
			t.Errorf("%s.IsDynamic() = %v, want %v", kind, got, want)
		}
	}
}
