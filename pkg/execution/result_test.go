package execution

import (
	"testing"

	"github.com/corvus-build/pipcache/pkg/artifact"
	"github.com/corvus-build/pipcache/pkg/content"
	"github.com/corvus-build/pipcache/pkg/fingerprint"
)

func TestResultPanicsOnUnsealedAccess(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic accessing an unsealed result")
		}
	}()
	r := New(fingerprint.WeakFingerprint{})
	r.Status()
}

func TestResultPanicsOnSealedMutation(t *testing.T) {
	r := New(fingerprint.WeakFingerprint{})
	r.Seal()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic mutating a sealed result")
		}
	}()
	r.SetStatus(StatusSucceeded)
}

func TestResultOriginPrecedence(t *testing.T) {
	cases := []struct {
		name   string
		add    []content.Origin
		expect content.Origin
	}{
		{"all not materialized", []content.Origin{content.NotMaterialized, content.NotMaterialized}, content.NotMaterialized},
		{"up to date wins over not materialized", []content.Origin{content.NotMaterialized, content.UpToDate}, content.UpToDate},
		{"deployed from cache wins over up to date", []content.Origin{content.UpToDate, content.DeployedFromCache}, content.DeployedFromCache},
		{"produced wins over everything", []content.Origin{content.UpToDate, content.DeployedFromCache, content.Produced}, content.Produced},
		{"no outputs defaults to not materialized", nil, content.NotMaterialized},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := New(fingerprint.WeakFingerprint{})
			for i, origin := range c.add {
				r.AddOutput(OutputContent{Artifact: artifact.FileArtifact{Path: "/x"}}, origin)
				_ = i
			}
			r.Seal()
			if got := r.Origin(); got != c.expect {
				t.Fatalf("Origin() = %v, want %v", got, c.expect)
			}
		})
	}
}

func TestPerfMerge(t *testing.T) {
	var p Perf
	p.Merge(Perf{WallTime: 10, UserTime: 5, SystemTime: 2, MaximumRSSBytes: 100})
	p.Merge(Perf{WallTime: 7, UserTime: 3, SystemTime: 1, MaximumRSSBytes: 200})

	snap := p.Snapshot()
	if snap.WallTime != 17 || snap.UserTime != 8 || snap.SystemTime != 3 {
		t.Fatalf("expected additive merge, got %+v", snap)
	}
	if snap.MaximumRSSBytes != 200 {
		t.Fatalf("expected peak RSS to take the max, got %d", snap.MaximumRSSBytes)
	}
}

func TestCreateSealedConverged(t *testing.T) {
	r := New(fingerprint.WeakFingerprint{1})
	r.MergeObservations([]FileAccessViolation{{Path: "/bad", Description: "undeclared read"}}, nil)
	r.MergePerf(Perf{WallTime: 5})
	r.Seal()

	other := New(fingerprint.WeakFingerprint{2})
	out := OutputContent{Artifact: artifact.FileArtifact{Path: "/out"}}
	other.AddOutput(out, content.Produced)
	other.SetStatus(StatusSucceeded)
	other.Seal()

	converged := r.CreateSealedConverged(other)

	if !converged.Sealed() {
		t.Fatalf("expected converged result to be sealed")
	}
	if converged.Status() != StatusSucceeded {
		t.Fatalf("expected status taken from other, got %v", converged.Status())
	}
	if len(converged.Outputs()) != 1 || converged.Outputs()[0].Artifact.Path != "/out" {
		t.Fatalf("expected outputs taken from other, got %+v", converged.Outputs())
	}
	if converged.Origin() != content.Produced {
		t.Fatalf("expected origin derived from other's outputs, got %v", converged.Origin())
	}

	// Own observations and perf should survive.
	perf := converged.Perf()
	if perf.WallTime != 5 {
		t.Fatalf("expected own perf counters to carry over, got %+v", perf)
	}
}

func TestCreateSealedConvergedPanicsOnUnsealedSelf(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic when receiver is unsealed")
		}
	}()
	r := New(fingerprint.WeakFingerprint{})
	other := New(fingerprint.WeakFingerprint{})
	other.Seal()
	r.CreateSealedConverged(other)
}
