package filesystem

import (
	"os"
	"testing"

	"github.com/corvus-build/pipcache/pkg/logging"
	"github.com/corvus-build/pipcache/pkg/must"
)

func TestMarkHidden(t *testing.T) {
	logger := logging.NewLogger(logging.LevelDisabled)

	hiddenFile, err := os.CreateTemp("", ".pipcache-filesystem-hidden")
	if err != nil {
		t.Fatal("unable to create temporary file:", err)
	}
	must.Close(hiddenFile, logger)
	defer must.OSRemove(hiddenFile.Name(), logger)

	if err := MarkHidden(hiddenFile.Name()); err != nil {
		t.Fatal("unable to mark file as hidden:", err)
	}
}
