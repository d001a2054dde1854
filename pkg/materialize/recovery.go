package materialize

import (
	"context"
	"fmt"
	"os"

	"github.com/corvus-build/pipcache/pkg/fingerprint"
)

// recoverContent implements content recovery (§4.7.3) for a single file
// whose expected hash was reported unavailable by LoadAvailable. It returns
// true if the hash became available (by restoring bytes into the cache or
// by enqueuing a dependent materialization that produced them), and an
// error describing why recovery failed otherwise (to be logged by the
// caller as FailedToLoadFileContentWarning).
func (c *Coordinator) recoverContent(ctx context.Context, f FileRequest) (bool, error) {
	target := f.targetPath()

	// Step 1: if the target already exists on disk with the correct hash,
	// either accept it as-is (preserved/not-cached policies) or restore it
	// into the cache.
	if hash, ok, err := c.host.HashLocalFile(target); err == nil && ok && hash == f.ExpectedHash {
		if f.PreserveOutputs || f.OutputsNotStoredToCache {
			return true, nil
		}
		if err := c.restoreFromDisk(ctx, target, f.ExpectedHash); err != nil {
			return false, err
		}
		return true, nil
	}

	// Step 2: look for another FileArtifact with the same hash, either via
	// the file-hash registry or by following a copy-source chain backward
	// via the host.
	if other, info, ok := c.hashes.FindByHash(f.ExpectedHash); ok {
		if other.IsSource() || c.hashes.IsMaterialized(other) {
			if err := c.restoreFromDisk(ctx, other.Path, info.ContentHash); err == nil {
				return true, nil
			}
		}
	}

	if source, ok := c.host.CopySourceOf(f.Artifact); ok {
		sourceInfo, err := c.hashes.GetInputContent(source)
		if err == nil && sourceInfo.ContentHash == f.ExpectedHash {
			// The dependent artifact isn't materialized yet; place it first
			// (I2 dependency edge), then retry restoring from disk.
			dependentOutcome := c.placeOne(ctx, FileRequest{
				Artifact:     source,
				ExpectedHash: sourceInfo.ContentHash,
			})
			if dependentOutcome.Err != nil {
				return false, fmt.Errorf("unable to materialize copy source %s: %w", source.Path, dependentOutcome.Err)
			}
			if err := c.restoreFromDisk(ctx, source.Path, f.ExpectedHash); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	return false, fmt.Errorf("no local content or alternate source available for hash %s", f.ExpectedHash)
}

func (c *Coordinator) restoreFromDisk(ctx context.Context, path string, expected fingerprint.ContentHash) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("unable to reopen %s for cache restore: %w", path, err)
	}
	defer file.Close()

	stored, err := c.content.StoreStream(ctx, file, &expected)
	if err != nil {
		return fmt.Errorf("unable to restore %s into cache: %w", path, err)
	}
	if stored != expected {
		return fmt.Errorf("restored content hash %s did not match expected %s", stored, expected)
	}
	return nil
}
