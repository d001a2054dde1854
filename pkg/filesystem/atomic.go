package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
)

// atomicWriteTemporaryNamePrefix is the file name prefix used for the
// intermediate temporary file created by WriteFileAtomic.
const atomicWriteTemporaryNamePrefix = TemporaryNamePrefix + "atomic-write"

// WriteFileAtomic writes data to path using an intermediate temporary file
// that is swapped into place with a rename, so that readers never observe a
// partially written file.
func WriteFileAtomic(path string, data []byte, permissions os.FileMode) error {
	temporary, err := os.CreateTemp(filepath.Dir(path), atomicWriteTemporaryNamePrefix)
	if err != nil {
		return fmt.Errorf("unable to create temporary file: %w", err)
	}

	if _, err = temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporary.Name())
		return fmt.Errorf("unable to write data to temporary file: %w", err)
	}
	if err = temporary.Close(); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("unable to close temporary file: %w", err)
	}
	if err = os.Chmod(temporary.Name(), permissions); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("unable to change file permissions: %w", err)
	}
	if err = Rename(temporary.Name(), path); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("unable to rename file: %w", err)
	}

	return nil
}
