package filesystem

import (
	"os"

	"github.com/pkg/errors"
)

// Rename performs an atomic rename from source to target, replacing target
// if it already exists. It does not support cross-device renames; a caller
// placing content from a temporary file must create that file alongside its
// eventual target.
func Rename(source, target string) error {
	if source == "" {
		return errors.New("source path not specified")
	} else if target == "" {
		return errors.New("target path not specified")
	}
	return os.Rename(source, target)
}
