//go:build !windows

package server

import (
	"errors"
	"io/fs"
	"os"
)

// cleanupSocket removes the Unix socket file. A missing file is not an
// error.
func cleanupSocket(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
