//go:build !windows

package server

import "os"

// setSocketPermissions limits the socket to its owner.
func setSocketPermissions(path string) error {
	return os.Chmod(path, 0700)
}
