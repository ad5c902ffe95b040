//go:build windows

package server

// cleanupSocket is a no-op on Windows; named pipes disappear with their
// last handle.
func cleanupSocket(string) error {
	return nil
}
