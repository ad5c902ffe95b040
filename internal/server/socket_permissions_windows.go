//go:build windows

package server

// setSocketPermissions is a no-op on Windows; the pipe carries its own
// security descriptor.
func setSocketPermissions(string) error {
	return nil
}
