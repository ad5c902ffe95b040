//go:build darwin || freebsd || linux

package vaultlib

import "golang.org/x/sys/unix"

// freeDiskSpace returns the bytes available to unprivileged users on the
// volume holding path.
func freeDiskSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
