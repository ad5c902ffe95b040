//go:build !windows

package vaultlib

import "syscall"

// isRetryableErrno reports errnos of a dropped or stalled connection.
func isRetryableErrno(errno syscall.Errno) bool {
	switch errno {
	case syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ETIMEDOUT, syscall.EPIPE:
		return true
	}
	return false
}

// isUnreachableErrno reports errnos meaning the destination could not be reached at all.
func isUnreachableErrno(errno syscall.Errno) bool {
	switch errno {
	case syscall.ECONNREFUSED, syscall.ENETUNREACH, syscall.EHOSTUNREACH, syscall.EHOSTDOWN:
		return true
	}
	return false
}
