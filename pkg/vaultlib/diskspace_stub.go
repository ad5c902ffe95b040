//go:build !darwin && !freebsd && !linux && !windows

package vaultlib

import "errors"

func freeDiskSpace(path string) (uint64, error) {
	return 0, errors.ErrUnsupported
}
