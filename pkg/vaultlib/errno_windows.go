//go:build windows

package vaultlib

import "syscall"

// Native Windows socket error codes (WSAE*). Go's POSIX-style constants on
// Windows are invented values, so both sets are checked.
const (
	wsaenetdown     syscall.Errno = 10050
	wsaenetunreach  syscall.Errno = 10051
	wsaenetreset    syscall.Errno = 10052
	wsaeconnaborted syscall.Errno = 10053
	wsaeconnreset   syscall.Errno = 10054
	wsaetimedout    syscall.Errno = 10060
	wsaeconnrefused syscall.Errno = 10061
	wsaehostdown    syscall.Errno = 10064
	wsaehostunreach syscall.Errno = 10065
)

func isRetryableErrno(errno syscall.Errno) bool {
	switch errno {
	case syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ETIMEDOUT, syscall.EPIPE,
		wsaeconnreset, wsaeconnaborted, wsaetimedout, wsaenetreset:
		return true
	}
	return false
}

func isUnreachableErrno(errno syscall.Errno) bool {
	switch errno {
	case syscall.ECONNREFUSED, syscall.ENETUNREACH, syscall.EHOSTUNREACH,
		wsaeconnrefused, wsaenetunreach, wsaehostunreach, wsaenetdown, wsaehostdown:
		return true
	}
	return false
}
