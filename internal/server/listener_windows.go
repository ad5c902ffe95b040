//go:build windows

package server

import (
	"net"

	"github.com/Microsoft/go-winio"
)

// pipeSecurityDescriptor restricts pipe access to SYSTEM, the built-in
// Administrators and the creator owner.
const pipeSecurityDescriptor = "D:(A;;GA;;;SY)(A;;GA;;;BA)(A;;GA;;;CO)"

// createListener listens on the named pipe and reports it as trusted. It
// falls back to an authenticated loopback TCP listener.
func (s *Server) createListener() (net.Listener, bool, error) {
	l, err := winio.ListenPipe(pipePath(), &winio.PipeConfig{
		SecurityDescriptor: pipeSecurityDescriptor,
	})
	if err != nil {
		return s.tcpFallback(err)
	}
	return l, true, nil
}
