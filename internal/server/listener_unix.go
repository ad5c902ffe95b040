//go:build !windows

package server

import (
	"net"
	"os"
)

// createListener listens on the Unix socket and reports it as trusted. It
// falls back to an authenticated loopback TCP listener.
func (s *Server) createListener() (net.Listener, bool, error) {
	path := socketPath(s.cfg.Socket)
	_ = os.Remove(path)
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return s.tcpFallback(err)
	}
	if err := setSocketPermissions(path); err != nil {
		l.Close()
		return nil, false, err
	}
	s.mu.Lock()
	s.socket = path
	s.mu.Unlock()
	return l, true, nil
}
