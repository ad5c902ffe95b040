//go:build !windows

package vaultcli

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/warpdl/warpvault/common"
)

func socketPath() string {
	if path := os.Getenv(common.SocketPathEnv); path != "" {
		return path
	}
	return filepath.Join(os.TempDir(), "warpvault.sock")
}

// dialLocal tries the Unix socket, then loopback TCP.
func dialLocal(ctx context.Context) (net.Conn, error) {
	debugLog("connecting via Unix socket at %s", socketPath())
	conn, err := dialFunc(ctx, "unix", socketPath())
	if err != nil {
		return dialTCPFallback(ctx, fmt.Errorf("unix socket error: %w", err))
	}
	return conn, nil
}

func dialURI(ctx context.Context, uri *DaemonURI) (net.Conn, error) {
	switch uri.Scheme {
	case SchemeUnix, SchemeTCP:
		conn, err := dialFunc(ctx, uri.Scheme, uri.Address)
		if err != nil {
			return nil, fmt.Errorf("%s connection failed: %w", uri.Scheme, err)
		}
		return conn, nil
	case SchemePipe:
		return nil, ErrPipeNotSupported
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, uri.Scheme)
	}
}
