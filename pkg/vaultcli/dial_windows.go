//go:build windows

package vaultcli

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
	"github.com/warpdl/warpvault/common"
)

// dialPipeFunc is replaced in tests.
var dialPipeFunc = func(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}

// dialLocal tries the named pipe, then loopback TCP.
func dialLocal(ctx context.Context) (net.Conn, error) {
	path := common.PipePath()
	debugLog("connecting via named pipe at %s", path)
	conn, err := dialPipeFunc(ctx, path)
	if err != nil {
		return dialTCPFallback(ctx, fmt.Errorf("named pipe error: %w", err))
	}
	return conn, nil
}

func dialURI(ctx context.Context, uri *DaemonURI) (net.Conn, error) {
	switch uri.Scheme {
	case SchemePipe:
		conn, err := dialPipeFunc(ctx, uri.Address)
		if err != nil {
			return nil, fmt.Errorf("named pipe connection failed: %w", err)
		}
		return conn, nil
	case SchemeTCP:
		conn, err := dialFunc(ctx, "tcp", uri.Address)
		if err != nil {
			return nil, fmt.Errorf("tcp connection failed: %w", err)
		}
		return conn, nil
	case SchemeUnix:
		return nil, ErrUnixNotSupported
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, uri.Scheme)
	}
}
