package vaultcli

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/warpdl/warpvault/common"
)

// DEF_DIAL_TIMEOUT bounds connecting to the daemon.
const DEF_DIAL_TIMEOUT = 3 * time.Second

// dialFunc is replaced in tests.
var dialFunc = func(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// tcpAddress is the loopback listener the daemon falls back to.
func tcpAddress() string {
	return net.JoinHostPort(common.TCPHost, strconv.Itoa(common.DEF_RPC_PORT))
}

func debugMode() bool {
	return os.Getenv(common.DebugEnv) == "1"
}

func debugLog(format string, args ...any) {
	if debugMode() {
		log.Printf(format, args...)
	}
}

// dialer returns the connection function for uri, or the local default
// when uri is nil.
func dialer(uri *DaemonURI) func(ctx context.Context) (net.Conn, error) {
	if uri == nil {
		return dialLocal
	}
	return func(ctx context.Context) (net.Conn, error) {
		return dialURI(ctx, uri)
	}
}

// dialTCPFallback is the second step of dialLocal.
func dialTCPFallback(ctx context.Context, localErr error) (net.Conn, error) {
	debugLog("local connection failed: %v, falling back to TCP", localErr)
	conn, err := dialFunc(ctx, "tcp", tcpAddress())
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %v; tcp error: %w", localErr, err)
	}
	debugLog("connected via TCP fallback to %s", tcpAddress())
	return conn, nil
}
