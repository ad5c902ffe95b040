package server

import (
	"os"
	"path/filepath"

	"github.com/warpdl/warpvault/common"
)

// DEF_SOCKET_NAME is the socket file created in the temp dir when no path
// is configured.
const DEF_SOCKET_NAME = "warpvault.sock"

// socketPath resolves the Unix socket path: configured, then environment,
// then the temp dir.
func socketPath(configured string) string {
	if configured != "" {
		return configured
	}
	if path := os.Getenv(common.SocketPathEnv); path != "" {
		return path
	}
	return filepath.Join(os.TempDir(), DEF_SOCKET_NAME)
}
