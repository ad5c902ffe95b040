// Package common provides the names shared by the warpvault daemon and its
// clients: environment variables, RPC methods, notifications and the
// request and response types of the RPC surface.
package common

// Environment variable names for configuration.
const (
	// ConfigDirEnv overrides the configuration directory.
	ConfigDirEnv = "WARPVAULT_CONFIG_DIR"

	// StateDirEnv overrides where the state database, audit log and
	// known_hosts file live.
	StateDirEnv = "WARPVAULT_STATE_DIR"

	// CatalogRootEnv overrides the study catalog root directory.
	CatalogRootEnv = "WARPVAULT_CATALOG_ROOT"

	// SocketPathEnv is the environment variable for custom socket path.
	SocketPathEnv = "WARPVAULT_SOCKET_PATH"

	// RPCListenEnv is an optional TCP address for the JSON-RPC server.
	RPCListenEnv = "WARPVAULT_RPC_LISTEN"

	// RPCSecretEnv is the bearer token of the JSON-RPC server.
	RPCSecretEnv = "WARPVAULT_RPC_SECRET"

	// RPCURLEnv points the CLI at a TCP daemon instead of the local socket.
	RPCURLEnv = "WARPVAULT_RPC_URL"

	// MaxConcurrentEnv overrides the transfer worker pool size.
	MaxConcurrentEnv = "WARPVAULT_MAX_CONCURRENT"

	// VerificationEnv overrides the verification mode (skip, simple, full).
	VerificationEnv = "WARPVAULT_VERIFICATION"

	// BandwidthEnv overrides the global bandwidth limit, e.g. "10MB".
	BandwidthEnv = "WARPVAULT_BANDWIDTH"

	// SmartScriptEnv points at a JavaScript smart classifier.
	SmartScriptEnv = "WARPVAULT_SMART_SCRIPT"

	// PipeNameEnv overrides the Windows named pipe name.
	PipeNameEnv = "WARPVAULT_PIPE_NAME"

	// DebugEnv is the environment variable to enable debug logging.
	DebugEnv = "WARPVAULT_DEBUG"
)
