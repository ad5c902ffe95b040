package common

// TCPHost is the default bind address of the optional TCP RPC listener.
const TCPHost = "127.0.0.1"

// DEF_RPC_PORT is the port used when the TCP listener has no explicit address.
const DEF_RPC_PORT = 3850

// RPC endpoint paths.
const (
	RPCPath   = "/jsonrpc"
	RPCWSPath = "/jsonrpc/ws"
)

// JSON-RPC method names served by the daemon.
const (
	MethodVersion = "system.getVersion"

	MethodBackupStart  = "backup.start"
	MethodBackupPause  = "backup.pause"
	MethodBackupResume = "backup.resume"
	MethodBackupStop   = "backup.stop"
	MethodBackupStatus = "backup.status"

	MethodTransferCancel     = "transfer.cancel"
	MethodTransferPrioritize = "transfer.prioritize"
	MethodTransferList       = "transfer.list"
	MethodTransferRemove     = "transfer.remove"

	MethodDestinationList      = "destination.list"
	MethodDestinationAdd       = "destination.add"
	MethodDestinationRemove    = "destination.remove"
	MethodDestinationProbe     = "destination.probe"
	MethodDestinationSetSecret = "destination.setSecret"

	MethodScheduleList    = "schedule.list"
	MethodScheduleAdd     = "schedule.add"
	MethodScheduleRemove  = "schedule.remove"
	MethodScheduleSuggest = "schedule.suggest"

	MethodIndexRebuild = "index.rebuild"

	MethodStatsGet    = "stats.get"
	MethodStatsExport = "stats.export"

	MethodAuditSearch    = "audit.search"
	MethodManifestExport = "manifest.export"
	MethodBandwidthSet   = "bandwidth.set"
)

// Push notification names sent over the WebSocket channel.
const (
	NotifyTransferProgress  = "transfer.progress"
	NotifyTransferCompleted = "transfer.completed"
	NotifyTransferFailed    = "transfer.failed"
	NotifyTransferCancelled = "transfer.cancelled"
	NotifyMonitorAlert      = "monitor.alert"
)

// Export formats accepted by stats.export and audit.search.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatText = "text"
)
