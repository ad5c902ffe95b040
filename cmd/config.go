package cmd

const DESCRIPTION = `
WarpVault backs up imaging studies from a local catalog to remote
archives. A daemon queues, routes, transfers and verifies studies
while this command line talks to it over a local socket.
`

const HELP_TEMPL = `Usage: {{if .UsageText}}{{.UsageText}}{{else}}{{.HelpName}} {{if .VisibleFlags}}[global options]{{end}}{{if .Commands}} command [command options]{{end}} {{if .ArgsUsage}}{{.ArgsUsage}}{{else}}[arguments...]{{end}}{{end}}
{{.Description}}{{if .VisibleCommands}}
Commands:{{range .VisibleCategories}}{{if .Name}}

{{.Name}}:{{range .VisibleCommands}}
  {{join .Names ", "}}{{"\t"}}{{.Usage}}{{end}}{{else}}{{range .VisibleCommands}}
{{"\t"}}{{index .Names 0}}{{"\t:\t"}}{{.Usage}}{{end}}{{end}}{{end}}{{end}}{{if .VisibleFlags}}

Global Flags:{{range .VisibleFlags}}
  {{.}}{{end}}{{end}}

Use "{{.HelpName}} help <command>" for more information about any command.

`

const CMD_HELP_TEMPL = `{{if .Description}}{{.Description}}{{else}}{{.HelpName}} - {{.Usage}}

{{end}}Usage:
        {{.HelpName}} {{if .UsageText}}{{.UsageText}}{{else}}[arguments...]{{end}}{{if .VisibleFlags}}

Supported Flags:{{range .VisibleFlags}}
  {{.}}{{end}}{{end}}

`

const (
	DaemonDescription = `The daemon command runs the backup engine, the scheduler
and the JSON-RPC server in the foreground until interrupted.
It reads config.yaml from the configuration directory.

Example:
        warpvault daemon

`
	InitDescription = `The init command writes a default config.yaml that backs
up the studies found under a catalog root.

Example:
        warpvault init /srv/pacs/studies

`
	StartDescription = `The start command selects studies from the catalog and
queues one transfer per study and destination. Incremental
and differential runs only pick studies changed since the
last snapshot of their kind.

Example:
        warpvault start --type full
        warpvault start -t incremental -m CT -m MR --since 72h
        warpvault start --study 1.2.840.113619.2.55 -p urgent -d offsite

`
	StatusDescription = `The status command shows the engine state, the queue,
the active transfers and the most recent runs.

Example:
        warpvault status

`
	ListDescription = `The list command displays the queued, running and
finished transfers along with their ids, which the cancel,
prioritize and remove commands take.

Example:
        warpvault list
        warpvault list --status failed

`
	CancelDescription = `The cancel command stops a queued or running transfer.

Example:
        warpvault cancel <transfer id>

`
	PrioritizeDescription = `The prioritize command moves a waiting transfer to
another priority.

Example:
        warpvault prioritize -p emergency <transfer id>

`
	RemoveDescription = `The remove command forgets a finished transfer.

Example:
        warpvault remove <transfer id>

`
	WatchDescription = `The watch command follows transfers live with progress
bars and prints monitor alerts until interrupted.

Example:
        warpvault watch
        warpvault watch --id <transfer id>

`
	DestDescription = `The dest commands manage backup destinations. A url
selects the transport: dicom://, sftp://, ftp://, ftps://
or dir://.

Example:
        warpvault dest add sftp://backup@archive:22/pacs -n offsite -s -
        warpvault dest probe
        warpvault dest secret offsite

`
	ScheduleDescription = `The schedule commands manage cron schedules that start
backup runs.

Example:
        warpvault schedule add nightly --cron "0 2 * * *" -t incremental
        warpvault schedule suggest -m CT

`
	IndexDescription = `The index rebuild command rehashes every catalogued study
and drops deduplication records that no longer match.

Example:
        warpvault index rebuild

`
	StatsDescription = `The stats command prints the transfer statistics, or an
export of them.

Example:
        warpvault stats
        warpvault stats --export csv > stats.csv

`
	AuditDescription = `The audit command searches the audit trail.

Example:
        warpvault audit --since 24h --severity high
        warpvault audit --study 1.2.3 --csv

`
	ManifestDescription = `The manifest command prints the integrity manifest of a
study, or reads back the one stored at a destination.

Example:
        warpvault manifest 1.2.3.4
        warpvault manifest -d offsite -o manifest.json 1.2.3.4

`
	BandwidthDescription = `The bandwidth command sets the global transfer rate limit.

Example:
        warpvault bandwidth 20MB
        warpvault bandwidth 0

`
)
