package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli"
	cmdCommon "github.com/warpdl/warpvault/cmd/common"
	"github.com/warpdl/warpvault/common"
)

// DEF_VERSION_TIMEOUT bounds the daemon lookup of the version command.
const DEF_VERSION_TIMEOUT = 2 * time.Second

type BuildArgs struct {
	Version   string
	BuildType string
	Date      string
	Commit    string
}

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "url",
		Usage:  "daemon address: unix:///path, pipe://name or tcp://host:port",
		EnvVar: common.RPCURLEnv,
	},
	cli.StringFlag{
		Name:   "secret",
		Usage:  "bearer token for a TCP daemon",
		EnvVar: common.RPCSecretEnv,
	},
	cli.BoolFlag{
		Name:  "json",
		Usage: "print raw JSON results",
	},
}

func command(name, usage, desc string, action cli.ActionFunc, flags []cli.Flag, aliases ...string) cli.Command {
	return cli.Command{
		Name:                   name,
		Aliases:                aliases,
		Usage:                  usage,
		Description:            desc,
		Action:                 action,
		Flags:                  flags,
		OnUsageError:           cmdCommon.UsageErrorCallback,
		CustomHelpTemplate:     CMD_HELP_TEMPL,
		UseShortOptionHandling: true,
	}
}

func commands() []cli.Command {
	cmds := []cli.Command{
		command("daemon", "run the backup daemon in the foreground", DaemonDescription, getDaemonAction(), daemonFlags),
		command("init", "write a default configuration", InitDescription, initConfig, initFlags),
		command("start", "start a backup run", StartDescription, start, startFlags, "s"),
		command("pause", "pause dispatching new transfers", "", pause, nil),
		command("resume", "resume dispatching transfers", "", resume, nil),
		command("stop", "cancel every transfer and stop the engine", "", stop, nil),
		command("status", "show the engine and queue state", StatusDescription, status, nil, "st"),
		command("list", "list transfers", ListDescription, list, lsFlags, "l"),
		command("cancel", "cancel a transfer", CancelDescription, cancelTransfer, nil),
		command("prioritize", "change the priority of a transfer", PrioritizeDescription, prioritize, prioritizeFlags),
		command("remove", "remove a finished transfer", RemoveDescription, removeTransfer, nil, "rm"),
		command("watch", "follow transfers live", WatchDescription, watch, watchFlags, "w"),
		{
			Name:               "dest",
			Usage:              "manage backup destinations",
			Description:        DestDescription,
			CustomHelpTemplate: CMD_HELP_TEMPL,
			Subcommands: []cli.Command{
				command("list", "list destinations and their intake state", "", destList, nil),
				command("add", "add or update a destination", "", destAdd, destAddFlags),
				command("remove", "remove an idle destination", "", destRemove, nil),
				command("probe", "probe one or every destination", "", destProbe, nil),
				command("secret", "store or delete the secret of a destination", "", destSecret, destSecretFlags),
			},
		},
		{
			Name:               "schedule",
			Usage:              "manage backup schedules",
			Description:        ScheduleDescription,
			CustomHelpTemplate: CMD_HELP_TEMPL,
			Subcommands: []cli.Command{
				command("list", "list schedules", "", scheduleList, nil),
				command("add", "add or replace a schedule", "", scheduleAdd, scheduleAddFlags),
				command("remove", "remove a schedule", "", scheduleRemove, nil),
				command("suggest", "suggest backup times outside peak hours", "", scheduleSuggest, scheduleSuggestFlags),
			},
		},
		{
			Name:               "index",
			Usage:              "maintain the deduplication index",
			Description:        IndexDescription,
			CustomHelpTemplate: CMD_HELP_TEMPL,
			Subcommands: []cli.Command{
				command("rebuild", "rehash the catalog and drop stale records", "", indexRebuild, rebuildFlags),
			},
		},
		command("stats", "show or export transfer statistics", StatsDescription, stats, statsFlags),
		command("audit", "search the audit trail", AuditDescription, audit, auditFlags),
		command("manifest", "print the integrity manifest of a study", ManifestDescription, manifest, manifestFlags),
		command("bandwidth", "set the global bandwidth limit", BandwidthDescription, bandwidth, nil),
		{
			Name:    "help",
			Aliases: []string{"h"},
			Usage:   "prints the help message",
			Action:  cmdCommon.Help,
		},
		{
			Name:               "version",
			Aliases:            []string{"v"},
			Usage:              "prints the installed version",
			UsageText:          " ",
			CustomHelpTemplate: CMD_HELP_TEMPL,
			Action:             version,
		},
	}
	return append(cmds, getPlatformCommands()...)
}

func Execute(args []string, bArgs BuildArgs) error {
	currentBuildArgs = bArgs
	app := cli.App{
		Name:                  "warpvault",
		HelpName:              "warpvault",
		Usage:                 "Imaging study backup orchestration.",
		Version:               fmt.Sprintf("%s-%s", bArgs.Version, bArgs.BuildType),
		UsageText:             "warpvault [global options] <command> [arguments...]",
		Description:           DESCRIPTION,
		CustomAppHelpTemplate: HELP_TEMPL,
		OnUsageError:          cmdCommon.UsageErrorCallback,
		Commands:              commands(),
		Flags:                 globalFlags,
		Action:                cmdCommon.Help,
		HideHelp:              true,
		HideVersion:           true,
	}
	cmdCommon.VersionCmdStr = fmt.Sprintf("%s %s (%s_%s)\nBuild: %s=%s\n",
		app.Name,
		app.Version,
		runtime.GOOS,
		runtime.GOARCH,
		bArgs.Date, bArgs.Commit,
	)
	return app.Run(args)
}

// version prints the CLI build and, when a daemon answers, its build.
func version(ctx *cli.Context) error {
	fmt.Fprint(stdout, cmdCommon.VersionCmdStr)
	client, err := newClient(ctx)
	if err != nil {
		return nil
	}
	defer client.Close()
	c, cancel := context.WithTimeout(context.Background(), DEF_VERSION_TIMEOUT)
	defer cancel()
	v, err := client.Version(c)
	if err != nil {
		fmt.Fprintln(stdout, "Daemon: not running")
		return nil
	}
	fmt.Fprintf(stdout, "Daemon: %s-%s (%s)\n", v.Version, v.BuildType, v.Commit)
	return nil
}
