package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"
	cmdCommon "github.com/warpdl/warpvault/cmd/common"
	"github.com/warpdl/warpvault/internal/scheduler"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

var scheduleAddFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "id",
		Usage: "schedule id; an existing id is replaced",
	},
	cli.StringFlag{
		Name:  "cron",
		Usage: "five field cron expression in local time, e.g. \"0 2 * * *\"",
	},
	cli.StringFlag{
		Name:  "type, t",
		Value: "incremental",
		Usage: "backup type: full, incremental, differential or smart",
	},
	cli.StringSliceFlag{
		Name:  "dest, d",
		Usage: "destination id (repeatable, default: routing decides)",
	},
	cli.StringSliceFlag{
		Name:  "modality, m",
		Usage: "only studies of this modality (repeatable)",
	},
	cli.IntFlag{
		Name:  "max",
		Usage: "queue at most this many studies per run",
	},
	cli.BoolFlag{
		Name:  "disabled",
		Usage: "save the schedule without arming it",
	},
}

var scheduleSuggestFlags = []cli.Flag{
	cli.IntFlag{
		Name:  "days",
		Value: 7,
		Usage: "number of days to suggest times for",
	},
	cli.StringFlag{
		Name:  "modality, m",
		Usage: "modality to find the quietest hour for",
	},
}

func scheduleList(ctx *cli.Context) error {
	return withClient(ctx, "schedule-list", func(c context.Context, client daemonClient) error {
		list, err := client.ListSchedules(c)
		if err != nil {
			return runtimeErr("schedule-list", "list_schedules", err)
		}
		if ok, err := printJSON(ctx, list); ok {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(stdout, "warpvault: no schedules")
			return nil
		}
		w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tCRON\tENABLED\tNEXT RUN\tLAST RUN")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
				shortID(s.ID), cmdCommon.Fit(s.Name, 24), s.Type, s.CronExpr, s.Enabled,
				formatTime(s.NextRunDate), formatTime(s.LastRunDate))
		}
		return w.Flush()
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func scheduleAdd(ctx *cli.Context) error {
	name := ctx.Args().First()
	if name == "" {
		return cmdCommon.PrintErrWithCmdHelp(ctx, fmt.Errorf("schedule add: missing schedule name"))
	}
	expr := ctx.String("cron")
	if err := scheduler.ValidateCron(expr, time.Now()); err != nil {
		return cmdCommon.PrintErrWithCmdHelp(ctx, err)
	}
	typ, err := vaultlib.ParseBackupType(ctx.String("type"))
	if err != nil {
		return cmdCommon.PrintErrWithCmdHelp(ctx, err)
	}
	s := scheduler.BackupSchedule{
		ID:           ctx.String("id"),
		Name:         name,
		Type:         typ,
		Enabled:      !ctx.Bool("disabled"),
		CronExpr:     expr,
		Filter:       vaultlib.StudyFilter{Modalities: ctx.StringSlice("modality")},
		Destinations: ctx.StringSlice("dest"),
		MaxStudies:   ctx.Int("max"),
	}
	return withClient(ctx, "schedule-add", func(c context.Context, client daemonClient) error {
		saved, err := client.AddSchedule(c, s)
		if err != nil {
			return runtimeErr("schedule-add", "add_schedule", err)
		}
		if ok, err := printJSON(ctx, saved); ok {
			return err
		}
		fmt.Fprintf(stdout, "schedule %s (%s) saved, next run %s\n", saved.Name, saved.ID, formatTime(saved.NextRunDate))
		return nil
	})
}

func scheduleRemove(ctx *cli.Context) error {
	id := ctx.Args().First()
	if id == "" {
		return cmdCommon.PrintErrWithCmdHelp(ctx, fmt.Errorf("schedule remove: missing schedule id"))
	}
	return withClient(ctx, "schedule-remove", func(c context.Context, client daemonClient) error {
		ok, err := client.RemoveSchedule(c, id)
		if err != nil {
			return runtimeErr("schedule-remove", "remove_schedule", err)
		}
		if done, err := printJSON(ctx, ok); done {
			return err
		}
		fmt.Fprintf(stdout, "removed schedule %s\n", id)
		return nil
	})
}

func scheduleSuggest(ctx *cli.Context) error {
	return withClient(ctx, "schedule-suggest", func(c context.Context, client daemonClient) error {
		res, err := client.SuggestSchedule(c, ctx.Int("days"), ctx.String("modality"))
		if err != nil {
			return runtimeErr("schedule-suggest", "suggest", err)
		}
		if ok, err := printJSON(ctx, res); ok {
			return err
		}
		fmt.Fprintln(stdout, "Suggested backup times outside peak hours:")
		for _, t := range res.Times {
			fmt.Fprintf(stdout, "  %s\n", t.Local().Format("Mon 2006-01-02 15:04"))
		}
		if !res.Optimal.IsZero() {
			fmt.Fprintf(stdout, "Next optimal slot: %s\n", res.Optimal.Local().Format("Mon 2006-01-02 15:04"))
		}
		return nil
	})
}
