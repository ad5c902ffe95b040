package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"
	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

var startFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "type, t",
		Value: "incremental",
		Usage: "backup type: full, incremental, differential or smart",
	},
	cli.StringSliceFlag{
		Name:  "dest, d",
		Usage: "destination id to back up to (repeatable, default: routing decides)",
	},
	cli.StringSliceFlag{
		Name:  "modality, m",
		Usage: "only studies of this modality (repeatable)",
	},
	cli.StringSliceFlag{
		Name:  "study",
		Usage: "only this study instance UID (repeatable)",
	},
	cli.StringFlag{
		Name:  "patient",
		Usage: "only studies whose patient name or id contains this text",
	},
	cli.StringFlag{
		Name:  "since",
		Usage: "only studies changed after a date (2006-01-02) or within a duration (72h)",
	},
	cli.IntFlag{
		Name:  "max",
		Usage: "queue at most this many studies",
	},
	cli.StringFlag{
		Name:  "priority, p",
		Value: "normal",
		Usage: "low, normal, high, urgent or emergency",
	},
}

// parseSince accepts a date or a duration back from now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: want a date like 2006-01-02 or a duration like 72h", s)
}

func startParams(ctx *cli.Context) (common.BackupStartParams, error) {
	since, err := parseSince(ctx.String("since"), time.Now())
	if err != nil {
		return common.BackupStartParams{}, err
	}
	if _, err := vaultlib.ParseBackupType(ctx.String("type")); err != nil {
		return common.BackupStartParams{}, err
	}
	return common.BackupStartParams{
		Type:         ctx.String("type"),
		Destinations: ctx.StringSlice("dest"),
		Filter: vaultlib.StudyFilter{
			Modalities:    ctx.StringSlice("modality"),
			StudyUIDs:     ctx.StringSlice("study"),
			PatientQuery:  ctx.String("patient"),
			ModifiedAfter: since,
		},
		MaxStudies: ctx.Int("max"),
		Priority:   ctx.String("priority"),
	}, nil
}

func start(ctx *cli.Context) error {
	p, err := startParams(ctx)
	if err != nil {
		return runtimeErr("start", "parse_flags", err)
	}
	return withClient(ctx, "start", func(c context.Context, client daemonClient) error {
		run, err := client.StartBackup(c, p)
		if err != nil {
			return runtimeErr("start", "start_backup", err)
		}
		if ok, err := printJSON(ctx, run); ok {
			return err
		}
		fmt.Fprintf(stdout, "%s backup %s started: %d studies queued", run.Type, run.ID, run.Studies)
		if run.Deferred > 0 {
			fmt.Fprintf(stdout, ", %d deferred", run.Deferred)
		}
		fmt.Fprintln(stdout)
		if run.FellBack {
			fmt.Fprintln(stdout, "no usable snapshot was found, the run covers every matching study")
		}
		return nil
	})
}

// engineCall wraps the engine state commands.
func engineCall(name string, call func(daemonClient, context.Context) (vaultlib.OrchestratorStatus, error)) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		return withClient(ctx, name, func(c context.Context, client daemonClient) error {
			st, err := call(client, c)
			if err != nil {
				return runtimeErr(name, name+"_backup", err)
			}
			if ok, err := printJSON(ctx, st); ok {
				return err
			}
			printStatus(st, false)
			return nil
		})
	}
}

var (
	pause  = engineCall("pause", daemonClient.PauseBackup)
	resume = engineCall("resume", daemonClient.ResumeBackup)
	stop   = engineCall("stop", daemonClient.StopBackup)
)

func status(ctx *cli.Context) error {
	return withClient(ctx, "status", func(c context.Context, client daemonClient) error {
		st, err := client.Status(c)
		if err != nil {
			return runtimeErr("status", "get_status", err)
		}
		if ok, err := printJSON(ctx, st); ok {
			return err
		}
		printStatus(st, true)
		return nil
	})
}

func printStatus(st vaultlib.OrchestratorStatus, verbose bool) {
	q := st.Queue
	fmt.Fprintf(stdout, "Engine: %s (%d/%d active)\n", st.State, len(st.Active), st.MaxConcurrent)
	fmt.Fprintf(stdout, "Queue: %d queued, %d in progress, %d verifying, %d retrying, %d completed, %d failed, %d cancelled\n",
		q.Pending+q.Queued, q.InProgress, q.Verifying, q.Retrying, q.Completed, q.Failed, q.Cancelled)
	if !verbose {
		return
	}
	limit := "unlimited"
	if st.BandwidthLimit > 0 {
		limit = vaultlib.FormatBytes(st.BandwidthLimit) + "/s"
	}
	fmt.Fprintf(stdout, "Bandwidth: %s\n", limit)
	fmt.Fprintf(stdout, "Dedup: %d records, %d hits, %s saved\n", st.Dedup.Records, st.Dedup.Hits, vaultlib.FormatBytes(st.Dedup.BytesSaved))
	if st.DroppedEvents > 0 {
		fmt.Fprintf(stdout, "Dropped events: %d\n", st.DroppedEvents)
	}
	if len(st.Active) > 0 {
		fmt.Fprintln(stdout, "\nActive transfers:")
		printItems(st.Active)
	}
	if len(st.Runs) > 0 {
		fmt.Fprintln(stdout, "\nRecent runs:")
		w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSOURCE\tSTARTED\tSTUDIES\tOK\tFAILED\tDEFERRED")
		for _, r := range st.Runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
				shortID(r.ID), r.Type, r.Source, r.Started.Local().Format("2006-01-02 15:04"),
				r.Studies, r.Succeeded, r.Failed, r.Deferred)
		}
		w.Flush()
	}
}

// shortID keeps UUIDs readable in tables.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
