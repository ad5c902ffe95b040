package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"
	cmdCommon "github.com/warpdl/warpvault/cmd/common"
	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

var rebuildFlags = []cli.Flag{
	cli.IntFlag{
		Name:  "workers, w",
		Usage: "studies hashed at once (default: daemon decides)",
	},
}

var statsFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "export, e",
		Usage: "print an export instead of the report: json, csv, text or metrics",
	},
}

var auditFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "since",
		Usage: "entries after a date (2006-01-02) or within a duration (24h)",
	},
	cli.StringFlag{
		Name:  "until",
		Usage: "entries before a date (2006-01-02)",
	},
	cli.StringFlag{
		Name:  "severity, s",
		Usage: "minimum severity: info, warning, high or critical",
	},
	cli.StringFlag{
		Name:  "action, a",
		Usage: "only this action, e.g. transfer.failed",
	},
	cli.StringFlag{
		Name:  "study",
		Usage: "only entries about this study instance UID",
	},
	cli.StringFlag{
		Name:  "text",
		Usage: "only entries whose message contains this text",
	},
	cli.IntFlag{
		Name:  "limit, n",
		Value: 100,
		Usage: "maximum entries returned",
	},
	cli.BoolFlag{
		Name:  "csv",
		Usage: "print the matches as CSV",
	},
}

var manifestFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "dest, d",
		Usage: "read the manifest stored at this destination instead of hashing the local study",
	},
	cli.StringFlag{
		Name:  "output, o",
		Usage: "write the manifest to a file",
	},
}

func indexRebuild(ctx *cli.Context) error {
	return withClientTimeout(ctx, "index-rebuild", 0, func(c context.Context, client daemonClient) error {
		fmt.Fprintln(stderr, "rebuilding the deduplication index, this hashes every catalogued study...")
		res, err := client.RebuildIndex(c, ctx.Int("workers"))
		if err != nil {
			return runtimeErr("index-rebuild", "rebuild", err)
		}
		if ok, err := printJSON(ctx, res); ok {
			return err
		}
		fmt.Fprintf(stdout, "index rebuilt over %d studies: %d records kept, %d dropped\n", res.Studies, res.Kept, res.Dropped)
		return nil
	})
}

func stats(ctx *cli.Context) error {
	if format := ctx.String("export"); format != "" {
		return withClient(ctx, "stats", func(c context.Context, client daemonClient) error {
			res, err := client.ExportStats(c, format)
			if err != nil {
				return runtimeErr("stats", "export", err)
			}
			fmt.Fprint(stdout, res.Data)
			return nil
		})
	}
	return withClient(ctx, "stats", func(c context.Context, client daemonClient) error {
		res, err := client.Stats(c)
		if err != nil {
			return runtimeErr("stats", "get_stats", err)
		}
		if ok, err := printJSON(ctx, res); ok {
			return err
		}
		fmt.Fprintln(stdout, res.Report)
		if len(res.Stats.ByDestination) > 0 {
			ids := make([]string, 0, len(res.Stats.ByDestination))
			for id := range res.Stats.ByDestination {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DESTINATION\tTRANSFERS\tFAILURES\tBYTES")
			for _, id := range ids {
				d := res.Stats.ByDestination[id]
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", id, d.Transfers, d.Failures, vaultlib.FormatBytes(d.Bytes))
			}
			w.Flush()
		}
		fmt.Fprintf(stdout, "\nDedup: %d records, %d hits, %d misses, %s saved\n",
			res.Dedup.Records, res.Dedup.Hits, res.Dedup.Misses, vaultlib.FormatBytes(res.Dedup.BytesSaved))
		if len(res.Alerts) > 0 {
			fmt.Fprintln(stdout, "\nRecent alerts:")
			for _, a := range res.Alerts {
				fmt.Fprintf(stdout, "  %s [%s] %s: %s\n", a.Time.Local().Format("01-02 15:04:05"), a.Severity, a.Kind, a.Message)
			}
		}
		return nil
	})
}

func auditParams(ctx *cli.Context, now time.Time) (common.AuditSearchParams, error) {
	since, err := parseSince(ctx.String("since"), now)
	if err != nil {
		return common.AuditSearchParams{}, err
	}
	until, err := parseSince(ctx.String("until"), now)
	if err != nil {
		return common.AuditSearchParams{}, err
	}
	if sev := ctx.String("severity"); sev != "" {
		if _, err := vaultlib.ParseSeverity(sev); err != nil {
			return common.AuditSearchParams{}, err
		}
	}
	p := common.AuditSearchParams{
		Since:       since,
		Until:       until,
		MinSeverity: ctx.String("severity"),
		Action:      ctx.String("action"),
		StudyUID:    ctx.String("study"),
		Text:        ctx.String("text"),
		Limit:       ctx.Int("limit"),
	}
	if ctx.Bool("csv") {
		p.Format = common.FormatCSV
	}
	return p, nil
}

func audit(ctx *cli.Context) error {
	p, err := auditParams(ctx, time.Now())
	if err != nil {
		return cmdCommon.PrintErrWithCmdHelp(ctx, err)
	}
	return withClient(ctx, "audit", func(c context.Context, client daemonClient) error {
		res, err := client.SearchAudit(c, p)
		if err != nil {
			return runtimeErr("audit", "search", err)
		}
		if p.Format == common.FormatCSV {
			fmt.Fprint(stdout, res.Export)
			return nil
		}
		if ok, err := printJSON(ctx, res.Entries); ok {
			return err
		}
		if len(res.Entries) == 0 {
			fmt.Fprintln(stdout, "warpvault: no audit entries match")
			return nil
		}
		for _, e := range res.Entries {
			fmt.Fprintf(stdout, "%s %-8s %-20s %s\n", e.Time.Local().Format(time.DateTime), e.Severity, e.Action, e.Message)
		}
		return nil
	})
}

func manifest(ctx *cli.Context) error {
	study := ctx.Args().First()
	if study == "" {
		return cmdCommon.PrintErrWithCmdHelp(ctx, fmt.Errorf("manifest: missing study instance UID"))
	}
	return withClientTimeout(ctx, "manifest", 0, func(c context.Context, client daemonClient) error {
		m, err := client.Manifest(c, study, ctx.String("dest"))
		if err != nil {
			return runtimeErr("manifest", "export", err)
		}
		out := stdout
		if path := ctx.String("output"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return runtimeErr("manifest", "create_file", err)
			}
			defer f.Close()
			out = f
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m); err != nil {
			return runtimeErr("manifest", "write", err)
		}
		return nil
	})
}

func bandwidth(ctx *cli.Context) error {
	limit := ctx.Args().First()
	if limit == "" {
		return cmdCommon.PrintErrWithCmdHelp(ctx, fmt.Errorf("bandwidth: missing limit, e.g. 10MB or 0 for unlimited"))
	}
	if _, err := vaultlib.ParseSpeedLimit(limit); err != nil {
		return cmdCommon.PrintErrWithCmdHelp(ctx, err)
	}
	return withClient(ctx, "bandwidth", func(c context.Context, client daemonClient) error {
		res, err := client.SetBandwidth(c, limit)
		if err != nil {
			return runtimeErr("bandwidth", "set", err)
		}
		if ok, err := printJSON(ctx, res); ok {
			return err
		}
		fmt.Fprintf(stdout, "bandwidth limit: %s\n", res.Display)
		return nil
	})
}
