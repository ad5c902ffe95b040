package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli"
	cmdCommon "github.com/warpdl/warpvault/cmd/common"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

var lsFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "status, s",
		Usage: "only list transfers in this status (queued, in_progress, failed, ...)",
	},
}

var prioritizeFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "priority, p",
		Value: "high",
		Usage: "new priority: low, normal, high, urgent or emergency",
	},
}

func idArg(ctx *cli.Context, name string) (string, error) {
	id := ctx.Args().First()
	if id == "" {
		return "", fmt.Errorf("%s: missing transfer id", name)
	}
	return id, nil
}

func cancelTransfer(ctx *cli.Context) error {
	id, err := idArg(ctx, "cancel")
	if err != nil {
		return cmdCommon.PrintErrWithCmdHelp(ctx, err)
	}
	return withClient(ctx, "cancel", func(c context.Context, client daemonClient) error {
		it, err := client.CancelTransfer(c, id)
		if err != nil {
			return runtimeErr("cancel", "cancel_transfer", err)
		}
		if ok, err := printJSON(ctx, it); ok {
			return err
		}
		fmt.Fprintf(stdout, "transfer %s (%s) is now %s\n", it.ID, it.Name, it.Status)
		return nil
	})
}

func prioritize(ctx *cli.Context) error {
	id, err := idArg(ctx, "prioritize")
	if err != nil {
		return cmdCommon.PrintErrWithCmdHelp(ctx, err)
	}
	prio := ctx.String("priority")
	if _, err := vaultlib.ParsePriority(prio); err != nil {
		return cmdCommon.PrintErrWithCmdHelp(ctx, err)
	}
	return withClient(ctx, "prioritize", func(c context.Context, client daemonClient) error {
		it, err := client.PrioritizeTransfer(c, id, prio)
		if err != nil {
			return runtimeErr("prioritize", "prioritize_transfer", err)
		}
		if ok, err := printJSON(ctx, it); ok {
			return err
		}
		fmt.Fprintf(stdout, "transfer %s (%s) now has %s priority\n", it.ID, it.Name, it.Priority)
		return nil
	})
}

func removeTransfer(ctx *cli.Context) error {
	id, err := idArg(ctx, "remove")
	if err != nil {
		return cmdCommon.PrintErrWithCmdHelp(ctx, err)
	}
	return withClient(ctx, "remove", func(c context.Context, client daemonClient) error {
		ok, err := client.RemoveTransfer(c, id)
		if err != nil {
			return runtimeErr("remove", "remove_transfer", err)
		}
		if done, err := printJSON(ctx, ok); done {
			return err
		}
		fmt.Fprintf(stdout, "removed transfer %s\n", id)
		return nil
	})
}

func list(ctx *cli.Context) error {
	if ctx.Args().First() == "help" {
		return cli.ShowCommandHelp(ctx, ctx.Command.Name)
	}
	status := ctx.String("status")
	if status != "" {
		if _, ok := vaultlib.ParseStatus(status); !ok {
			return cmdCommon.PrintErrWithCmdHelp(ctx, fmt.Errorf("unknown status %q", status))
		}
	}
	return withClient(ctx, "list", func(c context.Context, client daemonClient) error {
		l, err := client.ListTransfers(c, status)
		if err != nil {
			return runtimeErr("list", "get_list", err)
		}
		if ok, err := printJSON(ctx, l); ok {
			return err
		}
		if len(l.Items) == 0 {
			fmt.Fprintln(stdout, "warpvault: no transfers found")
			return nil
		}
		fmt.Fprintln(stdout, "Here are your transfers:")
		fmt.Fprintln(stdout)
		printItems(l.Items)
		fmt.Fprintf(stdout, "\n%d items, average progress %.1f%%\n", len(l.Items), l.Stats.AverageProgress)
		return nil
	})
}

// printItems renders transfers as a fixed width table, highest priority
// and oldest first.
func printItems(items []vaultlib.TransferItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].QueuedDate.Before(items[j].QueuedDate)
	})
	rule := strings.Repeat("-", 88)
	txt := rule
	txt += "\n|    ID    |         Study         |   Destination   | Priority |   Status    |  Done  |"
	txt += "\n|----------|-----------------------|-----------------|----------|-------------|--------|"
	for _, it := range items {
		name := it.Name
		if name == "" {
			name = it.StudyUID
		}
		perc := fmt.Sprintf("%.0f%%", it.ProgressPercentage())
		txt += fmt.Sprintf("\n| %s | %s | %s | %s | %s | %s |",
			cmdCommon.Fit(shortID(it.ID), 8),
			cmdCommon.Fit(name, 21),
			cmdCommon.Fit(it.DestinationID, 15),
			cmdCommon.Fit(it.Priority.String(), 8),
			cmdCommon.Fit(it.Status.String(), 11),
			cmdCommon.Fit(perc, 6),
		)
		if it.LastError != "" {
			txt += "\n|          | " + cmdCommon.Fit("error: "+it.LastError, 73) + " |"
		}
	}
	txt += "\n" + rule
	fmt.Fprintln(stdout, txt)
}
