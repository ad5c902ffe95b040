package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli"
	cmdCommon "github.com/warpdl/warpvault/cmd/common"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

var stdin io.Reader = os.Stdin

var destAddFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "id",
		Usage: "destination id (default: a new uuid); an existing id is updated",
	},
	cli.StringFlag{
		Name:  "name, n",
		Usage: "display name",
	},
	cli.StringFlag{
		Name:  "ae-title",
		Usage: "DICOM application entity title of the archive",
	},
	cli.StringFlag{
		Name:  "compression, c",
		Usage: "transfer syntax forced for this destination: none, gzip or jpeg2000-lossless",
	},
	cli.IntFlag{
		Name:  "max-concurrent",
		Value: 2,
		Usage: "transfers allowed at once",
	},
	cli.StringSliceFlag{
		Name:  "modality, m",
		Usage: "modality this destination is preferred for (repeatable)",
	},
	cli.IntFlag{
		Name:  "priority, p",
		Usage: "routing tie breaker, lower wins",
	},
	cli.BoolFlag{
		Name:  "disabled",
		Usage: "add the destination without routing to it",
	},
	cli.StringFlag{
		Name:  "secret, s",
		Usage: "password or key passphrase, use - to read it from stdin",
	},
}

var destSecretFlags = []cli.Flag{
	cli.BoolFlag{
		Name:  "delete",
		Usage: "remove the stored secret",
	},
}

// readSecret resolves "-" to the first line of stdin.
func readSecret(v string) (string, error) {
	if v != "-" {
		return v, nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func destList(ctx *cli.Context) error {
	return withClient(ctx, "dest-list", func(c context.Context, client daemonClient) error {
		dests, err := client.ListDestinations(c)
		if err != nil {
			return runtimeErr("dest-list", "list_destinations", err)
		}
		if ok, err := printJSON(ctx, dests); ok {
			return err
		}
		if len(dests) == 0 {
			fmt.Fprintln(stdout, "warpvault: no destinations configured")
			return nil
		}
		w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tURL\tSTATE\tLOAD\tERRORS\tLATENCY")
		for _, d := range dests {
			state := "up"
			switch {
			case !d.Enabled:
				state = "disabled"
			case d.IntakeStopped:
				state = "stopped: " + d.StopReason
			case !d.Reachable:
				state = "unreachable"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%.0f%%\t%s\n",
				d.ID, cmdCommon.Fit(d.Name, 20), d.URL, state,
				d.Load, d.MaxConcurrentTransfers, d.ErrorRate*100, d.Latency)
		}
		return w.Flush()
	})
}

func destAdd(ctx *cli.Context) error {
	url := ctx.Args().First()
	if url == "" {
		return cmdCommon.PrintErrWithCmdHelp(ctx, fmt.Errorf("dest add: missing destination url"))
	}
	secret, err := readSecret(ctx.String("secret"))
	if err != nil {
		return runtimeErr("dest-add", "read_secret", err)
	}
	d := vaultlib.BackupDestination{
		ID:                     ctx.String("id"),
		Name:                   ctx.String("name"),
		URL:                    url,
		AETitle:                ctx.String("ae-title"),
		Compression:            ctx.String("compression"),
		MaxConcurrentTransfers: ctx.Int("max-concurrent"),
		Modalities:             ctx.StringSlice("modality"),
		Priority:               ctx.Int("priority"),
		Enabled:                !ctx.Bool("disabled"),
		RequiresAuth:           secret != "",
	}
	return withClient(ctx, "dest-add", func(c context.Context, client daemonClient) error {
		added, err := client.AddDestination(c, d, secret)
		if err != nil {
			return runtimeErr("dest-add", "add_destination", err)
		}
		if ok, err := printJSON(ctx, added); ok {
			return err
		}
		fmt.Fprintf(stdout, "destination %s (%s) saved\n", added.ID, added.URL)
		return nil
	})
}

func destRemove(ctx *cli.Context) error {
	id := ctx.Args().First()
	if id == "" {
		return cmdCommon.PrintErrWithCmdHelp(ctx, fmt.Errorf("dest remove: missing destination id"))
	}
	return withClient(ctx, "dest-remove", func(c context.Context, client daemonClient) error {
		ok, err := client.RemoveDestination(c, id)
		if err != nil {
			return runtimeErr("dest-remove", "remove_destination", err)
		}
		if done, err := printJSON(ctx, ok); done {
			return err
		}
		fmt.Fprintf(stdout, "removed destination %s\n", id)
		return nil
	})
}

func destProbe(ctx *cli.Context) error {
	id := ctx.Args().First()
	return withClient(ctx, "dest-probe", func(c context.Context, client daemonClient) error {
		results, err := client.ProbeDestinations(c, id)
		if err != nil {
			return runtimeErr("dest-probe", "probe", err)
		}
		if ok, err := printJSON(ctx, results); ok {
			return err
		}
		for _, r := range results {
			if r.Reachable {
				fmt.Fprintf(stdout, "%s: reachable (%s)\n", r.DestinationID, r.Latency)
				continue
			}
			fmt.Fprintf(stdout, "%s: unreachable: %s\n", r.DestinationID, r.Error)
		}
		return nil
	})
}

func destSecret(ctx *cli.Context) error {
	id := ctx.Args().First()
	if id == "" {
		return cmdCommon.PrintErrWithCmdHelp(ctx, fmt.Errorf("dest secret: missing destination id"))
	}
	var secret string
	if !ctx.Bool("delete") {
		v := ctx.Args().Get(1)
		if v == "" {
			v = "-"
		}
		var err error
		if secret, err = readSecret(v); err != nil {
			return runtimeErr("dest-secret", "read_secret", err)
		}
		if secret == "" {
			return cmdCommon.PrintErrWithCmdHelp(ctx, fmt.Errorf("dest secret: empty secret, use --delete to remove it"))
		}
	}
	return withClient(ctx, "dest-secret", func(c context.Context, client daemonClient) error {
		if _, err := client.SetSecret(c, id, secret); err != nil {
			return runtimeErr("dest-secret", "set_secret", err)
		}
		if secret == "" {
			fmt.Fprintf(stdout, "deleted the secret of %s\n", id)
		} else {
			fmt.Fprintf(stdout, "stored the secret of %s\n", id)
		}
		return nil
	})
}
