package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v8"
	cmdCommon "github.com/warpdl/warpvault/cmd/common"
	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/pkg/vaultcli"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

var watchFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "id",
		Usage: "only follow this transfer and exit once it ends",
	},
	cli.BoolFlag{
		Name:  "quiet, q",
		Usage: "do not print monitor alerts",
	},
}

// barSet keeps one progress bar per transfer. Notifications arrive on a
// single goroutine, so it needs no locking.
type barSet struct {
	p    *mpb.Progress
	bars map[string]*trackedBar
}

type trackedBar struct {
	bar  *mpb.Bar
	sent int64
	last time.Time
}

func newBarSet(p *mpb.Progress) *barSet {
	return &barSet{p: p, bars: make(map[string]*trackedBar)}
}

func barName(it vaultlib.TransferItem) string {
	name := it.Name
	if name == "" {
		name = it.StudyUID
	}
	return cmdCommon.Fit(name, 24) + " -> " + it.DestinationID
}

// update applies one notification and reports whether the transfer ended.
func (b *barSet) update(method string, n common.TransferNotification) bool {
	it := n.Item
	tb, ok := b.bars[it.ID]
	if !ok {
		if method != common.NotifyTransferProgress {
			return true
		}
		tb = &trackedBar{
			bar:  cmdCommon.NewTransferBar(b.p, barName(it), it.TotalBytes, it.TransferredBytes),
			sent: it.TransferredBytes,
			last: n.Time,
		}
		b.bars[it.ID] = tb
	}
	switch method {
	case common.NotifyTransferProgress:
		if it.TotalBytes > 0 {
			tb.bar.SetTotal(it.TotalBytes, false)
		}
		if delta := it.TransferredBytes - tb.sent; delta > 0 {
			tb.bar.EwmaIncrInt64(delta, n.Time.Sub(tb.last))
			tb.sent = it.TransferredBytes
			tb.last = n.Time
		}
		return false
	case common.NotifyTransferCompleted:
		tb.bar.SetTotal(-1, true)
	default:
		tb.bar.Abort(false)
	}
	delete(b.bars, it.ID)
	return true
}

// abortAll drops the bars still running when the session ends.
func (b *barSet) abortAll() {
	for id, tb := range b.bars {
		tb.bar.Abort(false)
		delete(b.bars, id)
	}
}

func watch(ctx *cli.Context) error {
	client, err := newClient(ctx)
	if err != nil {
		return runtimeErr("watch", "new_client", err)
	}
	defer client.Close()

	sctx, cancel := setupShutdownHandler()
	defer cancel()

	only := ctx.String("id")
	quiet := ctx.Bool("quiet")
	p := mpb.New(mpb.WithOutput(stdout), mpb.WithWidth(48))
	bars := newBarSet(p)

	err = client.Watch(sctx, vaultcli.Handlers{
		Transfer: func(method string, n common.TransferNotification) {
			if only != "" && n.Item.ID != only {
				return
			}
			ended := bars.update(method, n)
			if ended && method != common.NotifyTransferCompleted && n.Item.LastError != "" {
				fmt.Fprintf(stderr, "%s %s: %s\n", n.Item.ID, n.Event, n.Item.LastError)
			}
			if ended && only != "" {
				cancel()
			}
		},
		Alert: func(a vaultlib.Alert) {
			if quiet {
				return
			}
			fmt.Fprintf(stderr, "[%s] %s: %s\n", a.Severity, a.Kind, a.Message)
		},
	})
	bars.abortAll()
	p.Wait()
	if err != nil {
		return runtimeErr("watch", "watch", err)
	}
	return nil
}
