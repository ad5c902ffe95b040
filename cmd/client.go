package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli"
	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/internal/scheduler"
	"github.com/warpdl/warpvault/pkg/vaultcli"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// DEF_CALL_TIMEOUT bounds one RPC call. watch and index rebuild run
// without it.
const DEF_CALL_TIMEOUT = 30 * time.Second

// daemonClient is the part of vaultcli.Client the commands use.
type daemonClient interface {
	Version(ctx context.Context) (common.VersionResult, error)
	StartBackup(ctx context.Context, p common.BackupStartParams) (vaultlib.RunStatus, error)
	PauseBackup(ctx context.Context) (vaultlib.OrchestratorStatus, error)
	ResumeBackup(ctx context.Context) (vaultlib.OrchestratorStatus, error)
	StopBackup(ctx context.Context) (vaultlib.OrchestratorStatus, error)
	Status(ctx context.Context) (vaultlib.OrchestratorStatus, error)
	CancelTransfer(ctx context.Context, id string) (vaultlib.TransferItem, error)
	PrioritizeTransfer(ctx context.Context, id, priority string) (vaultlib.TransferItem, error)
	ListTransfers(ctx context.Context, status string) (common.TransferListResult, error)
	RemoveTransfer(ctx context.Context, id string) (bool, error)
	ListDestinations(ctx context.Context) ([]common.DestinationInfo, error)
	AddDestination(ctx context.Context, d vaultlib.BackupDestination, secret string) (vaultlib.BackupDestination, error)
	RemoveDestination(ctx context.Context, id string) (bool, error)
	ProbeDestinations(ctx context.Context, id string) ([]vaultlib.ProbeResult, error)
	SetSecret(ctx context.Context, id, secret string) (bool, error)
	ListSchedules(ctx context.Context) ([]scheduler.BackupSchedule, error)
	AddSchedule(ctx context.Context, s scheduler.BackupSchedule) (scheduler.BackupSchedule, error)
	RemoveSchedule(ctx context.Context, id string) (bool, error)
	SuggestSchedule(ctx context.Context, days int, modality string) (common.ScheduleSuggestResult, error)
	RebuildIndex(ctx context.Context, workers int) (vaultlib.RebuildResult, error)
	Stats(ctx context.Context) (common.StatsResult, error)
	ExportStats(ctx context.Context, format string) (common.ExportResult, error)
	SearchAudit(ctx context.Context, p common.AuditSearchParams) (common.AuditSearchResult, error)
	Manifest(ctx context.Context, studyID, destinationID string) (*vaultlib.StudyManifest, error)
	SetBandwidth(ctx context.Context, limit string) (common.BandwidthResult, error)
	Watch(ctx context.Context, h vaultcli.Handlers) error
	Close() error
}

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr

	newClient = func(ctx *cli.Context) (daemonClient, error) {
		return vaultcli.NewClient(vaultcli.Options{
			URL:    ctx.GlobalString("url"),
			Secret: ctx.GlobalString("secret"),
		})
	}
)

// withClient runs fn with a connected client and a call deadline.
func withClient(ctx *cli.Context, name string, fn func(context.Context, daemonClient) error) error {
	return withClientTimeout(ctx, name, DEF_CALL_TIMEOUT, fn)
}

// withClientTimeout is withClient with its own deadline. A zero timeout
// waits until an interrupt.
func withClientTimeout(ctx *cli.Context, name string, timeout time.Duration, fn func(context.Context, daemonClient) error) error {
	client, err := newClient(ctx)
	if err != nil {
		return runtimeErr(name, "new_client", err)
	}
	defer client.Close()
	cctx, cancel := setupShutdownHandler()
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		cctx, cancelTimeout = context.WithTimeout(cctx, timeout)
		defer cancelTimeout()
	}
	return fn(cctx, client)
}

// runtimeErr formats a failed step as cmd[action]: msg, adding the RPC code
// when the daemon answered with one.
func runtimeErr(cmd, action string, err error) error {
	if code := vaultcli.ErrorCode(err); code != 0 {
		return fmt.Errorf("%s[%s]: %w (code %d)", cmd, action, err, code)
	}
	return fmt.Errorf("%s[%s]: %w", cmd, action, err)
}

// printJSON writes v indented when --json is set and reports whether it
// did.
func printJSON(ctx *cli.Context, v any) (bool, error) {
	if !ctx.GlobalBool("json") {
		return false, nil
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}
