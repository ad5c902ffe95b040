package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli"
	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/internal/scheduler"
	"github.com/warpdl/warpvault/pkg/vaultcli"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// fakeClient records calls and answers with canned values.
type fakeClient struct {
	calls  []string
	err    error
	closed bool

	start     common.BackupStartParams
	status    vaultlib.OrchestratorStatus
	items     []vaultlib.TransferItem
	listed    string
	dests     []common.DestinationInfo
	added     vaultlib.BackupDestination
	secret    string
	probes    []vaultlib.ProbeResult
	schedules []scheduler.BackupSchedule
	schedule  scheduler.BackupSchedule
	audit     common.AuditSearchParams
	stats     common.StatsResult
	bandwidth string
	notes     []fakeNote
}

type fakeNote struct {
	method string
	n      common.TransferNotification
	alert  *vaultlib.Alert
}

func (f *fakeClient) record(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeClient) Version(context.Context) (common.VersionResult, error) {
	return common.VersionResult{Version: "1.0.0", BuildType: "test", Commit: "abc"}, f.record("version")
}

func (f *fakeClient) StartBackup(_ context.Context, p common.BackupStartParams) (vaultlib.RunStatus, error) {
	f.start = p
	typ, _ := vaultlib.ParseBackupType(p.Type)
	return vaultlib.RunStatus{ID: "run-1", Type: typ, Studies: 3, Deferred: 1}, f.record("start")
}

func (f *fakeClient) PauseBackup(context.Context) (vaultlib.OrchestratorStatus, error) {
	f.status.State = vaultlib.StatePaused
	return f.status, f.record("pause")
}

func (f *fakeClient) ResumeBackup(context.Context) (vaultlib.OrchestratorStatus, error) {
	f.status.State = vaultlib.StateRunning
	return f.status, f.record("resume")
}

func (f *fakeClient) StopBackup(context.Context) (vaultlib.OrchestratorStatus, error) {
	f.status.State = vaultlib.StateStopped
	return f.status, f.record("stop")
}

func (f *fakeClient) Status(context.Context) (vaultlib.OrchestratorStatus, error) {
	return f.status, f.record("status")
}

func (f *fakeClient) CancelTransfer(_ context.Context, id string) (vaultlib.TransferItem, error) {
	return vaultlib.TransferItem{ID: id, Name: "CT HEAD", Status: vaultlib.StatusCancelled}, f.record("cancel:" + id)
}

func (f *fakeClient) PrioritizeTransfer(_ context.Context, id, priority string) (vaultlib.TransferItem, error) {
	p, _ := vaultlib.ParsePriority(priority)
	return vaultlib.TransferItem{ID: id, Name: "CT HEAD", Priority: p}, f.record("prioritize:" + id + ":" + priority)
}

func (f *fakeClient) ListTransfers(_ context.Context, status string) (common.TransferListResult, error) {
	f.listed = status
	return common.TransferListResult{Items: f.items}, f.record("list")
}

func (f *fakeClient) RemoveTransfer(_ context.Context, id string) (bool, error) {
	return true, f.record("remove:" + id)
}

func (f *fakeClient) ListDestinations(context.Context) ([]common.DestinationInfo, error) {
	return f.dests, f.record("dest-list")
}

func (f *fakeClient) AddDestination(_ context.Context, d vaultlib.BackupDestination, secret string) (vaultlib.BackupDestination, error) {
	f.added, f.secret = d, secret
	if d.ID == "" {
		d.ID = "new-id"
	}
	return d, f.record("dest-add")
}

func (f *fakeClient) RemoveDestination(_ context.Context, id string) (bool, error) {
	return true, f.record("dest-remove:" + id)
}

func (f *fakeClient) ProbeDestinations(_ context.Context, id string) ([]vaultlib.ProbeResult, error) {
	return f.probes, f.record("dest-probe:" + id)
}

func (f *fakeClient) SetSecret(_ context.Context, id, secret string) (bool, error) {
	f.secret = secret
	return true, f.record("dest-secret:" + id)
}

func (f *fakeClient) ListSchedules(context.Context) ([]scheduler.BackupSchedule, error) {
	return f.schedules, f.record("schedule-list")
}

func (f *fakeClient) AddSchedule(_ context.Context, s scheduler.BackupSchedule) (scheduler.BackupSchedule, error) {
	f.schedule = s
	s.ID = "sched-1"
	return s, f.record("schedule-add")
}

func (f *fakeClient) RemoveSchedule(_ context.Context, id string) (bool, error) {
	return true, f.record("schedule-remove:" + id)
}

func (f *fakeClient) SuggestSchedule(_ context.Context, days int, modality string) (common.ScheduleSuggestResult, error) {
	t := time.Date(2026, 3, 2, 2, 0, 0, 0, time.Local)
	return common.ScheduleSuggestResult{Times: []time.Time{t}, Optimal: t}, f.record("schedule-suggest")
}

func (f *fakeClient) RebuildIndex(_ context.Context, workers int) (vaultlib.RebuildResult, error) {
	return vaultlib.RebuildResult{Studies: 10, Kept: 8, Dropped: 2}, f.record("index-rebuild")
}

func (f *fakeClient) Stats(context.Context) (common.StatsResult, error) {
	return f.stats, f.record("stats")
}

func (f *fakeClient) ExportStats(_ context.Context, format string) (common.ExportResult, error) {
	return common.ExportResult{Format: format, Data: "exported " + format + "\n"}, f.record("stats-export")
}

func (f *fakeClient) SearchAudit(_ context.Context, p common.AuditSearchParams) (common.AuditSearchResult, error) {
	f.audit = p
	res := common.AuditSearchResult{Entries: []vaultlib.AuditEntry{{
		Time:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Severity: vaultlib.SeverityHigh,
		Action:   "transfer.failed",
		Message:  "archive refused the association",
	}}}
	if p.Format == common.FormatCSV {
		res.Export = "time,severity\n"
	}
	return res, f.record("audit")
}

func (f *fakeClient) Manifest(_ context.Context, studyID, destinationID string) (*vaultlib.StudyManifest, error) {
	return &vaultlib.StudyManifest{StudyUID: studyID, Fingerprint: "f00d", TotalImages: 2}, f.record("manifest:" + destinationID)
}

func (f *fakeClient) SetBandwidth(_ context.Context, limit string) (common.BandwidthResult, error) {
	f.bandwidth = limit
	return common.BandwidthResult{Display: "20.0 MB/s"}, f.record("bandwidth")
}

func (f *fakeClient) Watch(ctx context.Context, h vaultcli.Handlers) error {
	for _, n := range f.notes {
		if ctx.Err() != nil {
			return nil
		}
		if n.alert != nil {
			h.Alert(*n.alert)
			continue
		}
		h.Transfer(n.method, n.n)
	}
	return f.record("watch")
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

// runApp runs args against f and returns what was printed.
func runApp(t *testing.T, f *fakeClient, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	oldOut, oldErr, oldNew := stdout, stderr, newClient
	stdout, stderr = &out, &errOut
	newClient = func(*cli.Context) (daemonClient, error) { return f, nil }
	t.Cleanup(func() { stdout, stderr, newClient = oldOut, oldErr, oldNew })

	app := cli.NewApp()
	app.Name = "warpvault"
	app.Flags = globalFlags
	app.Commands = commands()
	app.HideHelp = true
	err := app.Run(append([]string{"warpvault"}, args...))
	return out.String(), errOut.String(), err
}

func assertContains(t *testing.T, output, expected string) {
	t.Helper()
	if !strings.Contains(output, expected) {
		t.Errorf("expected output to contain %q, got:\n%s", expected, output)
	}
}
