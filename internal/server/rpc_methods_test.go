package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/internal/scheduler"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

func addArchive(t *testing.T, f *fixture) {
	t.Helper()
	h := f.srv.handler(false)
	var d vaultlib.BackupDestination
	mustCall(t, h, common.MethodDestinationAdd, common.DestinationAddParams{
		Destination: vaultlib.BackupDestination{ID: "arch", Name: "Archive", URL: "dir:///backup", Enabled: true},
		Secret:      "s3cret",
	}, &d)
	if d.ID != "arch" || f.secrets.get("arch") != "s3cret" {
		t.Fatalf("unexpected destination %+v, secret %q", d, f.secrets.get("arch"))
	}
	var probes []vaultlib.ProbeResult
	mustCall(t, h, common.MethodDestinationProbe, nil, &probes)
	if len(probes) != 1 || !probes[0].Reachable {
		t.Fatalf("expected reachable archive, got %+v", probes)
	}
}

// TestRPCVersion answers system.getVersion with the build info.
func TestRPCVersion(t *testing.T) {
	f := newFixture(t, Config{Version: "1.2.0", Commit: "abc123"})
	var v common.VersionResult
	mustCall(t, f.srv.handler(false), common.MethodVersion, nil, &v)
	if v.Version != "1.2.0" || v.Commit != "abc123" {
		t.Fatalf("unexpected version %+v", v)
	}
}

// TestRPCBackupRun drives a backup from destination setup to completion,
// then through pause, resume, stop and a restart.
func TestRPCBackupRun(t *testing.T) {
	f := newFixture(t, Config{})
	h := f.srv.handler(false)
	addArchive(t, f)
	if list, _ := f.store.ListDestinations(context.Background()); len(list) != 1 {
		t.Fatalf("expected destination persisted, got %+v", list)
	}

	var run vaultlib.RunStatus
	mustCall(t, h, common.MethodBackupStart, common.BackupStartParams{Type: "full"}, &run)
	if run.Type != vaultlib.BackupFull || run.Studies != 1 || run.Source != "rpc" {
		t.Fatalf("unexpected run %+v", run)
	}
	select {
	case uid := <-f.sent:
		if uid != "1.2.3" {
			t.Fatalf("unexpected study sent %q", uid)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected transfer to start")
	}
	waitFor(t, "completed transfer", func() bool {
		var res common.TransferListResult
		mustCall(t, h, common.MethodTransferList, common.TransferListParams{Status: "completed"}, &res)
		return len(res.Items) == 1 && res.Stats.Completed == 1
	})

	var st vaultlib.OrchestratorStatus
	mustCall(t, h, common.MethodBackupPause, nil, &st)
	if st.State != vaultlib.StatePaused {
		t.Fatalf("expected paused, got %s", st.State)
	}
	mustCall(t, h, common.MethodBackupResume, nil, &st)
	if st.State != vaultlib.StateRunning {
		t.Fatalf("expected running, got %s", st.State)
	}
	mustCall(t, h, common.MethodBackupStop, nil, &st)
	if st.State != vaultlib.StateStopped {
		t.Fatalf("expected stopped, got %s", st.State)
	}

	// a new backup restarts the stopped engine
	mustCall(t, h, common.MethodBackupStart, common.BackupStartParams{Type: "incremental"}, &run)
	mustCall(t, h, common.MethodBackupStatus, nil, &st)
	if st.State != vaultlib.StateRunning {
		t.Fatalf("expected engine restarted, got %s", st.State)
	}
}

// TestRPCErrorCodes maps failures to JSON-RPC error codes.
func TestRPCErrorCodes(t *testing.T) {
	f := newFixture(t, Config{})
	h := f.srv.handler(false)
	tests := []struct {
		name   string
		method string
		params any
		code   int
	}{
		{"pause before start", common.MethodBackupPause, nil, -32002},
		{"unknown item", common.MethodTransferCancel, common.IDParams{ID: "nope"}, -32001},
		{"missing id", common.MethodTransferPrioritize, common.PrioritizeParams{Priority: "high"}, -32602},
		{"bad priority", common.MethodTransferPrioritize, common.PrioritizeParams{ID: "x", Priority: "asap"}, -32602},
		{"bad backup type", common.MethodBackupStart, common.BackupStartParams{Type: "weekly"}, -32602},
		{"unknown run destination", common.MethodBackupStart, common.BackupStartParams{Type: "full", Destinations: []string{"nope"}}, -32001},
		{"no reachable destination", common.MethodBackupStart, common.BackupStartParams{Type: "full"}, -32002},
		{"unknown destination", common.MethodDestinationRemove, common.IDParams{ID: "nope"}, -32001},
		{"destination without url", common.MethodDestinationAdd, common.DestinationAddParams{}, -32602},
		{"bad status filter", common.MethodTransferList, common.TransferListParams{Status: "done"}, -32602},
		{"bad export format", common.MethodStatsExport, common.ExportParams{Format: "xml"}, -32602},
		{"bad cron", common.MethodScheduleAdd, common.ScheduleAddParams{Schedule: scheduler.BackupSchedule{Name: "x", CronExpr: "* *"}}, -32602},
		{"unknown schedule", common.MethodScheduleRemove, common.IDParams{ID: "nope"}, -32001},
		{"missing study", common.MethodManifestExport, common.ManifestParams{StudyID: "9.9.9"}, -32001},
		{"negative bandwidth", common.MethodBandwidthSet, common.BandwidthParams{BytesPerSec: -1}, -32602},
		{"bad severity", common.MethodAuditSearch, common.AuditSearchParams{MinSeverity: "loud"}, -32602},
		{"unknown method", "backup.rewind", nil, -32601},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, e := rpcCall(t, h, tt.method, tt.params, "", nil)
			if e == nil {
				t.Fatalf("expected error %d", tt.code)
			}
			if e.Code != tt.code {
				t.Fatalf("expected code %d, got %d (%s)", tt.code, e.Code, e.Message)
			}
		})
	}
}

// TestRPCManagement covers schedules, bandwidth, statistics, audit,
// manifests and the dedup index.
func TestRPCManagement(t *testing.T) {
	f := newFixture(t, Config{})
	h := f.srv.handler(false)
	addArchive(t, f)

	var sc scheduler.BackupSchedule
	mustCall(t, h, common.MethodScheduleAdd, common.ScheduleAddParams{Schedule: scheduler.BackupSchedule{
		Name: "nightly", Type: vaultlib.BackupIncremental, Enabled: true, CronExpr: "0 3 * * *", MaxStudies: 50,
	}}, &sc)
	if sc.ID == "" || sc.NextRunDate.IsZero() {
		t.Fatalf("expected stored schedule with next run, got %+v", sc)
	}
	sc.CronExpr = "30 2 * * *"
	var upd scheduler.BackupSchedule
	mustCall(t, h, common.MethodScheduleAdd, common.ScheduleAddParams{Schedule: sc}, &upd)
	var schedules []scheduler.BackupSchedule
	mustCall(t, h, common.MethodScheduleList, nil, &schedules)
	if len(schedules) != 1 || schedules[0].CronExpr != "30 2 * * *" {
		t.Fatalf("expected updated schedule, got %+v", schedules)
	}
	var suggest common.ScheduleSuggestResult
	mustCall(t, h, common.MethodScheduleSuggest, common.ScheduleSuggestParams{Days: 2, Modality: "CT"}, &suggest)
	if len(suggest.Times) < 3 || suggest.Optimal.Hour() != 3 {
		t.Fatalf("unexpected suggestions %+v", suggest)
	}
	var ok bool
	mustCall(t, h, common.MethodScheduleRemove, common.IDParams{ID: sc.ID}, &ok)
	if stored, _ := f.store.ListSchedules(context.Background()); len(stored) != 0 {
		t.Fatalf("expected schedule deleted, got %+v", stored)
	}

	var bw common.BandwidthResult
	mustCall(t, h, common.MethodBandwidthSet, common.BandwidthParams{Limit: "10MB"}, &bw)
	if bw.BytesPerSec != 10*vaultlib.MB {
		t.Fatalf("unexpected bandwidth %+v", bw)
	}
	var st vaultlib.OrchestratorStatus
	mustCall(t, h, common.MethodBackupStatus, nil, &st)
	if st.BandwidthLimit != 10*vaultlib.MB {
		t.Fatalf("expected limit in status, got %d", st.BandwidthLimit)
	}

	var m vaultlib.StudyManifest
	mustCall(t, h, common.MethodManifestExport, common.ManifestParams{StudyID: "1.2.3"}, &m)
	if m.StudyUID != "1.2.3" || m.TotalImages != 1 || len(m.Series) != 1 || m.Fingerprint == "" {
		t.Fatalf("unexpected manifest %+v", m)
	}

	var rebuilt vaultlib.RebuildResult
	mustCall(t, h, common.MethodIndexRebuild, nil, &rebuilt)
	if rebuilt.Studies != 1 {
		t.Fatalf("expected one study hashed, got %+v", rebuilt)
	}
	var audit common.AuditSearchResult
	mustCall(t, h, common.MethodAuditSearch, common.AuditSearchParams{Action: vaultlib.AuditIndexRebuilt, Format: "csv"}, &audit)
	if len(audit.Entries) != 1 || !strings.Contains(audit.Export, vaultlib.AuditIndexRebuilt) {
		t.Fatalf("expected rebuild audited, got %+v", audit)
	}

	var stats common.StatsResult
	mustCall(t, h, common.MethodStatsGet, nil, &stats)
	if stats.Report == "" {
		t.Fatal("expected a text report")
	}
	var exp common.ExportResult
	mustCall(t, h, common.MethodStatsExport, common.ExportParams{Format: "CSV"}, &exp)
	if exp.Format != common.FormatCSV || exp.Data == "" {
		t.Fatalf("unexpected export %+v", exp)
	}

	mustCall(t, h, common.MethodDestinationSetSecret, common.SecretParams{ID: "arch", Secret: "rotated"}, &ok)
	if f.secrets.get("arch") != "rotated" {
		t.Fatal("expected rotated secret")
	}
	var dests []common.DestinationInfo
	mustCall(t, h, common.MethodDestinationList, nil, &dests)
	if len(dests) != 1 || !dests[0].Reachable || dests[0].IntakeStopped {
		t.Fatalf("unexpected destinations %+v", dests)
	}
	mustCall(t, h, common.MethodDestinationRemove, common.IDParams{ID: "arch"}, &ok)
	if f.secrets.get("arch") != "" {
		t.Fatal("expected secret removed with the destination")
	}
	if list, _ := f.store.ListDestinations(context.Background()); len(list) != 0 {
		t.Fatalf("expected destination deleted, got %+v", list)
	}
}

// TestRPCProbeSingleDestination records the health of one destination.
func TestRPCProbeSingleDestination(t *testing.T) {
	f := newFixture(t, Config{})
	h := f.srv.handler(false)
	var d vaultlib.BackupDestination
	mustCall(t, h, common.MethodDestinationAdd, common.DestinationAddParams{
		Destination: vaultlib.BackupDestination{ID: "down", URL: "sftp://down.example/archive", Enabled: true},
	}, &d)
	var probes []vaultlib.ProbeResult
	mustCall(t, h, common.MethodDestinationProbe, common.IDParams{ID: "down"}, &probes)
	if len(probes) != 1 || probes[0].Reachable || probes[0].Error == "" {
		t.Fatalf("expected unreachable result, got %+v", probes)
	}
	if _, e := rpcCall(t, h, common.MethodDestinationProbe, common.IDParams{ID: "nope"}, "", nil); e == nil || e.Code != -32001 {
		t.Fatalf("expected not found, got %+v", e)
	}
}

// TestRPCRateLimit rejects calls once the bucket is empty.
func TestRPCRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 0.001, RateBurst: 2})
	h := f.srv.handler(false)
	for i := 0; i < 2; i++ {
		mustCall(t, h, common.MethodVersion, nil, nil)
	}
	if _, e := rpcCall(t, h, common.MethodVersion, nil, "", nil); e == nil || e.Code != -32005 {
		t.Fatalf("expected rate limit error, got %+v", e)
	}
}

// TestRPCTCPRequiresToken authenticates the TCP handler only.
func TestRPCTCPRequiresToken(t *testing.T) {
	f := newFixture(t, Config{Secret: testSecret})
	tests := []struct {
		name   string
		local  bool
		token  string
		status int
	}{
		{"tcp without token", false, "", 401},
		{"tcp wrong token", false, "nope", 401},
		{"tcp with token", false, testSecret, 200},
		{"local socket", true, "", 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, e := rpcCall(t, f.srv.handler(!tt.local), common.MethodVersion, nil, tt.token, nil)
			if code != tt.status {
				t.Fatalf("expected HTTP %d, got %d", tt.status, code)
			}
			if tt.status == 401 && (e == nil || e.Code != -32600) {
				t.Fatalf("expected -32600, got %+v", e)
			}
		})
	}
}
