package vaultlib

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// TestDestinationNormalize derives host and port from the URL.
func TestDestinationNormalize(t *testing.T) {
	tests := []struct {
		url      string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"sftp://backup@vault.example.org/archive", "vault.example.org", 22, false},
		{"ftp://10.0.0.5:2121/pacs", "10.0.0.5", 2121, false},
		{"dicom://archive.local", "archive.local", 104, false},
		{"dir:///mnt/backup", "", 0, false},
		{"not a url", "", 0, true},
	}
	for _, tt := range tests {
		d := BackupDestination{ID: "d", URL: tt.url}
		err := d.Normalize()
		if (err != nil) != tt.wantErr {
			t.Fatalf("Normalize(%q) error = %v", tt.url, err)
		}
		if tt.wantErr {
			if KindOf(err) != KindConfigurationInvalid {
				t.Fatalf("expected configuration error, got %v", err)
			}
			continue
		}
		if d.Host != tt.wantHost || d.Port != tt.wantPort {
			t.Fatalf("Normalize(%q) = %s:%d", tt.url, d.Host, d.Port)
		}
		if d.MaxConcurrentTransfers != 1 {
			t.Fatalf("expected default concurrency 1, got %d", d.MaxConcurrentTransfers)
		}
	}
}

// TestRegistryCRUD covers add, update, remove and duplicates.
func TestRegistryCRUD(t *testing.T) {
	r := newTestRegistry(t, reachableDest("a", 1))
	if _, err := r.Add(reachableDest("a", 1)); !errors.Is(err, ErrDestinationExists) {
		t.Fatalf("expected ErrDestinationExists, got %v", err)
	}
	upd := reachableDest("a", 3)
	upd.Reachable = false
	got, err := r.Update(upd)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !got.Reachable || got.MaxConcurrentTransfers != 3 {
		t.Fatalf("expected health kept and config replaced, got %+v", got)
	}
	if err := r.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := r.Remove("a"); !errors.Is(err, ErrDestinationNotFound) {
		t.Fatalf("expected ErrDestinationNotFound, got %v", err)
	}
}

// TestRegistryRanking orders by affinity, load, then latency.
func TestRegistryRanking(t *testing.T) {
	fast := reachableDest("fast", 2)
	slow := reachableDest("slow", 2)
	mr := reachableDest("mr", 2)
	mr.Modalities = []string{"MR"}
	r := newTestRegistry(t, fast, slow, mr)
	r.UpdateHealth("fast", true, 5*time.Millisecond, time.Now())
	r.UpdateHealth("slow", true, 50*time.Millisecond, time.Now())
	r.UpdateHealth("mr", true, 90*time.Millisecond, time.Now())

	ct := testStudy("s", "CT", time.Now(), "x")
	got := r.SelectDestinationsForStudy(&ct, nil)
	if len(got) != 3 || got[0].ID != "fast" || got[1].ID != "slow" {
		t.Fatalf("expected latency order, got %v", destIDs(got))
	}

	mrStudy := testStudy("s", "MR", time.Now(), "x")
	if got := r.SelectDestinationsForStudy(&mrStudy, nil); got[0].ID != "mr" {
		t.Fatalf("expected modality affinity first, got %v", destIDs(got))
	}

	loads := map[string]int{"fast": 3}
	r.SetLoadFunc(func(id string) int { return loads[id] })
	if got := r.SelectDestinationsForStudy(&ct, nil); got[0].ID != "slow" {
		t.Fatalf("expected load to outrank latency, got %v", destIDs(got))
	}

	if got := r.SelectDestinationsForStudy(&ct, []string{"mr"}); len(got) != 1 || got[0].ID != "mr" {
		t.Fatalf("expected restriction to mr, got %v", destIDs(got))
	}
}

func destIDs(ds []BackupDestination) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

// TestRegistryCapacity reports zero for unusable destinations.
func TestRegistryCapacity(t *testing.T) {
	off := reachableDest("off", 2)
	off.Enabled = false
	down := reachableDest("down", 2)
	down.Reachable = false
	r := newTestRegistry(t, reachableDest("up", 2), off, down)

	if got := r.Capacity("up"); got != 2 {
		t.Fatalf("expected capacity 2, got %d", got)
	}
	for _, id := range []string{"off", "down", "missing"} {
		if got := r.Capacity(id); got != 0 {
			t.Fatalf("expected %s capacity 0, got %d", id, got)
		}
	}
	r.StopIntake("up", "auth failed")
	if got := r.Capacity("up"); got != 0 {
		t.Fatalf("expected stopped intake to block, got %d", got)
	}
	if stopped, reason := r.IntakeStopped("up"); !stopped || reason != "auth failed" {
		t.Fatalf("unexpected intake state %v %q", stopped, reason)
	}
	r.ResumeIntake("up")
	if got := r.Capacity("up"); got != 2 {
		t.Fatalf("expected capacity restored, got %d", got)
	}
}

// TestRegistryTargets splits targets by mirroring mode.
func TestRegistryTargets(t *testing.T) {
	r := newTestRegistry(t, reachableDest("a", 1), reachableDest("b", 1))
	targets, failover := r.Targets(nil, nil)
	if len(targets) != 1 || len(failover) != 1 {
		t.Fatalf("expected one target and one failover, got %d/%d", len(targets), len(failover))
	}
	r.SetMirroring(true, MirrorAnySufficient)
	targets, failover = r.Targets(nil, nil)
	if len(targets) != 2 || len(failover) != 0 {
		t.Fatalf("expected every destination mirrored, got %d/%d", len(targets), len(failover))
	}
	if r.Config().MirrorPolicy != MirrorAnySufficient {
		t.Fatalf("expected any-sufficient policy, got %s", r.Config().MirrorPolicy)
	}
}

// TestRegistryFailover crosses the error threshold and moves waiting work.
func TestRegistryFailover(t *testing.T) {
	r := NewDestinationRegistry(RegistryConfig{FailoverThreshold: 0.5, MinSamples: 2, ErrorWindow: time.Minute})
	for _, d := range []BackupDestination{reachableDest("primary", 1), reachableDest("backup", 1)} {
		r.Add(d)
	}
	q := NewTransferQueue(2)
	q.AddItem(newTestItem("s1", "primary", PriorityNormal, time.Time{}))
	q.AddItem(newTestItem("s2", "primary", PriorityNormal, time.Time{}))

	if r.RecordOutcome("primary", true) {
		t.Fatal("expected no failover below the sample minimum")
	}
	if !r.RecordOutcome("primary", true) {
		t.Fatal("expected failover once the threshold is crossed")
	}
	if rate, n := r.ErrorRate("primary"); rate != 1 || n != 2 {
		t.Fatalf("unexpected error rate %v over %d", rate, n)
	}

	res, err := r.FailoverToBackupDestination("primary", q)
	if err != nil {
		t.Fatalf("Failover: %v", err)
	}
	if res.Moved["backup"] != 2 || res.Total() != 2 {
		t.Fatalf("expected 2 items moved to backup, got %v", res.Moved)
	}
	if _, n := r.ErrorRate("primary"); n != 0 {
		t.Fatalf("expected window reset, got %d samples", n)
	}

	q.AddItem(newTestItem("s3", "backup", PriorityNormal, time.Time{}))
	r.Remove("primary")
	res, err = r.FailoverToBackupDestination("backup", q)
	if !errors.Is(err, ErrNoReachableDest) {
		t.Fatalf("expected ErrNoReachableDest, got %v", err)
	}
	if len(res.Stranded) != 3 {
		t.Fatalf("expected 3 stranded items, got %d", len(res.Stranded))
	}
}

// TestFailoverKeepsScope moves each item within its own destination scope
// and prefers a destination suited to its modality.
func TestFailoverKeepsScope(t *testing.T) {
	ct := reachableDest("ct-archive", 2)
	ct.Modalities = []string{"CT"}
	r := newTestRegistry(t, reachableDest("primary", 1), reachableDest("offsite", 1), ct, reachableDest("tape", 1))
	q := NewTransferQueue(2)

	scoped := newTestItem("s1", "primary", PriorityNormal, time.Time{})
	scoped.Scope = []string{"primary", "tape"}
	scoped.Modality = "CT"
	a, _ := q.AddItem(scoped)
	ctItem := newTestItem("s2", "primary", PriorityNormal, time.Time{})
	ctItem.Modality = "CT"
	b, _ := q.AddItem(ctItem)
	only := newTestItem("s3", "primary", PriorityNormal, time.Time{})
	only.Scope = []string{"primary"}
	c, _ := q.AddItem(only)

	res, err := r.FailoverToBackupDestination("primary", q)
	if err != nil {
		t.Fatalf("Failover: %v", err)
	}
	tests := []struct {
		id   string
		dest string
	}{
		{a.ID, "tape"},
		{b.ID, "ct-archive"},
		{c.ID, "primary"},
	}
	for _, tt := range tests {
		got, _ := q.Get(tt.id)
		if got.DestinationID != tt.dest {
			t.Errorf("item %s: expected %s, got %s", got.StudyUID, tt.dest, got.DestinationID)
		}
	}
	if res.Total() != 2 || len(res.Stranded) != 1 || res.Stranded[0].ID != c.ID {
		t.Fatalf("unexpected failover result %+v", res)
	}
}

// TestRegistryErrorWindowExpires forgets outcomes older than the window.
func TestRegistryErrorWindowExpires(t *testing.T) {
	r := NewDestinationRegistry(RegistryConfig{ErrorWindow: 20 * time.Millisecond, MinSamples: 1})
	r.Add(reachableDest("a", 1))
	r.RecordOutcome("a", true)
	time.Sleep(60 * time.Millisecond)
	if _, n := r.ErrorRate("a"); n != 0 {
		t.Fatalf("expected expired samples, got %d", n)
	}
}

// TestProbeAll marks destinations by a real TCP connect.
func TestProbeAll(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	deadAddr := closed.Addr().String()
	closed.Close()

	r := NewDestinationRegistry(RegistryConfig{})
	r.Add(BackupDestination{ID: "live", URL: "sftp://" + ln.Addr().String() + "/x", Enabled: true})
	r.Add(BackupDestination{ID: "dead", URL: "sftp://" + deadAddr + "/x", Enabled: true})
	r.Add(BackupDestination{ID: "local", URL: "dir:///tmp/x", Enabled: true})

	results := r.ProbeAll(context.Background(), TCPProber{Timeout: time.Second})
	byID := make(map[string]ProbeResult)
	for _, res := range results {
		byID[res.DestinationID] = res
	}
	if !byID["live"].Reachable || !byID["local"].Reachable {
		t.Fatalf("expected live and local reachable, got %+v", byID)
	}
	if byID["dead"].Reachable || byID["dead"].Error == "" {
		t.Fatalf("expected dead unreachable with error, got %+v", byID["dead"])
	}
	if d, _ := r.Get("dead"); d.Reachable {
		t.Fatal("expected registry health updated")
	}
}
