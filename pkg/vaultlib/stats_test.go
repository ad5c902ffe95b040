package vaultlib

import (
	"bytes"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"
)

func statsRecord(study, dest string, ok bool, bytes int64, at time.Time) TransferRecord {
	r := TransferRecord{
		ItemID:        study + "@" + dest,
		StudyUID:      study,
		DestinationID: dest,
		Modality:      "ct",
		Success:       ok,
		Images:        2,
		Bytes:         bytes,
		Duration:      time.Second,
		At:            at,
	}
	if !ok {
		r.Kind = KindTransientNetwork
	}
	return r
}

// TestStatisticsAggregates folds successes and failures into the snapshot.
func TestStatisticsAggregates(t *testing.T) {
	s := NewStatistics(0)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Add(statsRecord("s1", "a", true, 1000, t0.Add(time.Hour)))
	s.Add(statsRecord("s1", "b", true, 1000, t0))
	s.Add(statsRecord("s2", "a", false, 0, t0.Add(2*time.Hour)))
	s.Add(statsRecord("s3", "a", true, 2000, t0.Add(3*time.Hour)))

	sn := s.Snapshot()
	if sn.Transfers != 4 || sn.Successful != 3 || sn.Failed != 1 {
		t.Fatalf("unexpected counts %+v", sn)
	}
	if sn.Studies != 2 {
		t.Fatalf("expected 2 distinct stored studies, got %d", sn.Studies)
	}
	if sn.Images != 6 || sn.Bytes != 4000 {
		t.Fatalf("expected 6 images and 4000 bytes, got %d/%d", sn.Images, sn.Bytes)
	}
	if sn.AverageSpeed != 4000.0/3 {
		t.Fatalf("unexpected average speed %v", sn.AverageSpeed)
	}
	if sn.SuccessRate != 75 {
		t.Fatalf("expected 75%% success, got %v", sn.SuccessRate)
	}
	if !sn.FirstBackup.Equal(t0) || !sn.LastBackup.Equal(t0.Add(3*time.Hour)) {
		t.Fatalf("unexpected backup range %v..%v", sn.FirstBackup, sn.LastBackup)
	}
	if sn.FailuresByKind["transient_network"] != 1 {
		t.Fatalf("unexpected failures by kind %v", sn.FailuresByKind)
	}
	if d := sn.ByDestination["a"]; d.Transfers != 3 || d.Failures != 1 || d.Bytes != 3000 {
		t.Fatalf("unexpected destination a stats %+v", d)
	}
	if sn.ByModality["CT"] != 3 {
		t.Fatalf("unexpected modality stats %v", sn.ByModality)
	}

	// snapshots are copies
	sn.ByModality["CT"] = 99
	if s.Snapshot().ByModality["CT"] != 3 {
		t.Fatal("expected snapshot maps to be detached")
	}

	s.Reset()
	if s.Snapshot().Transfers != 0 || len(s.Records()) != 0 {
		t.Fatal("expected reset to clear everything")
	}
}

// TestStatisticsSinkMethods derives records from terminal items.
func TestStatisticsSinkMethods(t *testing.T) {
	s := NewStatistics(0)
	done := TransferItem{ID: "1", StudyUID: "s", DestinationID: "a", TransferredImages: 3, TransferredBytes: 30,
		StartDate: time.Now().Add(-time.Second), CompletionDate: time.Now()}
	s.RecordTransfer(done)
	s.RecordFailure(TransferItem{ID: "2", StudyUID: "s", DestinationID: "b"}, errors.New("connection refused"))

	sn := s.Snapshot()
	if sn.Successful != 1 || sn.Images != 3 {
		t.Fatalf("unexpected success stats %+v", sn)
	}
	if sn.FailuresByKind["destination_unreachable"] != 1 {
		t.Fatalf("expected classified failure kind, got %v", sn.FailuresByKind)
	}
}

// TestStatisticsBoundsRecords keeps only the newest records.
func TestStatisticsBoundsRecords(t *testing.T) {
	s := NewStatistics(2)
	now := time.Now()
	s.Restore([]TransferRecord{
		statsRecord("s1", "a", true, 1, now),
		statsRecord("s2", "a", true, 1, now),
		statsRecord("s3", "a", true, 1, now),
	})
	recs := s.Records()
	if len(recs) != 2 || recs[0].StudyUID != "s2" {
		t.Fatalf("expected newest two records, got %+v", recs)
	}
	if s.Snapshot().Transfers != 3 {
		t.Fatal("expected aggregates to include dropped records")
	}
}

// TestStatisticsExport checks the CSV and text renderings.
func TestStatisticsExport(t *testing.T) {
	s := NewStatistics(0)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Add(statsRecord("s1", "offsite", true, 2*MB, now))
	s.Add(statsRecord("s2", "offsite", false, 0, now))

	var buf bytes.Buffer
	if err := s.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "at" {
		t.Fatalf("expected header and two rows, got %v", rows)
	}
	if rows[1][2] != "s1" || rows[1][5] != "true" || rows[1][8] != "2097152" || rows[1][9] != "1000" {
		t.Fatalf("unexpected row %v", rows[1])
	}
	if rows[2][6] != "transient_network" {
		t.Fatalf("unexpected failure row %v", rows[2])
	}

	report := s.Report()
	for _, want := range []string{"Transfers:     2 (1 successful, 1 failed, 50.0% success)", "Data:          2.00 MB", "transient_network", "offsite"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}
