package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/warpdl/warpvault/pkg/vaultlib"
)

func TestValidateCron(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		expr    string
		wantErr error
	}{
		{"0 3 * * *", nil},
		{"*/15 * * * 1-5", nil},
		{"", ErrInvalidCron},
		{"0 3 * *", ErrInvalidCron},
		{"0 0 3 * * *", ErrInvalidCron},
		{"61 3 * * *", ErrInvalidCron},
	}
	for _, tt := range tests {
		err := ValidateCron(tt.expr, now)
		if tt.wantErr == nil && err != nil {
			t.Errorf("ValidateCron(%q) unexpected error: %v", tt.expr, err)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("ValidateCron(%q) = %v, want %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestBackupScheduleNormalize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := BackupSchedule{Name: "  nightly ", Type: vaultlib.BackupIncremental, Enabled: true, CronExpr: "0 3 * * *"}
	if err := s.Normalize(now); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if s.ID == "" || s.Name != "nightly" {
		t.Fatalf("expected id assigned and name trimmed, got %+v", s)
	}
	if want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC); !s.NextRunDate.Equal(want) {
		t.Fatalf("expected next run %v, got %v", want, s.NextRunDate)
	}

	for _, bad := range []BackupSchedule{
		{Name: "", CronExpr: "0 3 * * *"},
		{Name: "x", CronExpr: "nope"},
		{Name: "x", CronExpr: "0 3 * * *", MaxStudies: -1},
	} {
		if err := bad.Normalize(now); err == nil {
			t.Errorf("expected error for %+v", bad)
		}
	}
}

func TestBackupScheduleShouldRunNow(t *testing.T) {
	next := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		enabled bool
		next    time.Time
		now     time.Time
		want    bool
	}{
		{"before", true, next, next.Add(-time.Second), false},
		{"at", true, next, next, true},
		{"after", true, next, next.Add(time.Hour), true},
		{"disabled", false, next, next.Add(time.Hour), false},
		{"never computed", true, time.Time{}, next, false},
	}
	for _, tt := range tests {
		s := BackupSchedule{Enabled: tt.enabled, NextRunDate: tt.next}
		if got := s.ShouldRunNow(tt.now); got != tt.want {
			t.Errorf("%s: ShouldRunNow = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// TestBackupScheduleFire advances strictly past now without catch-up.
func TestBackupScheduleFire(t *testing.T) {
	s := BackupSchedule{Name: "nightly", Enabled: true, CronExpr: "0 3 * * *",
		NextRunDate: time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)}

	// three nights were missed
	now := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	if err := s.Fire(now); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if !s.LastRunDate.Equal(now) {
		t.Fatalf("expected last run %v, got %v", now, s.LastRunDate)
	}
	if want := time.Date(2026, 3, 5, 3, 0, 0, 0, time.UTC); !s.NextRunDate.Equal(want) {
		t.Fatalf("expected next run %v, got %v", want, s.NextRunDate)
	}

	// firing exactly at an occurrence moves to the following one
	at := time.Date(2026, 3, 5, 3, 0, 0, 0, time.UTC)
	s.Fire(at)
	if want := time.Date(2026, 3, 6, 3, 0, 0, 0, time.UTC); !s.NextRunDate.Equal(want) {
		t.Fatalf("expected next run %v, got %v", want, s.NextRunDate)
	}
}

func TestBackupScheduleRequest(t *testing.T) {
	s := BackupSchedule{Name: "ct nightly", Type: vaultlib.BackupDifferential, MaxStudies: 10,
		Destinations: []string{"offsite"}, Filter: vaultlib.StudyFilter{Modalities: []string{"CT"}}}
	req := s.Request()
	if req.Type != vaultlib.BackupDifferential || req.MaxStudies != 10 || req.Source != "schedule:ct nightly" {
		t.Fatalf("unexpected request %+v", req)
	}
	req.Destinations[0] = "changed"
	if s.Destinations[0] != "offsite" {
		t.Fatal("expected destinations copied")
	}
}

func TestLoadSchedules(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	list := []BackupSchedule{
		{ID: "missed", Name: "missed", Enabled: true, CronExpr: "0 2 * * *", NextRunDate: now.Add(-8 * time.Hour)},
		{ID: "future", Name: "future", Enabled: true, CronExpr: "0 2 * * *", NextRunDate: now.Add(16 * time.Hour)},
		{ID: "fresh", Name: "fresh", Enabled: true, CronExpr: "30 * * * *"},
		{ID: "off", Name: "off", Enabled: false, CronExpr: "0 2 * * *", NextRunDate: now.Add(-time.Hour)},
	}
	events, missed := LoadSchedules(list, now)

	if len(missed) != 1 || missed[0].ID != "missed" {
		t.Fatalf("expected one missed schedule, got %+v", missed)
	}
	if !missed[0].NextRunDate.Equal(now.Add(-8 * time.Hour)) {
		t.Fatal("expected missed entry to report the missed time")
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	byID := map[string]ScheduleEvent{}
	for _, ev := range events {
		byID[ev.ScheduleID] = ev
	}
	if want := time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC); !byID["missed"].TriggerAt.Equal(want) {
		t.Errorf("expected missed schedule moved to %v, got %v", want, byID["missed"].TriggerAt)
	}
	if !list[0].NextRunDate.Equal(byID["missed"].TriggerAt) {
		t.Error("expected schedule updated in place")
	}
	if !byID["future"].TriggerAt.Equal(now.Add(16 * time.Hour)) {
		t.Errorf("expected future schedule kept, got %v", byID["future"].TriggerAt)
	}
	if want := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC); !byID["fresh"].TriggerAt.Equal(want) {
		t.Errorf("expected fresh schedule computed, got %v", byID["fresh"].TriggerAt)
	}
	if byID["future"].CronExpr != "0 2 * * *" {
		t.Errorf("expected cron preserved, got %q", byID["future"].CronExpr)
	}
}
