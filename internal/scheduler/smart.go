package scheduler

import (
	"strings"
	"time"

	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// Cron expressions and caps of the default smart schedules.
const (
	SmartIncrementalCron       = "0 3 * * *"
	SmartFullCron              = "0 2 * * 0"
	SmartIncrementalMaxStudies = 50
)

// DefaultSchedules returns the nightly incremental and weekly full schedules
// installed when no schedule is configured.
func DefaultSchedules(now time.Time) []BackupSchedule {
	out := []BackupSchedule{
		{
			Name:       "Smart Incremental",
			Type:       vaultlib.BackupIncremental,
			Enabled:    true,
			CronExpr:   SmartIncrementalCron,
			MaxStudies: SmartIncrementalMaxStudies,
		},
		{
			Name:     "Smart Full",
			Type:     vaultlib.BackupFull,
			Enabled:  true,
			CronExpr: SmartFullCron,
		},
	}
	for i := range out {
		// the expressions are constant and valid
		_ = out[i].Normalize(now)
	}
	return out
}

// PeakHours is an inclusive range of local hours during which scheduled
// runs are skipped.
type PeakHours struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// DefaultPeakHours covers the clinical day.
var DefaultPeakHours = PeakHours{Start: 8, End: 18}

// Contains reports whether t falls within the peak hours. A range with
// Start > End wraps around midnight.
func (p PeakHours) Contains(t time.Time) bool {
	h := t.Hour()
	if p.Start <= p.End {
		return h >= p.Start && h <= p.End
	}
	return h >= p.Start || h <= p.End
}

// OptimalHour returns the preferred local backup hour for a modality.
func OptimalHour(modality string) int {
	switch strings.ToUpper(modality) {
	case "CT", "MR":
		return 3
	case "CR", "DX":
		return 23
	}
	return 2
}

// OptimalBackupTime returns the first full optimal hour for modality
// strictly after after.
func OptimalBackupTime(modality string, after time.Time) time.Time {
	h := OptimalHour(modality)
	t := time.Date(after.Year(), after.Month(), after.Day(), h, 0, 0, 0, after.Location())
	if !t.After(after) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// SuggestedBackupTimes lists the 02:00, 03:00 and 04:00 slots of today and
// the following days, skipping slots not after now.
func SuggestedBackupTimes(now time.Time, days int) []time.Time {
	if days <= 0 {
		return nil
	}
	var out []time.Time
	for d := 0; d < days; d++ {
		day := now.AddDate(0, 0, d)
		for h := 2; h <= 4; h++ {
			t := time.Date(day.Year(), day.Month(), day.Day(), h, 0, 0, 0, now.Location())
			if t.After(now) {
				out = append(out, t)
			}
		}
	}
	return out
}
