package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrNoOccurrence     = errors.New("cron expression has no occurrence within a year")
)

// BackupSchedule starts a backup run on a cron expression.
type BackupSchedule struct {
	ID      string              `json:"id" yaml:"id"`
	Name    string              `json:"name" yaml:"name"`
	Type    vaultlib.BackupType `json:"type" yaml:"type"`
	Enabled bool                `json:"enabled" yaml:"enabled"`
	// CronExpr is a five field cron expression in local time.
	CronExpr     string               `json:"cron" yaml:"cron"`
	Filter       vaultlib.StudyFilter `json:"filter,omitempty" yaml:"filter,omitempty"`
	Destinations []string             `json:"destinations,omitempty" yaml:"destinations,omitempty"`
	// MaxStudies caps the studies of one run; 0 means no cap.
	MaxStudies  int       `json:"maxStudies,omitempty" yaml:"max_studies,omitempty"`
	NextRunDate time.Time `json:"nextRun,omitempty" yaml:"-"`
	LastRunDate time.Time `json:"lastRun,omitempty" yaml:"-"`
}

// ValidateCron checks that expr is a five field cron expression that fires
// within the next year. gronx.IsValid alone also accepts a seconds field.
func ValidateCron(expr string, from time.Time) error {
	expr = strings.TrimSpace(expr)
	if len(strings.Fields(expr)) != 5 || !gronx.IsValid(expr) {
		return fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	if !hasOccurrenceWithinYear(expr, from) {
		return fmt.Errorf("%w: %q", ErrNoOccurrence, expr)
	}
	return nil
}

// Normalize validates s, assigns an id when missing and computes the next
// run after now.
func (s *BackupSchedule) Normalize(now time.Time) error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return errors.New("schedule name is empty")
	}
	if s.MaxStudies < 0 {
		return fmt.Errorf("schedule %s: negative study cap", s.Name)
	}
	if err := ValidateCron(s.CronExpr, now); err != nil {
		return fmt.Errorf("schedule %s: %w", s.Name, err)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	next, err := s.NextRun(now)
	if err != nil {
		return err
	}
	s.NextRunDate = next
	return nil
}

// NextRun returns the first occurrence strictly after after.
func (s *BackupSchedule) NextRun(after time.Time) (time.Time, error) {
	return nextCronOccurrence(s.CronExpr, after)
}

// ShouldRunNow reports whether the schedule is enabled and due.
func (s *BackupSchedule) ShouldRunNow(now time.Time) bool {
	if !s.Enabled || s.NextRunDate.IsZero() {
		return false
	}
	return !now.Before(s.NextRunDate)
}

// Fire records a run at now and advances NextRunDate to the first occurrence
// strictly after now. Occurrences missed before now are skipped.
func (s *BackupSchedule) Fire(now time.Time) error {
	next, err := s.NextRun(now)
	if err != nil {
		return err
	}
	s.LastRunDate = now
	s.NextRunDate = next
	return nil
}

// Request builds the backup request for one run of s.
func (s *BackupSchedule) Request() vaultlib.BackupRequest {
	return vaultlib.BackupRequest{
		Type:         s.Type,
		Filter:       s.Filter,
		Destinations: append([]string(nil), s.Destinations...),
		MaxStudies:   s.MaxStudies,
		Priority:     vaultlib.PriorityNormal,
		Source:       "schedule:" + s.Name,
	}
}

// LoadSchedules prepares persisted schedules at daemon startup. Enabled
// schedules get a heap event for their next occurrence. A schedule whose
// NextRunDate already passed is returned in missed and moved to its next
// occurrence after now; it does not run for the missed occurrence.
func LoadSchedules(schedules []BackupSchedule, now time.Time) (events []ScheduleEvent, missed []BackupSchedule) {
	for i := range schedules {
		s := &schedules[i]
		if !s.Enabled {
			continue
		}
		if s.NextRunDate.IsZero() || s.NextRunDate.Before(now) {
			if !s.NextRunDate.IsZero() {
				missed = append(missed, *s)
			}
			next, err := s.NextRun(now)
			if err != nil {
				continue
			}
			s.NextRunDate = next
		}
		events = append(events, ScheduleEvent{
			ScheduleID: s.ID,
			TriggerAt:  s.NextRunDate,
			CronExpr:   s.CronExpr,
		})
	}
	return events, missed
}
