package scheduler

import "time"

// ScheduleEvent represents a pending schedule occurrence in the scheduler heap.
// It is an in-memory only type; the heap is rebuilt from BackupSchedules on
// daemon restart.
type ScheduleEvent struct {
	// ScheduleID identifies the BackupSchedule to run when TriggerAt is reached.
	ScheduleID string
	// TriggerAt is the wall-clock time when the schedule should fire.
	TriggerAt time.Time
	// CronExpr is the cron expression for recurring schedules.
	// Empty string means one-shot: no re-scheduling after firing.
	CronExpr string
}
