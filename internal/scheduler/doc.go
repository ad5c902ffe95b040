// Package scheduler fires backup schedules. It implements a single-goroutine
// scheduler using a min-heap of ScheduleEvents sorted by trigger time, with a
// 60-second max-sleep-cap to handle NTP steps, DST transitions, and system
// sleep (macOS monotonic clock pause).
//
// A Book owns the configured BackupSchedules, persists them through a Store
// and hands fired schedules to a run callback. Missed runs are never caught
// up: a schedule whose next run passed while the daemon was down fires at
// its next cron occurrence after startup.
package scheduler
