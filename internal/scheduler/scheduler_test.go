package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

type firedRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *firedRecorder) trigger(id string) {
	r.mu.Lock()
	r.fired = append(r.fired, id)
	r.mu.Unlock()
}

func (r *firedRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fired...)
}

func TestScheduler_AddAndFire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &firedRecorder{}
	s := New(ctx, r.trigger)
	s.Add(ScheduleEvent{ScheduleID: "nightly", TriggerAt: time.Now().Add(100 * time.Millisecond)})

	time.Sleep(300 * time.Millisecond)
	if got := r.list(); len(got) != 1 || got[0] != "nightly" {
		t.Fatalf("expected nightly to fire once, got %v", got)
	}
}

func TestScheduler_RemoveBeforeFire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &firedRecorder{}
	s := New(ctx, r.trigger)
	s.Add(ScheduleEvent{ScheduleID: "nightly", TriggerAt: time.Now().Add(300 * time.Millisecond)})
	s.Remove("nightly")

	time.Sleep(500 * time.Millisecond)
	if got := r.list(); len(got) != 0 {
		t.Fatalf("expected nothing to fire after remove, got %v", got)
	}
}

func TestScheduler_UpdateMovesEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &firedRecorder{}
	s := New(ctx, r.trigger)
	s.Add(ScheduleEvent{ScheduleID: "nightly", TriggerAt: time.Now().Add(time.Hour)})
	s.Update(ScheduleEvent{ScheduleID: "nightly", TriggerAt: time.Now().Add(100 * time.Millisecond)})

	time.Sleep(300 * time.Millisecond)
	if got := r.list(); len(got) != 1 {
		t.Fatalf("expected the updated event to fire once, got %v", got)
	}
}

func TestScheduler_ShutdownViaContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &firedRecorder{}
	s := New(ctx, r.trigger)
	s.Add(ScheduleEvent{ScheduleID: "nightly", TriggerAt: time.Now().Add(300 * time.Millisecond)})
	cancel()

	time.Sleep(500 * time.Millisecond)
	if got := r.list(); len(got) != 0 {
		t.Fatalf("expected nothing to fire after context cancel, got %v", got)
	}
	// Add after shutdown must not block
	s.Add(ScheduleEvent{ScheduleID: "late", TriggerAt: time.Now()})
}

func TestScheduler_MultipleEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &firedRecorder{}
	s := New(ctx, r.trigger)
	s.Add(ScheduleEvent{ScheduleID: "second", TriggerAt: time.Now().Add(200 * time.Millisecond)})
	s.Add(ScheduleEvent{ScheduleID: "first", TriggerAt: time.Now().Add(100 * time.Millisecond)})

	time.Sleep(400 * time.Millisecond)
	got := r.list()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("expected first then second, got %v", got)
	}
}

func TestScheduler_RecurringReSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &firedRecorder{}
	s := New(ctx, r.trigger)
	// a trigger three years in the past fires once; replaying the missed
	// yearly occurrences would show up as extra fires
	s.Add(ScheduleEvent{
		ScheduleID: "recurring",
		TriggerAt:  time.Now().AddDate(-3, 0, 0),
		CronExpr:   "0 0 1 1 *",
	})

	time.Sleep(300 * time.Millisecond)
	if got := r.list(); len(got) != 1 {
		t.Fatalf("expected exactly one fire without catch-up, got %d", len(got))
	}
}

func TestNextCronOccurrence(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	next, err := nextCronOccurrence("0 2 * * *", now)
	if err != nil {
		t.Fatalf("expected no error: %v", err)
	}
	if !next.Equal(time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)) {
		t.Errorf("expected 02:00, got %v", next)
	}
	if _, err := nextCronOccurrence("bad-expr", now); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestHasOccurrenceWithinYear(t *testing.T) {
	now := time.Now()
	if !hasOccurrenceWithinYear("0 2 * * *", now) {
		t.Error("expected daily cron to have occurrence in next year")
	}
	if hasOccurrenceWithinYear("bad-cron", now) {
		t.Error("invalid cron should return false")
	}
}
